// Package auth resolves the caller of a request into an Identity.
//
// Two credential schemes are supported: HS256 bearer JWTs (stateless, verified against the
// configured secret) and API keys (looked up by SHA-256 hash in the credential store). A
// request carries exactly one; when both are present the API key wins. Verification is
// fail-closed: store errors and timeouts surface as ErrInvalidCredential.
package auth

import (
	"context"
	"errors"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
)

// Sentinel errors returned by Verify. Callers match with errors.Is.
var (
	ErrUnauthenticated   = errors.New("no credential presented")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrCredentialExpired = errors.New("credential expired")
)

// Method identifies the credential scheme that produced an Identity.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodAPIKey Method = "api_key"
)

// Identity is the resolved caller of a single request. It is never persisted.
type Identity struct {
	SubjectID      string
	Role           string
	OrganizationID string
	SessionID      string
	Method         Method

	// Set only for API-key callers.
	KeyID string
	// KeyPermissions narrows the role when non-nil.
	KeyPermissions []models.Permission
}

// SessionKey is the key CSRF tokens are bound to: the session when the credential carries one,
// else the subject.
func (i *Identity) SessionKey() string {
	if i.SessionID != "" {
		return i.SessionID
	}
	return i.SubjectID
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the Identity stored by WithIdentity, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
