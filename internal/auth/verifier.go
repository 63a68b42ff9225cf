package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Verifier picks the credential scheme for a request and delegates to the matching verifier.
type Verifier struct {
	header  string
	apiKeys *APIKeyVerifier
	bearer  *BearerVerifier
}

// NewVerifier creates a Verifier reading API keys from apiKeyHeader (e.g. "X-API-Key").
func NewVerifier(apiKeyHeader string, apiKeys *APIKeyVerifier, bearer *BearerVerifier) *Verifier {
	return &Verifier{header: apiKeyHeader, apiKeys: apiKeys, bearer: bearer}
}

// Verify resolves the caller of r. The API key header takes precedence over Authorization.
func (v *Verifier) Verify(ctx context.Context, r *http.Request) (*Identity, error) {
	if key := strings.TrimSpace(r.Header.Get(v.header)); key != "" {
		return v.apiKeys.Verify(ctx, key)
	}

	authz := r.Header.Get("Authorization")
	if authz == "" {
		return nil, ErrUnauthenticated
	}
	token, err := ExtractBearerToken(authz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return v.bearer.Verify(token)
}

// ExtractBearerToken extracts the token from an Authorization header.
// Expected format: "Bearer eyJhbGciOi..."
func ExtractBearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("authorization header must use the Bearer scheme")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("bearer token is empty")
	}
	return token, nil
}
