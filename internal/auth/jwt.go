package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims represents the JWT claims structure. The subject is carried in the registered "sub".
type Claims struct {
	Role           string `json:"role"`
	OrganizationID string `json:"org_id"`
	SessionID      string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// ResolveJWTSecret returns the configured secret. In dev mode an empty secret is replaced by a
// random one, so sessions do not survive a restart.
func ResolveJWTSecret(configured string, devMode bool) (string, error) {
	if configured != "" {
		if len(configured) < 32 {
			slog.Warn("auth.jwt_secret is shorter than the recommended 32 characters")
		}
		return configured, nil
	}
	if !devMode {
		return "", errors.New("auth.jwt_secret is required in production; generate one with: openssl rand -hex 32")
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate dev jwt secret: %w", err)
	}
	slog.Warn("auth.jwt_secret not set; using an auto-generated secret for development")
	return hex.EncodeToString(b), nil
}

// BearerVerifier validates HS256 bearer tokens without touching the database.
type BearerVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewBearerVerifier creates a verifier. Empty issuer or audience disables that check.
func NewBearerVerifier(secret, issuer, audience string) *BearerVerifier {
	return &BearerVerifier{secret: []byte(secret), issuer: issuer, audience: audience, now: time.Now}
}

// Verify parses and validates tokenString and maps its claims onto an Identity.
func (v *BearerVerifier) Verify(tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrCredentialExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrInvalidCredential)
	}
	// Organizations are keyed by UUID; an empty org_id means no organization.
	if claims.OrganizationID != "" {
		if _, err := uuid.Parse(claims.OrganizationID); err != nil {
			return nil, fmt.Errorf("%w: org_id is not a UUID", ErrInvalidCredential)
		}
	}

	return &Identity{
		SubjectID:      claims.Subject,
		Role:           claims.Role,
		OrganizationID: claims.OrganizationID,
		SessionID:      claims.SessionID,
		Method:         MethodBearer,
	}, nil
}
