package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/safego"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// DisplayPrefixLength is the number of characters to show in displays
	DisplayPrefixLength = 10

	// lastUsedTimeout bounds the background last_used_at update.
	lastUsedTimeout = 5 * time.Second
)

// GenerateAPIKey creates a new random API key with the given prefix.
// Returns: full key (to show once), SHA-256 lookup hash (to store), display prefix.
func GenerateAPIKey(prefix string) (key string, hash string, displayPrefix string, err error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	fullKey := fmt.Sprintf("%s_%s", prefix, base64.RawURLEncoding.EncodeToString(randomBytes))

	displayPrefix = fullKey
	if len(fullKey) > DisplayPrefixLength {
		displayPrefix = fullKey[:DisplayPrefixLength]
	}
	return fullKey, HashAPIKey(fullKey), displayPrefix, nil
}

// HashAPIKey returns the hex SHA-256 digest used to look a key up. Keys carry 256 bits of
// randomness, so an unsalted fast hash is sufficient and allows an indexed lookup.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// APIKeyStore is the credential store the verifier reads from.
type APIKeyStore interface {
	// GetAPIKeyByHash returns the key joined with its owner, or (nil, nil) when absent.
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, keyID string) error
}

// APIKeyVerifier resolves API keys against an APIKeyStore.
type APIKeyVerifier struct {
	store         APIKeyStore
	lookupTimeout time.Duration
	now           func() time.Time
}

// NewAPIKeyVerifier creates a verifier whose store lookups are bounded by lookupTimeout.
func NewAPIKeyVerifier(store APIKeyStore, lookupTimeout time.Duration) *APIKeyVerifier {
	return &APIKeyVerifier{store: store, lookupTimeout: lookupTimeout, now: time.Now}
}

// Verify looks the key up by hash and checks it is usable. On success the key's last_used_at
// is bumped in the background.
func (v *APIKeyVerifier) Verify(ctx context.Context, key string) (*Identity, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
	defer cancel()

	hash := HashAPIKey(key)
	rec, err := v.store.GetAPIKeyByHash(lookupCtx, hash)
	if err != nil {
		slog.Error("api key lookup failed", "key_prefix", displayPrefixOf(key), "error", err)
		return nil, fmt.Errorf("%w: lookup failed", ErrInvalidCredential)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: unknown api key", ErrInvalidCredential)
	}
	if !rec.IsActive || !rec.SubjectActive {
		return nil, fmt.Errorf("%w: api key or owner inactive", ErrInvalidCredential)
	}
	if rec.IsExpired(v.now()) {
		return nil, fmt.Errorf("%w: api key expired at %s", ErrCredentialExpired, rec.ExpiresAt.Format(time.RFC3339))
	}

	keyID := rec.ID
	safego.GoNamed("apikey-last-used", func() {
		bumpCtx, cancel := context.WithTimeout(context.Background(), lastUsedTimeout)
		defer cancel()
		if err := v.store.UpdateLastUsed(bumpCtx, keyID); err != nil {
			slog.Warn("failed to update api key last_used_at", "key_id", keyID, "error", err)
		}
	})

	return &Identity{
		SubjectID:      rec.SubjectID,
		Role:           rec.Role,
		OrganizationID: rec.OrganizationID,
		Method:         MethodAPIKey,
		KeyID:          rec.ID,
		KeyPermissions: rec.Permissions,
	}, nil
}

func displayPrefixOf(key string) string {
	if len(key) > DisplayPrefixLength {
		return key[:DisplayPrefixLength]
	}
	return key
}
