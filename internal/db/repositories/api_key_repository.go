// api_key_repository.go implements APIKeyRepository, the credential store behind API-key
// verification: lookup by hash joined with the owning user, creation, last-used bumps and
// revocation.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
)

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeySelect = `
		SELECT k.id, k.user_id, k.name, k.key_hash, k.key_prefix, k.permissions, k.expires_at,
		       k.is_active, k.last_used_at, k.created_at, u.role, u.organization_id, u.is_active
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
	`

func scanAPIKey(row *sql.Row) (*models.APIKey, error) {
	key := &models.APIKey{}
	var permsJSON []byte
	err := row.Scan(
		&key.ID,
		&key.SubjectID,
		&key.Name,
		&key.KeyHash,
		&key.KeyPrefix,
		&permsJSON,
		&key.ExpiresAt,
		&key.IsActive,
		&key.LastUsedAt,
		&key.CreatedAt,
		&key.Role,
		&key.OrganizationID,
		&key.SubjectActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// NULL permissions means the key carries the full role.
	if permsJSON != nil {
		if key.Permissions, err = models.ParsePermissions(permsJSON); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// GetAPIKeyByHash retrieves an API key and its owner by key hash (for authentication).
// Returns (nil, nil) when no key has that hash.
func (r *APIKeyRepository) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	return scanAPIKey(r.db.QueryRowContext(ctx, apiKeySelect+`WHERE k.key_hash = $1`, keyHash))
}

// GetAPIKeyByID retrieves an API key and its owner by ID, or (nil, nil).
func (r *APIKeyRepository) GetAPIKeyByID(ctx context.Context, keyID string) (*models.APIKey, error) {
	return scanAPIKey(r.db.QueryRowContext(ctx, apiKeySelect+`WHERE k.id = $1`, keyID))
}

// CreateAPIKey stores a new key. Only the hash and display prefix of the secret are persisted.
func (r *APIKeyRepository) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	key.ID = uuid.New().String()
	key.CreatedAt = time.Now()
	key.IsActive = true

	var permsJSON []byte
	if key.Permissions != nil {
		var err error
		if permsJSON, err = json.Marshal(key.Permissions); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, permissions, expires_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.SubjectID,
		key.Name,
		key.KeyHash,
		key.KeyPrefix,
		permsJSON,
		key.ExpiresAt,
		key.IsActive,
		key.CreatedAt,
	)
	return err
}

// UpdateLastUsed records that the key authenticated a request.
func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, keyID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now(), keyID)
	return err
}

// RevokeAPIKey deactivates a key and reports whether it existed. Revoked keys stay in the table
// so audit events keep resolving.
func (r *APIKeyRepository) RevokeAPIKey(ctx context.Context, keyID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET is_active = FALSE WHERE id = $1`, keyID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
