// Package models defines the persisted types of the authorization gateway.
// Each type corresponds to a database table; business logic belongs in the rbac, auth and audit
// packages, query logic belongs in the repositories layer.
package models

import "time"

// APIKey is a stored API key credential. The raw key is never stored, only its SHA-256 hash.
type APIKey struct {
	ID          string
	SubjectID   string       // Owning user
	Name        string       // Friendly name (e.g., "CI pipeline")
	KeyHash     string       // Hex SHA-256 of the full key, unique
	KeyPrefix   string       // First characters of the key for display
	Permissions []Permission // Optional narrowing of the owner's role; nil means no narrowing
	ExpiresAt   *time.Time
	IsActive    bool
	LastUsedAt  *time.Time
	CreatedAt   time.Time

	// Joined from the users table
	Role           string
	OrganizationID string
	SubjectActive  bool
}

// IsExpired reports whether the key has an expiry in the past relative to now.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
