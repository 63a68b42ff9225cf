// apikeys.go implements API key issuance and revocation. Keys are shown once at creation; only
// their SHA-256 hash is stored.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/gateway"
)

const apiKeyContextKey = "api_key_record"

// APIKeyStore is the subset of the API key repository the handlers use.
type APIKeyStore interface {
	GetAPIKeyByID(ctx context.Context, keyID string) (*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, keyID string) (bool, error)
}

// APIKeyHandlers handles API key management endpoints
type APIKeyHandlers struct {
	keys     APIKeyStore
	prefix   string
	recorder gateway.Recorder
}

// NewAPIKeyHandlers creates a new APIKeyHandlers instance
func NewAPIKeyHandlers(keys APIKeyStore, prefix string, recorder gateway.Recorder) *APIKeyHandlers {
	return &APIKeyHandlers{keys: keys, prefix: prefix, recorder: recorder}
}

// CreateAPIKeyRequest represents the request to create a new API key
type CreateAPIKeyRequest struct {
	Name string `json:"name" binding:"required"`
	// Permissions narrows the caller's role; omit for the full role.
	Permissions []models.Permission `json:"permissions"`
	ExpiresAt   *time.Time          `json:"expires_at"`
}

// CreateAPIKeyResponse represents the response when creating an API key
type CreateAPIKeyResponse struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Key         string              `json:"key"` // Only returned once during creation
	KeyPrefix   string              `json:"key_prefix"`
	Permissions []models.Permission `json:"permissions,omitempty"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// SelfOwner resolves the owner of a key being created: the caller.
func SelfOwner(_ *gin.Context, id *auth.Identity) (string, error) {
	return id.SubjectID, nil
}

// ResolveKeyOwner loads the key named by the :id path parameter and returns its owner. Keys of
// other organizations and unknown keys resolve to no owner, which fails any ownership gate.
func (h *APIKeyHandlers) ResolveKeyOwner(c *gin.Context, id *auth.Identity) (string, error) {
	key, err := h.keys.GetAPIKeyByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		return "", err
	}
	if key == nil || key.OrganizationID != id.OrganizationID {
		return "", nil
	}
	c.Set(apiKeyContextKey, key)
	return key.SubjectID, nil
}

// CreateAPIKeyHandler issues a key owned by the caller.
// POST /api/v1/api-keys
func (h *APIKeyHandlers) CreateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		for _, p := range req.Permissions {
			if err := p.Validate(); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be in the future"})
			return
		}

		fullKey, hash, displayPrefix, err := auth.GenerateAPIKey(h.prefix)
		if err != nil {
			slog.Error("failed to generate api key", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate API key"})
			return
		}

		id, _ := gateway.IdentityFrom(c)
		key := &models.APIKey{
			SubjectID:   id.SubjectID,
			Name:        req.Name,
			KeyHash:     hash,
			KeyPrefix:   displayPrefix,
			Permissions: req.Permissions,
			ExpiresAt:   req.ExpiresAt,
		}
		if err := h.keys.CreateAPIKey(c.Request.Context(), key); err != nil {
			slog.Error("failed to store api key", "subject_id", id.SubjectID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create API key"})
			return
		}

		c.JSON(http.StatusCreated, CreateAPIKeyResponse{
			ID:          key.ID,
			Name:        key.Name,
			Key:         fullKey,
			KeyPrefix:   key.KeyPrefix,
			Permissions: key.Permissions,
			ExpiresAt:   key.ExpiresAt,
			CreatedAt:   key.CreatedAt,
		})
	}
}

// RevokeAPIKeyHandler deactivates a key. The route's owner resolver has already loaded it.
// DELETE /api/v1/api-keys/:id
func (h *APIKeyHandlers) RevokeAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(apiKeyContextKey)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
			return
		}
		key := v.(*models.APIKey)

		found, err := h.keys.RevokeAPIKey(c.Request.Context(), key.ID)
		if err != nil {
			slog.Error("failed to revoke api key", "key_id", key.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke API key"})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
			return
		}

		h.recorder.Record(newEvent(c, models.EventAPIKeyRevoked, "api_keys", "delete", map[string]interface{}{
			"key_id":     key.ID,
			"key_prefix": key.KeyPrefix,
			"owner_id":   key.SubjectID,
		}))
		c.JSON(http.StatusOK, gin.H{"message": "API key revoked"})
	}
}
