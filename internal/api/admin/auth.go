// Package admin implements the HTTP handlers behind the gateway's /api/v1 routes. Every handler
// here runs after the gateway has verified the caller and checked the route's permission.
// Handlers read the identity with gateway.IdentityFrom and scope every query to the caller's
// organization.
package admin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/gateway"
)

// IdentityResponse is the public view of a resolved caller.
type IdentityResponse struct {
	SubjectID      string              `json:"subject_id"`
	Role           string              `json:"role"`
	OrganizationID string              `json:"organization_id"`
	Method         auth.Method         `json:"auth_method"`
	KeyID          string              `json:"key_id,omitempty"`
	KeyPermissions []models.Permission `json:"key_permissions,omitempty"`
	Email          string              `json:"email,omitempty"`
	Name           string              `json:"name,omitempty"`
}

// UserLookup loads the directory entry behind a subject.
type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// MeHandler returns the caller's resolved identity, enriched with the directory profile when
// users is non-nil and the subject exists. A failed lookup still returns the identity.
// GET /api/v1/auth/me
func MeHandler(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := gateway.IdentityFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		resp := IdentityResponse{
			SubjectID:      id.SubjectID,
			Role:           id.Role,
			OrganizationID: id.OrganizationID,
			Method:         id.Method,
			KeyID:          id.KeyID,
			KeyPermissions: id.KeyPermissions,
		}
		if users != nil {
			user, err := users.GetUserByID(c.Request.Context(), id.SubjectID)
			switch {
			case err != nil:
				slog.Warn("failed to load user profile", "subject_id", id.SubjectID, "error", err)
			case user != nil && user.OrganizationID == id.OrganizationID:
				resp.Email = user.Email
				resp.Name = user.Name
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// CSRFTokenHandler returns the token the CSRF stage issued for this session. The token is also
// in the X-CSRF-Token response header.
// GET /api/v1/csrf-token
func CSRFTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetString(gateway.CSRFTokenKey)
		if token == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "CSRF protection is not enabled"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"csrf_token": token})
	}
}
