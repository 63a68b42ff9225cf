// roles.go implements role management: lookup, custom role creation, permission updates and
// role assignment within the caller's organization.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/gateway"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/rbac"
)

// RoleService is the subset of rbac.Engine the role handlers use.
type RoleService interface {
	GetRole(ctx context.Context, orgID, name string) (*models.Role, error)
	CreateRole(ctx context.Context, orgID, name, description string, perms []models.Permission) (*models.Role, error)
	UpdateRolePermissions(ctx context.Context, orgID, roleID string, perms []models.Permission) (*models.Role, error)
	AssignRole(ctx context.Context, orgID, userID, roleName string) error
}

// RoleHandlers handles role endpoints
type RoleHandlers struct {
	roles    RoleService
	recorder gateway.Recorder
}

// NewRoleHandlers creates a new RoleHandlers instance
func NewRoleHandlers(roles RoleService, recorder gateway.Recorder) *RoleHandlers {
	return &RoleHandlers{roles: roles, recorder: recorder}
}

// CreateRoleRequest is the body of POST /api/v1/roles.
type CreateRoleRequest struct {
	Name        string              `json:"name" binding:"required"`
	Description string              `json:"description"`
	Permissions []models.Permission `json:"permissions" binding:"required"`
}

// UpdatePermissionsRequest is the body of PUT /api/v1/roles/:id/permissions.
type UpdatePermissionsRequest struct {
	Permissions []models.Permission `json:"permissions" binding:"required"`
}

// AssignRoleRequest is the body of POST /api/v1/roles/assign.
type AssignRoleRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

// GetRoleHandler returns the role visible to the caller's organization under that name.
// GET /api/v1/roles/:name
func (h *RoleHandlers) GetRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := gateway.IdentityFrom(c)
		role, err := h.roles.GetRole(c.Request.Context(), id.OrganizationID, c.Param("name"))
		if err != nil {
			if errors.Is(err, rbac.ErrRoleNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Role not found"})
				return
			}
			slog.Error("failed to get role", "role", c.Param("name"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get role"})
			return
		}
		c.JSON(http.StatusOK, role)
	}
}

// CreateRoleHandler creates a custom role in the caller's organization.
// POST /api/v1/roles
func (h *RoleHandlers) CreateRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRoleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}

		id, _ := gateway.IdentityFrom(c)
		role, err := h.roles.CreateRole(c.Request.Context(), id.OrganizationID, req.Name, req.Description, req.Permissions)
		if err != nil {
			h.writeRoleError(c, "create", err)
			return
		}

		h.recordChange(c, "create", role.Name, map[string]interface{}{"role_id": role.ID})
		c.JSON(http.StatusCreated, role)
	}
}

// UpdatePermissionsHandler replaces a custom role's permission list.
// PUT /api/v1/roles/:id/permissions
func (h *RoleHandlers) UpdatePermissionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdatePermissionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}

		id, _ := gateway.IdentityFrom(c)
		role, err := h.roles.UpdateRolePermissions(c.Request.Context(), id.OrganizationID, c.Param("id"), req.Permissions)
		if err != nil {
			h.writeRoleError(c, "update", err)
			return
		}

		h.recordChange(c, "update", role.Name, map[string]interface{}{
			"role_id":     role.ID,
			"permissions": len(role.Permissions),
		})
		c.JSON(http.StatusOK, role)
	}
}

// AssignRoleHandler sets the role of a user in the caller's organization.
// POST /api/v1/roles/assign
func (h *RoleHandlers) AssignRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AssignRoleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}

		id, _ := gateway.IdentityFrom(c)
		if err := h.roles.AssignRole(c.Request.Context(), id.OrganizationID, req.UserID, req.Role); err != nil {
			if errors.Is(err, rbac.ErrUserNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
				return
			}
			h.writeRoleError(c, "assign", err)
			return
		}

		h.recordChange(c, "assign", req.Role, map[string]interface{}{"user_id": req.UserID})
		c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "role": req.Role})
	}
}

func (h *RoleHandlers) writeRoleError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, rbac.ErrRoleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Role not found"})
	case errors.Is(err, rbac.ErrSystemRole):
		c.JSON(http.StatusForbidden, gin.H{"error": "System roles cannot be modified"})
	case errors.Is(err, rbac.ErrRoleExists):
		c.JSON(http.StatusConflict, gin.H{"error": "Role already exists"})
	case errors.Is(err, rbac.ErrInvalidPermission), errors.Is(err, rbac.ErrInvalidRoleName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("role operation failed", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + op + " role"})
	}
}

func (h *RoleHandlers) recordChange(c *gin.Context, op, roleName string, metadata map[string]interface{}) {
	metadata["op"] = op
	metadata["role"] = roleName
	h.recorder.Record(newEvent(c, models.EventRoleChanged, "roles", op, metadata))
}
