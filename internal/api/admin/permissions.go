package admin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/gateway"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/rbac"
)

// PermissionChecker is the subset of rbac.Engine the check endpoint uses.
type PermissionChecker interface {
	Evaluate(ctx context.Context, id *auth.Identity, resource, action, ownerID string) (rbac.Decision, error)
	HasAnyPermission(ctx context.Context, id *auth.Identity, checks ...rbac.Check) bool
	HasAllPermissions(ctx context.Context, id *auth.Identity, checks ...rbac.Check) bool
}

// Check modes.
const (
	ModeSingle = "single"
	ModeAny    = "any"
	ModeAll    = "all"
)

// PermissionCheck is one triple of a check request.
type PermissionCheck struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	OwnerID  string `json:"owner_id"`
}

// CheckRequest is the body of POST /api/v1/permissions/check. A single check may be given inline
// instead of in Checks.
type CheckRequest struct {
	PermissionCheck
	Mode   string            `json:"mode"`
	Checks []PermissionCheck `json:"checks"`
}

// CheckResponse reports the outcome for the caller.
type CheckResponse struct {
	Allowed bool   `json:"allowed"`
	Mode    string `json:"mode"`
	Role    string `json:"role"`
	Matched string `json:"matched,omitempty"`
}

// CheckPermissionHandler evaluates checks against the caller's own role.
// POST /api/v1/permissions/check
func CheckPermissionHandler(checker PermissionChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CheckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		checks := req.Checks
		if len(checks) == 0 && req.Resource != "" {
			checks = []PermissionCheck{req.PermissionCheck}
		}
		if req.Mode == "" {
			req.Mode = ModeSingle
		}

		id, _ := gateway.IdentityFrom(c)
		resp := CheckResponse{Mode: req.Mode, Role: id.Role}
		ctx := c.Request.Context()

		switch req.Mode {
		case ModeSingle:
			if len(checks) != 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "single mode takes exactly one check"})
				return
			}
			ch := checks[0]
			d, err := checker.Evaluate(ctx, id, ch.Resource, ch.Action, ch.OwnerID)
			if err != nil {
				slog.Error("permission check failed closed", "subject_id", id.SubjectID, "error", err)
			}
			resp.Allowed = err == nil && d.Allowed
			if resp.Allowed && d.Matched != nil {
				resp.Matched = d.Matched.String()
			}
		case ModeAny:
			resp.Allowed = checker.HasAnyPermission(ctx, id, toChecks(checks)...)
		case ModeAll:
			resp.Allowed = checker.HasAllPermissions(ctx, id, toChecks(checks)...)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be single, any or all"})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func toChecks(in []PermissionCheck) []rbac.Check {
	out := make([]rbac.Check, len(in))
	for i, ch := range in {
		out[i] = rbac.Check{Resource: ch.Resource, Action: ch.Action, OwnerID: ch.OwnerID}
	}
	return out
}
