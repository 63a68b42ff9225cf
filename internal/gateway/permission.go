package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/rbac"
)

// PermissionEvaluator decides a single resource/action check.
type PermissionEvaluator interface {
	Evaluate(ctx context.Context, id *auth.Identity, resource, action, ownerID string) (rbac.Decision, error)
}

// PermissionStage enforces the route's resource/action requirement.
type PermissionStage struct {
	engine PermissionEvaluator
}

func NewPermissionStage(engine PermissionEvaluator) *PermissionStage {
	return &PermissionStage{engine: engine}
}

func (s *PermissionStage) Name() string { return "permission" }

func (s *PermissionStage) Run(c *gin.Context, route Route) Decision {
	if route.Resource == "" {
		return Continue()
	}
	id, ok := IdentityFrom(c)
	if !ok {
		return Reject(Rejection{
			Reason:  ReasonUnauthenticated,
			Status:  http.StatusUnauthorized,
			Message: "authentication required",
			Event:   models.EventAuthFailed,
		})
	}

	ownerID := ""
	if route.Owner != nil {
		var err error
		ownerID, err = route.Owner(c, id)
		if err != nil {
			slog.Error("owner lookup failed", "subject_id", id.SubjectID, "resource", route.Resource, "error", err)
			return Reject(internalFailure(http.StatusForbidden, models.EventPermissionDenied, err))
		}
	}

	d, err := s.engine.Evaluate(c.Request.Context(), id, route.Resource, route.Action, ownerID)
	if err != nil {
		slog.Error("permission lookup failed", "subject_id", id.SubjectID, "role", id.Role, "error", err)
		return Reject(internalFailure(http.StatusForbidden, models.EventPermissionDenied, err))
	}
	if !d.Allowed {
		meta := map[string]interface{}{"role": id.Role}
		if ownerID != "" {
			meta["owner_id"] = ownerID
		}
		return Reject(Rejection{
			Reason:   ReasonPermissionDenied,
			Status:   http.StatusForbidden,
			Message:  "permission denied",
			Event:    models.EventPermissionDenied,
			Metadata: meta,
		})
	}
	return Continue()
}
