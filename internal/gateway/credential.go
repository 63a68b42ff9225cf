package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
)

// CredentialVerifier resolves the caller of a request.
type CredentialVerifier interface {
	Verify(ctx context.Context, r *http.Request) (*auth.Identity, error)
}

// CredentialStage attaches the verified Identity to the request context.
type CredentialStage struct {
	verifier CredentialVerifier
}

func NewCredentialStage(v CredentialVerifier) *CredentialStage {
	return &CredentialStage{verifier: v}
}

func (s *CredentialStage) Name() string { return "credential" }

func (s *CredentialStage) Run(c *gin.Context, route Route) Decision {
	id, err := s.verifier.Verify(c.Request.Context(), c.Request)
	if err == nil {
		setIdentity(c, id)
		return Continue()
	}
	if route.Public {
		// Public routes serve anonymous callers; a bad credential downgrades to anonymous.
		return Continue()
	}

	c.Header("WWW-Authenticate", `Bearer realm="api"`)
	if errors.Is(err, auth.ErrCredentialExpired) {
		return Reject(Rejection{
			Reason:   ReasonCredentialExpired,
			Status:   http.StatusUnauthorized,
			Message:  "credential expired",
			Event:    models.EventAuthFailed,
			Metadata: map[string]interface{}{"error": err.Error()},
		})
	}
	msg := "authentication required"
	if !errors.Is(err, auth.ErrUnauthenticated) {
		msg = "invalid credential"
	}
	return Reject(Rejection{
		Reason:   ReasonUnauthenticated,
		Status:   http.StatusUnauthorized,
		Message:  msg,
		Event:    models.EventAuthFailed,
		Metadata: map[string]interface{}{"error": err.Error()},
	})
}
