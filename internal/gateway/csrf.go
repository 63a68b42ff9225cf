package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
)

const (
	// CSRFHeader carries the token in both directions.
	CSRFHeader = "X-CSRF-Token"
	// CSRFTokenKey is the gin.Context key holding the token issued for a safe request.
	CSRFTokenKey = "csrf_token"
)

// CSRFStage issues a per-session token on safe requests and requires it back on unsafe ones.
// Anonymous requests carry no session and are not checked.
type CSRFStage struct {
	store         CSRFStore
	ttl           time.Duration
	exemptAPIKeys bool
}

func NewCSRFStage(store CSRFStore, ttl time.Duration, exemptAPIKeys bool) *CSRFStage {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CSRFStage{store: store, ttl: ttl, exemptAPIKeys: exemptAPIKeys}
}

func (s *CSRFStage) Name() string { return "csrf" }

func (s *CSRFStage) Run(c *gin.Context, _ Route) Decision {
	id, ok := IdentityFrom(c)
	if !ok {
		return Continue()
	}
	ctx := c.Request.Context()
	session := id.SessionKey()

	if isSafeMethod(c.Request.Method) {
		token, err := s.store.Issue(ctx, session, s.ttl)
		if err != nil {
			// A missing token only hurts the next unsafe request; serve this one.
			slog.Warn("csrf token issue failed", "subject_id", id.SubjectID, "error", err)
			return Continue()
		}
		c.Header(CSRFHeader, token)
		c.Set(CSRFTokenKey, token)
		return Continue()
	}

	if s.exemptAPIKeys && id.Method == auth.MethodAPIKey {
		return Continue()
	}

	presented := c.GetHeader(CSRFHeader)
	if presented == "" {
		return Reject(csrfRejection("missing"))
	}
	valid, err := s.store.Validate(ctx, session, presented)
	if err != nil {
		slog.Error("csrf token validation failed", "subject_id", id.SubjectID, "error", err)
		return Reject(internalFailure(http.StatusForbidden, models.EventCSRFRejected, err))
	}
	if !valid {
		return Reject(csrfRejection("mismatch_or_expired"))
	}
	return Continue()
}

func csrfRejection(detail string) Rejection {
	return Rejection{
		Reason:   ReasonInvalidCSRFToken,
		Status:   http.StatusForbidden,
		Message:  "invalid csrf token",
		Event:    models.EventCSRFRejected,
		Metadata: map[string]interface{}{"detail": detail},
	}
}
