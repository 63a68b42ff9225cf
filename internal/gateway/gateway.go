// Package gateway runs every inbound API request through an ordered list of stages before it
// reaches a handler: transport checks, input sanitization, credential verification, rate
// limiting, CSRF validation and permission checks. Each stage either lets the request continue
// or rejects it with a Reason that maps to one HTTP status. Rejections and state-changing requests
// that reach a handler are recorded to the audit log.
package gateway

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/middleware"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/telemetry"
)

// Reason classifies a rejection.
type Reason string

const (
	ReasonUnauthenticated        Reason = "unauthenticated"
	ReasonCredentialExpired      Reason = "credential_expired"
	ReasonPermissionDenied       Reason = "permission_denied"
	ReasonRateLimitExceeded      Reason = "rate_limit_exceeded"
	ReasonInvalidCSRFToken       Reason = "invalid_csrf_token"
	ReasonPayloadTooLarge        Reason = "payload_too_large"
	ReasonUnsupportedContentType Reason = "unsupported_content_type"
	ReasonMalformedRequest       Reason = "malformed_request"
	// ReasonInternalFailure is a store failure on the auth path. Callers only ever see the
	// deny it was folded into.
	ReasonInternalFailure Reason = "internal_failure"
)

// Rejection describes why a stage stopped a request.
type Rejection struct {
	Reason  Reason
	Status  int
	Message string
	// RetryAfter is sent as a Retry-After header when positive.
	RetryAfter time.Duration
	// Event is the audit event type recorded for this rejection; empty records nothing.
	Event    string
	Metadata map[string]interface{}
}

// publicReason is the reason reported in the response body.
func (r *Rejection) publicReason() Reason {
	if r.Reason != ReasonInternalFailure {
		return r.Reason
	}
	if r.Status == http.StatusUnauthorized {
		return ReasonUnauthenticated
	}
	return ReasonPermissionDenied
}

// Decision is a stage outcome: continue, or reject.
type Decision struct {
	rejection *Rejection
}

// Continue lets the request proceed to the next stage.
func Continue() Decision { return Decision{} }

// Reject stops the request.
func Reject(r Rejection) Decision { return Decision{rejection: &r} }

// Rejection returns the rejection, or nil when the decision is Continue.
func (d Decision) Rejection() *Rejection { return d.rejection }

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Run(c *gin.Context, route Route) Decision
}

// OwnerResolver returns the owner of the resource a request targets. An unknown resource
// resolves to "" so ownership-gated permissions deny it.
type OwnerResolver func(c *gin.Context, id *auth.Identity) (string, error)

// Route holds per-route gateway options.
type Route struct {
	// Resource and Action name the permission required; an empty Resource only requires a
	// verified credential.
	Resource string
	Action   string
	Owner    OwnerResolver
	// Public routes accept anonymous callers; a presented credential is still verified.
	Public bool
	// Class selects the rate-limit budget; empty means "default".
	Class string
}

// Recorder accepts audit events without blocking.
type Recorder interface {
	Record(ev *models.AuditEvent)
}

type nopRecorder struct{}

func (nopRecorder) Record(*models.AuditEvent) {}

// Discard is a Recorder that drops every event.
var Discard Recorder = nopRecorder{}

// Gateway is an ordered stage list.
type Gateway struct {
	stages   []Stage
	audit    Recorder
	logReads bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRecorder sends rejections and handled requests to r.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.audit = r
		}
	}
}

// WithReadAuditing also records handled GET and HEAD requests.
func WithReadAuditing(enabled bool) Option {
	return func(g *Gateway) { g.logReads = enabled }
}

// New builds a gateway running stages in order.
func New(stages []Stage, opts ...Option) *Gateway {
	g := &Gateway{stages: stages, audit: nopRecorder{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle returns the gin handler guarding a route. Register it before the route's handler.
func (g *Gateway) Handle(route Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		for _, stage := range g.stages {
			if err := c.Request.Context().Err(); err != nil {
				// Client went away; there is nobody to answer.
				slog.Debug("request cancelled in gateway", "stage", stage.Name(), "path", c.Request.URL.Path, "error", err)
				c.Abort()
				return
			}
			if r := stage.Run(c, route).Rejection(); r != nil {
				g.reject(c, stage.Name(), route, r)
				return
			}
		}

		c.Next()

		if isStateChanging(c.Request.Method) || g.logReads {
			g.recordHandled(c, route, time.Since(start))
		}
	}
}

func (g *Gateway) reject(c *gin.Context, stage string, route Route, r *Rejection) {
	telemetry.GatewayRejectionsTotal.WithLabelValues(string(r.Reason)).Inc()
	if r.Reason == ReasonInternalFailure {
		slog.Error("gateway failed closed",
			"stage", stage, "path", c.Request.URL.Path,
			"request_id", c.GetString(middleware.RequestIDKey), "error", r.Metadata["error"])
	}

	if r.RetryAfter > 0 {
		secs := int(math.Ceil(r.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}

	if r.Event != "" {
		ev := g.baseEvent(c, route, r.Event)
		for k, v := range r.Metadata {
			ev.Metadata[k] = v
		}
		ev.Metadata["reason"] = string(r.Reason)
		ev.Metadata["stage"] = stage
		g.audit.Record(ev)
	}

	msg := r.Message
	if msg == "" {
		msg = http.StatusText(r.Status)
	}
	c.AbortWithStatusJSON(r.Status, gin.H{"error": msg, "reason": r.publicReason()})
}

func (g *Gateway) recordHandled(c *gin.Context, route Route, latency time.Duration) {
	ev := g.baseEvent(c, route, models.EventRequest)
	ev.Metadata["status"] = c.Writer.Status()
	ev.Metadata["latency_ms"] = latency.Milliseconds()
	g.audit.Record(ev)
}

func (g *Gateway) baseEvent(c *gin.Context, route Route, eventType string) *models.AuditEvent {
	ev := &models.AuditEvent{
		EventType: eventType,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Metadata: map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		},
	}
	if full := c.FullPath(); full != "" {
		ev.Metadata["route"] = full
	}
	if rid := c.GetString(middleware.RequestIDKey); rid != "" {
		ev.Metadata["request_id"] = rid
	}
	if route.Resource != "" {
		resource, action := route.Resource, route.Action
		ev.Resource = &resource
		ev.Action = &action
	}
	if id, ok := IdentityFrom(c); ok {
		subject, org := id.SubjectID, id.OrganizationID
		ev.SubjectID = &subject
		if org != "" {
			ev.OrganizationID = &org
		}
		ev.Metadata["auth_method"] = string(id.Method)
	}
	return ev
}

// IdentityFrom returns the identity the credential stage attached to the request.
func IdentityFrom(c *gin.Context) (*auth.Identity, bool) {
	return auth.FromContext(c.Request.Context())
}

func setIdentity(c *gin.Context, id *auth.Identity) {
	c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// internalFailure folds a store error into a deny with the given status. The error stays in the
// server log; the caller gets the status text.
func internalFailure(status int, event string, err error) Rejection {
	return Rejection{
		Reason:   ReasonInternalFailure,
		Status:   status,
		Event:    event,
		Metadata: map[string]interface{}{"error": err.Error()},
	}
}
