package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/config"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/ratelimit"
)

// Limiter is the budget check used by RateLimitStage.
type Limiter interface {
	Allow(ctx context.Context, className, key string) (ratelimit.Decision, ratelimit.Class, error)
}

// RateLimitStage counts the request against the caller's budget for the route's class.
// Authenticated callers are keyed by subject, anonymous ones by client IP.
type RateLimitStage struct {
	limiter Limiter
}

func NewRateLimitStage(l Limiter) *RateLimitStage {
	return &RateLimitStage{limiter: l}
}

func (s *RateLimitStage) Name() string { return "ratelimit" }

func (s *RateLimitStage) Run(c *gin.Context, route Route) Decision {
	key := ratelimit.IPKey(c.ClientIP())
	if id, ok := IdentityFrom(c); ok {
		key = ratelimit.SubjectKey(id.SubjectID)
	}
	className := route.Class
	if className == "" {
		className = config.ClassDefault
	}

	d, class, err := s.limiter.Allow(c.Request.Context(), className, key)
	if err != nil {
		slog.Error("rate limit check failed", "class", className, "key", key, "error", err)
		return Reject(internalFailure(http.StatusForbidden, models.EventRateLimitExceeded, err))
	}
	if d.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.Allowed {
		return Continue()
	}
	retry := d.RetryAfter
	if retry < time.Second {
		retry = time.Second
	}
	return Reject(Rejection{
		Reason:     ReasonRateLimitExceeded,
		Status:     http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		RetryAfter: retry,
		Event:      models.EventRateLimitExceeded,
		Metadata: map[string]interface{}{
			"class": class.Name,
			"key":   key,
			"count": d.Count,
			"limit": d.Limit,
		},
	})
}
