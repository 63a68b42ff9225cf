// Package ratelimit enforces per-identity request budgets with fixed windows.
//
// A window opens on the first request for a key, counts every request while it is live, and
// resets once it has elapsed. Requests are allowed while the count stays within the limit.
// Budgets are grouped into named classes (default, auth, read, write) that routes select.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/config"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/telemetry"
)

// Class is a named budget.
type Class struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one CheckAndConsume call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	// RetryAfter is the time left in the current window; zero when allowed.
	RetryAfter time.Duration
	ResetAt    time.Time
}

// SubjectKey is the counter key for an authenticated caller.
func SubjectKey(subjectID string) string { return "subject:" + subjectID }

// IPKey is the counter key for an anonymous caller.
func IPKey(ip string) string { return "ip:" + ip }

// Limiter applies classes against a CounterStore. When the store fails the limiter counts in a
// local fallback store instead, so an outage of a shared store degrades to per-node limits.
type Limiter struct {
	store    CounterStore
	fallback CounterStore
	now      func() time.Time

	mu      sync.RWMutex
	classes map[string]Class
}

// NewLimiter creates a limiter. fallback may be nil when store never fails (MemoryStore).
func NewLimiter(store, fallback CounterStore, classes map[string]Class) *Limiter {
	l := &Limiter{store: store, fallback: fallback, now: time.Now}
	l.SetClasses(classes)
	return l
}

// SetClasses replaces the class table. Live windows keep counting under the new limits.
func (l *Limiter) SetClasses(classes map[string]Class) {
	cp := make(map[string]Class, len(classes))
	for name, c := range classes {
		c.Name = name
		cp[name] = c
	}
	l.mu.Lock()
	l.classes = cp
	l.mu.Unlock()
}

// Class returns the named class, falling back to "default".
func (l *Limiter) Class(name string) (Class, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if c, ok := l.classes[name]; ok {
		return c, true
	}
	c, ok := l.classes[config.ClassDefault]
	return c, ok
}

// CheckAndConsume counts one request against key and decides it.
func (l *Limiter) CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	count, start, err := l.store.Increment(ctx, key, window)
	if err != nil {
		if l.fallback == nil {
			return Decision{}, err
		}
		slog.Warn("rate limit store unavailable, counting locally", "key", key, "error", err)
		count, start, err = l.fallback.Increment(ctx, key, window)
		if err != nil {
			return Decision{}, err
		}
	}

	resetAt := start.Add(window)
	d := Decision{
		Allowed: count <= limit,
		Count:   count,
		Limit:   limit,
		ResetAt: resetAt,
	}
	if d.Allowed {
		d.Remaining = limit - count
	} else {
		d.RetryAfter = resetAt.Sub(l.now())
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}

// ClassKey scopes key to a class so every class counts in its own window.
func ClassKey(className, key string) string { return className + ":" + key }

// Allow is CheckAndConsume with the budget of the named class. Each class keeps its own counter
// for key. Rejections are counted per class.
func (l *Limiter) Allow(ctx context.Context, className, key string) (Decision, Class, error) {
	class, ok := l.Class(className)
	if !ok {
		// No class table at all: nothing to enforce.
		return Decision{Allowed: true}, Class{Name: className}, nil
	}
	d, err := l.CheckAndConsume(ctx, ClassKey(class.Name, key), class.Limit, class.Window)
	if err == nil && !d.Allowed {
		telemetry.RateLimitRejectionsTotal.WithLabelValues(class.Name).Inc()
	}
	return d, class, err
}

// ClassesFromConfig converts the configured class table.
func ClassesFromConfig(cfg config.RateLimitingConfig) map[string]Class {
	classes := make(map[string]Class, len(cfg.Classes))
	for name, c := range cfg.Classes {
		classes[name] = Class{Name: name, Limit: c.Limit, Window: c.Window}
	}
	return classes
}
