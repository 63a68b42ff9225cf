// Package jobs holds background tasks that run beside the HTTP server.
//
// chain_verifier.go implements the ChainVerifier job, which periodically walks the stored audit
// hash chain from its genesis and reports whether it is intact. A break means an event was edited,
// removed, or inserted out of order after it was written. Results are logged and exported as the
// audit_chain_valid gauge so alerting does not depend on anyone calling the verify endpoint.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/audit"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/telemetry"
)

const verifyPageSize = 500

// ChainVerifier re-verifies the stored audit chain on a fixed interval.
type ChainVerifier struct {
	reader   audit.ChainReader
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	last *audit.ChainReport
}

// NewChainVerifier creates a ChainVerifier. A non-positive interval defaults to one hour.
func NewChainVerifier(reader audit.ChainReader, interval time.Duration) *ChainVerifier {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ChainVerifier{
		reader:   reader,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start runs a check immediately, then repeats on the interval until ctx is cancelled or Stop is
// called. It blocks; callers run it in its own goroutine.
func (v *ChainVerifier) Start(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	slog.Info("audit chain verifier started", "interval", v.interval)
	v.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			v.RunOnce(ctx)
		case <-v.stopChan:
			slog.Info("audit chain verifier stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (v *ChainVerifier) Stop() {
	v.stopOnce.Do(func() { close(v.stopChan) })
}

// RunOnce verifies the chain a single time. A read error leaves the previous result in place.
func (v *ChainVerifier) RunOnce(ctx context.Context) {
	start := time.Now()
	report, err := audit.VerifyStored(ctx, v.reader, verifyPageSize)
	if err != nil {
		slog.Error("audit chain verification failed", "error", err)
		return
	}

	v.mu.Lock()
	v.last = &report
	v.mu.Unlock()

	telemetry.AuditChainVerifiedEvents.Set(float64(report.Checked))
	if report.Valid {
		telemetry.AuditChainValid.Set(1)
		slog.Info("audit chain intact", "events", report.Checked, "duration", time.Since(start))
		return
	}
	telemetry.AuditChainValid.Set(0)
	slog.Error("audit chain broken", "event_id", report.BrokenAt, "checked", report.Checked)
}

// LastReport returns the most recent successful verification, if any.
func (v *ChainVerifier) LastReport() (audit.ChainReport, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.last == nil {
		return audit.ChainReport{}, false
	}
	return *v.last, true
}
