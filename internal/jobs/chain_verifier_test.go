package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/audit"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type memChain struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	err    error
	calls  int
}

func (m *memChain) ListChain(_ context.Context, offset, limit int) ([]*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if offset >= len(m.events) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.events) {
		end = len(m.events)
	}
	return m.events[offset:end], nil
}

func (m *memChain) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func linkedEvents(n int) []*models.AuditEvent {
	events := make([]*models.AuditEvent, n)
	prev := ""
	for i := range events {
		ev := &models.AuditEvent{
			ID:        string(rune('a' + i)),
			EventType: models.EventRequest,
			Timestamp: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
			PrevHash:  prev,
		}
		ev.Hash = audit.HashEvent(ev)
		prev = ev.Hash
		events[i] = ev
	}
	return events
}

func gaugeValue(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, telemetry.AuditChainValid.Write(&m))
	return m.GetGauge().GetValue()
}

// ---------------------------------------------------------------------------
// NewChainVerifier
// ---------------------------------------------------------------------------

func TestNewChainVerifier_DefaultInterval(t *testing.T) {
	for _, in := range []time.Duration{0, -time.Minute} {
		v := NewChainVerifier(&memChain{}, in)
		assert.Equal(t, time.Hour, v.interval)
	}
	assert.Equal(t, 5*time.Minute, NewChainVerifier(&memChain{}, 5*time.Minute).interval)
}

// ---------------------------------------------------------------------------
// RunOnce
// ---------------------------------------------------------------------------

func TestRunOnce_IntactChain(t *testing.T) {
	v := NewChainVerifier(&memChain{events: linkedEvents(4)}, time.Hour)

	_, ok := v.LastReport()
	assert.False(t, ok)

	v.RunOnce(context.Background())

	report, ok := v.LastReport()
	require.True(t, ok)
	assert.True(t, report.Valid)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, float64(1), gaugeValue(t))
}

func TestRunOnce_TamperedChain(t *testing.T) {
	events := linkedEvents(4)
	events[2].IP = "203.0.113.7"
	v := NewChainVerifier(&memChain{events: events}, time.Hour)

	v.RunOnce(context.Background())

	report, ok := v.LastReport()
	require.True(t, ok)
	assert.False(t, report.Valid)
	assert.Equal(t, "c", report.BrokenAt)
	assert.Equal(t, float64(0), gaugeValue(t))
}

func TestRunOnce_ReadErrorKeepsPreviousReport(t *testing.T) {
	store := &memChain{events: linkedEvents(2)}
	v := NewChainVerifier(store, time.Hour)
	v.RunOnce(context.Background())

	store.mu.Lock()
	store.err = errors.New("connection reset")
	store.mu.Unlock()
	v.RunOnce(context.Background())

	report, ok := v.LastReport()
	require.True(t, ok)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Checked)
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestStart_RunsImmediatelyAndStops(t *testing.T) {
	store := &memChain{events: linkedEvents(1)}
	v := NewChainVerifier(store, time.Hour)

	done := make(chan struct{})
	go func() {
		v.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return store.callCount() > 0 }, time.Second, 5*time.Millisecond)
	v.Stop()
	v.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestStart_ExitsOnContextCancel(t *testing.T) {
	v := NewChainVerifier(&memChain{}, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		v.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancel")
	}
}
