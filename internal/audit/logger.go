// Package audit records security-relevant outcomes of the request gateway.
//
// Audit events are separate from application logs: they are append-only, hash chained, and
// shipped to the audit_events table plus any configured external destinations. Recording never
// blocks a request. Events go through a bounded queue drained by a single worker, so events
// from one Logger are written in the order they were recorded. When the queue is full or a
// destination fails, the event is written to slog instead and counted.
//
// The chain follows what the store accepted: an event the store rejects is not linked, and the
// next event chains onto the last stored hash. External destinations never affect the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/safego"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/telemetry"
)

// Options configures a Logger.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	// GenesisHash seeds the chain, usually the hash of the newest stored event.
	GenesisHash string
}

// Logger is an asynchronous, ordered audit writer.
type Logger struct {
	store        Shipper
	external     []Shipper
	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	queue  chan *models.AuditEvent
	closed bool
	done   chan struct{}

	// Owned by the worker goroutine.
	prevHash string
}

// NewLogger starts a logger writing to store, the chain of record, and then to each external
// shipper. store may be nil, in which case every hashed event extends the chain.
func NewLogger(opts Options, store Shipper, external ...Shipper) *Logger {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	l := &Logger{
		store:        store,
		external:     external,
		writeTimeout: opts.WriteTimeout,
		now:          time.Now,
		queue:        make(chan *models.AuditEvent, opts.QueueSize),
		done:         make(chan struct{}),
		prevHash:     opts.GenesisHash,
	}
	safego.GoNamed("audit-worker", l.run)
	return l
}

// Record queues ev for writing and returns immediately. ID and Timestamp are filled in when
// empty. Recording after Close, or into a full queue, drops the event to slog.
func (l *Logger) Record(ev *models.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	// Postgres stores microseconds and rejects invalid UTF-8 in text columns; normalising here
	// keeps stored events verifiable.
	ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Microsecond)
	ev.IP = validUTF8(ev.IP)
	ev.UserAgent = validUTF8(ev.UserAgent)
	for _, p := range []*string{ev.SubjectID, ev.OrganizationID, ev.Resource, ev.Action} {
		if p != nil {
			*p = validUTF8(*p)
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		fallback("audit logger closed", ev, nil)
		telemetry.AuditEventsTotal.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case l.queue <- ev:
	default:
		fallback("audit queue full", ev, nil)
		telemetry.AuditEventsTotal.WithLabelValues("dropped").Inc()
	}
}

// Close stops accepting events and waits until queued events are written or ctx ends.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-ctx.Done():
		return fmt.Errorf("audit drain interrupted: %w", ctx.Err())
	}

	for _, s := range l.shippers() {
		if err := s.Close(); err != nil {
			slog.Warn("audit shipper close failed", "error", err)
		}
	}
	return nil
}

func (l *Logger) shippers() []Shipper {
	if l.store == nil {
		return l.external
	}
	return append([]Shipper{l.store}, l.external...)
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.queue {
		ev.PrevHash = l.prevHash
		ev.Hash = HashEvent(ev)

		failed := false
		if l.store != nil {
			if err := l.shipTo(l.store, ev); err != nil {
				failed = true
				fallback("audit store write failed, event left out of chain", ev, err)
			}
		}
		if !failed {
			l.prevHash = ev.Hash
		}
		for _, s := range l.external {
			if err := l.shipTo(s, ev); err != nil {
				failed = true
				fallback("audit shipper failed", ev, err)
			}
		}
		l.count(failed)
	}
}

func (l *Logger) shipTo(s Shipper, ev *models.AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()
	return s.Ship(ctx, ev)
}

func (l *Logger) count(failed bool) {
	if failed {
		telemetry.AuditEventsTotal.WithLabelValues("failed").Inc()
		return
	}
	telemetry.AuditEventsTotal.WithLabelValues("written").Inc()
}

// fallback writes an event that could not be delivered to the application log.
func fallback(msg string, ev *models.AuditEvent, err error) {
	attrs := []any{
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"subject_id", deref(ev.SubjectID),
		"resource", deref(ev.Resource),
		"action", deref(ev.Action),
		"ip", ev.IP,
		"timestamp", ev.Timestamp,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	slog.Error(msg, attrs...)
}

func validUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// hashedFields is the canonical form covered by an event's hash.
type hashedFields struct {
	PrevHash       string                 `json:"prev_hash"`
	ID             string                 `json:"id"`
	EventType      string                 `json:"event_type"`
	SubjectID      *string                `json:"subject_id"`
	OrganizationID *string                `json:"organization_id"`
	Resource       *string                `json:"resource"`
	Action         *string                `json:"action"`
	IP             string                 `json:"ip"`
	UserAgent      string                 `json:"user_agent"`
	Metadata       map[string]interface{} `json:"metadata"`
	Timestamp      string                 `json:"timestamp"`
}

// HashEvent returns the hex SHA-256 of ev's canonical form, including ev.PrevHash.
func HashEvent(ev *models.AuditEvent) string {
	data, err := json.Marshal(hashedFields{
		PrevHash:       ev.PrevHash,
		ID:             ev.ID,
		EventType:      ev.EventType,
		SubjectID:      ev.SubjectID,
		OrganizationID: ev.OrganizationID,
		Resource:       ev.Resource,
		Action:         ev.Action,
		IP:             ev.IP,
		UserAgent:      ev.UserAgent,
		Metadata:       ev.Metadata,
		Timestamp:      ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		// Metadata that cannot be encoded still gets a hash over the remaining fields.
		data = []byte(fmt.Sprintf("%s|%s|%s|%s", ev.PrevHash, ev.ID, ev.EventType, ev.Timestamp.UTC().Format(time.RFC3339Nano)))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks events in chain order (oldest first). It returns the index of the first
// event whose hash or link is wrong, or -1 when the chain is intact.
func VerifyChain(events []*models.AuditEvent) int {
	for i, ev := range events {
		if i > 0 && ev.PrevHash != events[i-1].Hash {
			return i
		}
		if HashEvent(ev) != ev.Hash {
			return i
		}
	}
	return -1
}
