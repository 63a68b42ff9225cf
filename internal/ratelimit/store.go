package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/safego"
)

// CounterStore keeps one live window per key.
type CounterStore interface {
	// Increment bumps the counter for key, opening a fresh window of the given size when none is
	// live, and returns the count after the bump together with the start of the live window.
	Increment(ctx context.Context, key string, window time.Duration) (count int, windowStart time.Time, err error)
}

type memoryWindow struct {
	start time.Time
	size  time.Duration
	count int
}

// MemoryStore is a single-node CounterStore. A window resets once strictly more than its size has
// elapsed since it opened.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a store and starts a cleanup loop that evicts dead windows every
// cleanupInterval. Call Stop to end it.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := newMemoryStore(time.Now)
	if cleanupInterval > 0 {
		safego.GoNamed("ratelimit-cleanup", func() { s.cleanupLoop(cleanupInterval) })
	}
	return s
}

func newMemoryStore(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*memoryWindow),
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) > w.size {
		w = &memoryWindow{start: now, size: window}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.start, nil
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.windows {
		if now.Sub(w.start) > w.size {
			delete(s.windows, key)
		}
	}
}

// Len returns the number of live windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}
