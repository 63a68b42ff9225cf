package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/safego"
)

// CSRFStore holds one token per session.
type CSRFStore interface {
	// Issue returns the live token for session, minting one with the given TTL when there is none.
	Issue(ctx context.Context, session string, ttl time.Duration) (string, error)
	// Validate reports whether token is the live token for session.
	Validate(ctx context.Context, session, token string) (bool, error)
}

func newCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type csrfEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryCSRFStore keeps tokens in process memory. Expired tokens are swept periodically.
type MemoryCSRFStore struct {
	tokens sync.Map // session -> csrfEntry
	mu     sync.Mutex
	now    func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryCSRFStore starts a store sweeping expired tokens every cleanupInterval.
func NewMemoryCSRFStore(cleanupInterval time.Duration) *MemoryCSRFStore {
	s := newMemoryCSRFStore(time.Now)
	if cleanupInterval > 0 {
		safego.GoNamed("csrf-cleanup", func() { s.cleanupLoop(cleanupInterval) })
	}
	return s
}

func newMemoryCSRFStore(now func() time.Time) *MemoryCSRFStore {
	return &MemoryCSRFStore{now: now, stop: make(chan struct{})}
}

func (s *MemoryCSRFStore) Issue(_ context.Context, session string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.tokens.Load(session); ok {
		if e := v.(csrfEntry); s.now().Before(e.expiresAt) {
			return e.token, nil
		}
	}
	token, err := newCSRFToken()
	if err != nil {
		return "", err
	}
	s.tokens.Store(session, csrfEntry{token: token, expiresAt: s.now().Add(ttl)})
	return token, nil
}

func (s *MemoryCSRFStore) Validate(_ context.Context, session, token string) (bool, error) {
	v, ok := s.tokens.Load(session)
	if !ok {
		return false, nil
	}
	e := v.(csrfEntry)
	if !s.now().Before(e.expiresAt) {
		return false, nil
	}
	return tokensEqual(e.token, token), nil
}

func (s *MemoryCSRFStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryCSRFStore) evictExpired() {
	now := s.now()
	s.tokens.Range(func(k, v any) bool {
		if !now.Before(v.(csrfEntry).expiresAt) {
			s.tokens.Delete(k)
		}
		return true
	})
}

// Stop ends the cleanup loop.
func (s *MemoryCSRFStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// RedisCSRFStore shares tokens between gateway nodes. Expiry is the key TTL.
type RedisCSRFStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCSRFStore(client redis.UniversalClient, prefix string) *RedisCSRFStore {
	return &RedisCSRFStore{client: client, prefix: prefix}
}

func (s *RedisCSRFStore) key(session string) string { return s.prefix + "csrf:" + session }

func (s *RedisCSRFStore) Issue(ctx context.Context, session string, ttl time.Duration) (string, error) {
	key := s.key(session)
	// Two rounds cover the token expiring between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		token, err := newCSRFToken()
		if err != nil {
			return "", err
		}
		set, err := s.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("csrf store: %w", err)
		}
		if set {
			return token, nil
		}
		existing, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("csrf store: %w", err)
		}
		return existing, nil
	}
	return "", errors.New("csrf store: token churn while issuing")
}

func (s *RedisCSRFStore) Validate(ctx context.Context, session, token string) (bool, error) {
	existing, err := s.client.Get(ctx, s.key(session)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("csrf store: %w", err)
	}
	return tokensEqual(existing, token), nil
}
