package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
)

const testSecret = "test-jwt-secret-that-is-32-chars-!"

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fakeKeyStore struct {
	mu       sync.Mutex
	keys     map[string]*models.APIKey // by hash
	err      error
	delay    time.Duration
	lastUsed chan string
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: map[string]*models.APIKey{}, lastUsed: make(chan string, 8)}
}

func (s *fakeKeyStore) add(raw string, rec *models.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.KeyHash = HashAPIKey(raw)
	s.keys[rec.KeyHash] = rec
}

func (s *fakeKeyStore) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[hash], nil
}

func (s *fakeKeyStore) UpdateLastUsed(_ context.Context, id string) error {
	s.lastUsed <- id
	return nil
}

func activeKey(id string) *models.APIKey {
	return &models.APIKey{
		ID:             id,
		SubjectID:      "user-1",
		Role:           models.RoleDeveloper,
		OrganizationID: "org-1",
		IsActive:       true,
		SubjectActive:  true,
	}
}

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

const testOrg = "6f1c2d3e-4a5b-4c6d-8e7f-9a0b1c2d3e4f"

func validClaims() Claims {
	return Claims{
		Role:           models.RoleAnalyst,
		OrganizationID: testOrg,
		SessionID:      "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-9",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func newTestVerifier(store APIKeyStore) *Verifier {
	return NewVerifier("X-API-Key",
		NewAPIKeyVerifier(store, 200*time.Millisecond),
		NewBearerVerifier(testSecret, "", ""))
}

// ---------------------------------------------------------------------------
// GenerateAPIKey / HashAPIKey
// ---------------------------------------------------------------------------

func TestGenerateAPIKey(t *testing.T) {
	key, hash, prefix, err := GenerateAPIKey("wfk")
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}
	if !strings.HasPrefix(key, "wfk_") {
		t.Errorf("key = %q, want prefix wfk_", key)
	}
	if hash != HashAPIKey(key) {
		t.Error("returned hash does not match HashAPIKey(key)")
	}
	if len(hash) != 64 {
		t.Errorf("len(hash) = %d, want 64 hex chars", len(hash))
	}
	if !strings.HasPrefix(key, prefix) || len(prefix) > DisplayPrefixLength {
		t.Errorf("display prefix %q invalid for key %q", prefix, key)
	}

	key2, _, _, _ := GenerateAPIKey("wfk")
	if key == key2 {
		t.Error("GenerateAPIKey() produced identical keys on consecutive calls")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", false},
		{"bearer   tok  ", "tok", false},
		{"Basic dXNlcjpwYXNz", "", true},
		{"Bearer ", "", true},
		{"Bearer", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractBearerToken(tt.header)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractBearerToken(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Verifier: scheme selection
// ---------------------------------------------------------------------------

func TestVerify_NoCredential(t *testing.T) {
	v := newTestVerifier(newFakeKeyStore())
	_, err := v.Verify(context.Background(), httptest.NewRequest("GET", "/", nil))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("error = %v, want ErrUnauthenticated", err)
	}
}

func TestVerify_APIKeyTakesPrecedenceOverBearer(t *testing.T) {
	store := newFakeKeyStore()
	store.add("wfk_valid", activeKey("key-1"))
	v := newTestVerifier(store)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-API-Key", "wfk_valid")
	r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.SigningMethodHS256, validClaims()))

	id, err := v.Verify(context.Background(), r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Method != MethodAPIKey || id.SubjectID != "user-1" || id.KeyID != "key-1" {
		t.Errorf("identity = %+v, want api key identity for user-1", id)
	}
}

func TestVerify_NonBearerAuthorization(t *testing.T) {
	v := newTestVerifier(newFakeKeyStore())
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := v.Verify(context.Background(), r); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("error = %v, want ErrInvalidCredential", err)
	}
}

// ---------------------------------------------------------------------------
// API key path
// ---------------------------------------------------------------------------

func TestAPIKeyVerify_Success_BumpsLastUsed(t *testing.T) {
	store := newFakeKeyStore()
	rec := activeKey("key-1")
	rec.Permissions = []models.Permission{{Resource: "workflows", Action: "read"}}
	store.add("wfk_ok", rec)

	id, err := NewAPIKeyVerifier(store, time.Second).Verify(context.Background(), "wfk_ok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Role != models.RoleDeveloper || id.OrganizationID != "org-1" {
		t.Errorf("identity = %+v", id)
	}
	if len(id.KeyPermissions) != 1 {
		t.Errorf("len(KeyPermissions) = %d, want 1", len(id.KeyPermissions))
	}

	select {
	case got := <-store.lastUsed:
		if got != "key-1" {
			t.Errorf("last used bumped for %q, want key-1", got)
		}
	case <-time.After(2 * time.Second):
		t.Error("last_used_at was not bumped")
	}
}

func TestAPIKeyVerify_Failures(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name  string
		setup func(*fakeKeyStore)
		want  error
	}{
		{"unknown key", func(*fakeKeyStore) {}, ErrInvalidCredential},
		{"inactive key", func(s *fakeKeyStore) {
			k := activeKey("k")
			k.IsActive = false
			s.add("wfk_x", k)
		}, ErrInvalidCredential},
		{"inactive owner", func(s *fakeKeyStore) {
			k := activeKey("k")
			k.SubjectActive = false
			s.add("wfk_x", k)
		}, ErrInvalidCredential},
		{"expired but active", func(s *fakeKeyStore) {
			k := activeKey("k")
			k.ExpiresAt = &past
			s.add("wfk_x", k)
		}, ErrCredentialExpired},
		{"store error fails closed", func(s *fakeKeyStore) {
			s.err = errors.New("connection refused")
		}, ErrInvalidCredential},
		{"lookup timeout fails closed", func(s *fakeKeyStore) {
			s.add("wfk_x", activeKey("k"))
			s.delay = time.Second
		}, ErrInvalidCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeKeyStore()
			tt.setup(store)
			_, err := NewAPIKeyVerifier(store, 50*time.Millisecond).Verify(context.Background(), "wfk_x")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Bearer path
// ---------------------------------------------------------------------------

func TestBearerVerify_Valid(t *testing.T) {
	id, err := NewBearerVerifier(testSecret, "", "").Verify(signToken(t, testSecret, jwt.SigningMethodHS256, validClaims()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Identity{SubjectID: "user-9", Role: models.RoleAnalyst, OrganizationID: testOrg, SessionID: "sess-1", Method: MethodBearer}
	if id.SubjectID != want.SubjectID || id.Role != want.Role || id.OrganizationID != want.OrganizationID ||
		id.SessionID != want.SessionID || id.Method != want.Method {
		t.Errorf("identity = %+v, want %+v", id, want)
	}
	if id.SessionKey() != "sess-1" {
		t.Errorf("SessionKey() = %q, want sess-1", id.SessionKey())
	}
}

func TestBearerVerify_Failures(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExp := validClaims()
	noExp.ExpiresAt = nil

	noSub := validClaims()
	noSub.Subject = ""

	badOrg := validClaims()
	badOrg.OrganizationID = "org-9"

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", signToken(t, testSecret, jwt.SigningMethodHS256, expired), ErrCredentialExpired},
		{"bad signature", signToken(t, "another-secret-another-secret-1234", jwt.SigningMethodHS256, validClaims()), ErrInvalidCredential},
		{"wrong algorithm", signToken(t, testSecret, jwt.SigningMethodHS512, validClaims()), ErrInvalidCredential},
		{"missing exp", signToken(t, testSecret, jwt.SigningMethodHS256, noExp), ErrInvalidCredential},
		{"missing subject", signToken(t, testSecret, jwt.SigningMethodHS256, noSub), ErrInvalidCredential},
		{"org_id not a uuid", signToken(t, testSecret, jwt.SigningMethodHS256, badOrg), ErrInvalidCredential},
		{"malformed", "not-a-jwt", ErrInvalidCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBearerVerifier(testSecret, "", "").Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBearerVerify_WithoutOrganization(t *testing.T) {
	claims := validClaims()
	claims.OrganizationID = ""
	id, err := NewBearerVerifier(testSecret, "", "").Verify(signToken(t, testSecret, jwt.SigningMethodHS256, claims))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.OrganizationID != "" {
		t.Errorf("OrganizationID = %q, want empty", id.OrganizationID)
	}
}

func TestBearerVerify_IssuerAndAudience(t *testing.T) {
	claims := validClaims()
	claims.Issuer = "https://idp.example.com"
	claims.Audience = jwt.ClaimStrings{"workflow-api"}
	token := signToken(t, testSecret, jwt.SigningMethodHS256, claims)

	if _, err := NewBearerVerifier(testSecret, "https://idp.example.com", "workflow-api").Verify(token); err != nil {
		t.Errorf("matching issuer/audience rejected: %v", err)
	}
	if _, err := NewBearerVerifier(testSecret, "https://other.example.com", "").Verify(token); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("wrong issuer error = %v, want ErrInvalidCredential", err)
	}
	if _, err := NewBearerVerifier(testSecret, "", "billing-api").Verify(token); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("wrong audience error = %v, want ErrInvalidCredential", err)
	}
}

// ---------------------------------------------------------------------------
// ResolveJWTSecret / Identity helpers
// ---------------------------------------------------------------------------

func TestResolveJWTSecret(t *testing.T) {
	if got, err := ResolveJWTSecret(testSecret, false); err != nil || got != testSecret {
		t.Errorf("configured secret: got %q, %v", got, err)
	}
	if _, err := ResolveJWTSecret("", false); err == nil {
		t.Error("expected error without secret in production")
	}
	got, err := ResolveJWTSecret("", true)
	if err != nil || len(got) != 64 {
		t.Errorf("dev secret = %q, %v; want 64 hex chars", got, err)
	}
}

func TestIdentityContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext on empty context reported ok")
	}
	id := &Identity{SubjectID: "user-1"}
	got, ok := FromContext(WithIdentity(context.Background(), id))
	if !ok || got != id {
		t.Error("FromContext did not return the stored identity")
	}
	if id.SessionKey() != "user-1" {
		t.Errorf("SessionKey() = %q, want subject fallback", id.SessionKey())
	}
}
