package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/config"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/ratelimit"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/rbac"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeVerifier maps the Authorization header to a fixed outcome.
type fakeVerifier struct {
	identities map[string]*auth.Identity
	errs       map[string]error
}

func (v *fakeVerifier) Verify(_ context.Context, r *http.Request) (*auth.Identity, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return nil, auth.ErrUnauthenticated
	}
	if err, ok := v.errs[h]; ok {
		return nil, err
	}
	if id, ok := v.identities[h]; ok {
		cp := *id
		return &cp, nil
	}
	return nil, auth.ErrInvalidCredential
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		identities: map[string]*auth.Identity{
			"alice": {SubjectID: "u-alice", Role: models.RoleDeveloper, OrganizationID: "org-1", SessionID: "s-alice", Method: auth.MethodBearer},
			"bob":   {SubjectID: "u-bob", Role: models.RoleViewer, OrganizationID: "org-1", SessionID: "s-bob", Method: auth.MethodBearer},
			"ci":    {SubjectID: "u-alice", Role: models.RoleDeveloper, OrganizationID: "org-1", Method: auth.MethodAPIKey, KeyID: "k1"},
		},
		errs: map[string]error{"expired": auth.ErrCredentialExpired},
	}
}

// fakeEvaluator allows subject/resource/action triples it knows, honouring ownership for "own".
type fakeEvaluator struct {
	err       error
	lastOwner string
}

func (e *fakeEvaluator) Evaluate(_ context.Context, id *auth.Identity, resource, action, ownerID string) (rbac.Decision, error) {
	e.lastOwner = ownerID
	if e.err != nil {
		return rbac.Decision{}, e.err
	}
	switch {
	case id.Role == models.RoleDeveloper && resource == "workflows":
		return rbac.Decision{Allowed: true, Role: id.Role}, nil
	case resource == "api_keys" && action == models.ActionManageOwn && ownerID == id.SubjectID:
		return rbac.Decision{Allowed: true, Role: id.Role}, nil
	}
	return rbac.Decision{Role: id.Role}, nil
}

type memRecorder struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (r *memRecorder) Record(ev *models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *memRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (r *memRecorder) last() *models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type harness struct {
	router   *gin.Engine
	recorder *memRecorder
	csrf     *MemoryCSRFStore
	eval     *fakeEvaluator
	clock    time.Time
	handled  int
}

func testSecurity() config.SecurityConfig {
	return config.SecurityConfig{
		Headers:             config.HeadersConfig{Enabled: true, HSTS: true, CSP: "default-src 'none'"},
		MaxBodyBytes:        64,
		AllowedContentTypes: []string{"application/json", "application/x-www-form-urlencoded"},
		RateLimiting: config.RateLimitingConfig{
			Enabled: true,
			Classes: map[string]config.LimitClassConfig{
				config.ClassDefault: {Limit: 100, Window: time.Minute},
				config.ClassAuth:    {Limit: 2, Window: time.Minute},
			},
		},
		CSRF:         config.CSRFConfig{Enabled: true, TTL: time.Hour, ExemptAPIKeys: true},
		Sanitization: config.SanitizationConfig{Enabled: true},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{recorder: &memRecorder{}, eval: &fakeEvaluator{}, clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h.csrf = newMemoryCSRFStore(func() time.Time { return h.clock })

	sec := testSecurity()
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(0), nil, ratelimit.ClassesFromConfig(sec.RateLimiting))
	gw := New(StandardStages(sec, Dependencies{
		Verifier: newFakeVerifier(),
		Limiter:  limiter,
		CSRF:     h.csrf,
		Engine:   h.eval,
	}), WithRecorder(h.recorder))

	ok := func(c *gin.Context) {
		h.handled++
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
	echo := func(c *gin.Context) {
		h.handled++
		var body map[string]interface{}
		_ = c.ShouldBindJSON(&body)
		c.JSON(http.StatusOK, gin.H{"body": body, "query": c.Request.URL.RawQuery})
	}

	r := gin.New()
	r.GET("/health", gw.Handle(Route{Public: true}), ok)
	r.GET("/me", gw.Handle(Route{Class: config.ClassAuth}), ok)
	r.GET("/workflows", gw.Handle(Route{Resource: "workflows", Action: "read"}), ok)
	r.POST("/workflows", gw.Handle(Route{Resource: "workflows", Action: "create"}), echo)
	r.DELETE("/api-keys/:id", gw.Handle(Route{
		Resource: "api_keys",
		Action:   models.ActionManageOwn,
		Owner: func(c *gin.Context, _ *auth.Identity) (string, error) {
			switch c.Param("id") {
			case "broken":
				return "", errors.New("db down")
			case "mine":
				return "u-alice", nil
			}
			return "someone-else", nil
		},
	}), ok)
	h.router = r
	return h
}

func (h *harness) do(method, path, authz string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) csrfToken(t *testing.T, authz string) string {
	t.Helper()
	w := h.do(http.MethodGet, "/workflows", authz, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	token := w.Header().Get(CSRFHeader)
	require.NotEmpty(t, token)
	return token
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func TestTransport_SecurityHeaders(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")
}

func TestTransport_PayloadTooLarge(t *testing.T) {
	h := newHarness(t)
	token := h.csrfToken(t, "alice")
	body := `{"name":"` + strings.Repeat("x", 100) + `"}`
	w := h.do(http.MethodPost, "/workflows", "alice", body, map[string]string{CSRFHeader: token})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"payload_too_large"`)
	assert.Equal(t, models.EventPayloadRejected, h.recorder.last().EventType)
}

func TestTransport_ChunkedBodyOverLimit(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/workflows", strings.NewReader(`{"name":"`+strings.Repeat("x", 100)+`"}`))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Zero(t, h.handled)
}

func TestTransport_ChunkedMultipartOverLimit(t *testing.T) {
	sec := testSecurity()
	sec.AllowedContentTypes = append(sec.AllowedContentTypes, "multipart/form-data")
	gw := New([]Stage{NewTransportStage(sec), NewSanitizeStage()})

	reached := false
	r := gin.New()
	r.POST("/upload", gw.Handle(Route{Public: true}), func(c *gin.Context) {
		reached = true
		c.Status(http.StatusOK)
	})

	body := "--b\r\nContent-Disposition: form-data; name=\"f\"\r\n\r\n" + strings.Repeat("x", 200) + "\r\n--b--\r\n"
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(body))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "multipart/form-data; boundary=b")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"payload_too_large"`)
	assert.False(t, reached)
}

func TestTransport_ChunkedBodyWithinLimitPassesThrough(t *testing.T) {
	h := newHarness(t)
	token := h.csrfToken(t, "alice")
	req := httptest.NewRequest(http.MethodPost, "/workflows", strings.NewReader(`{"n":"x"}`))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "alice")
	req.Header.Set(CSRFHeader, token)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"n":"x"`)
}

func TestTransport_UnsupportedContentType(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/workflows", strings.NewReader("<xml/>"))
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Authorization", "alice")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"unsupported_content_type"`)
}

// ---------------------------------------------------------------------------
// Sanitize
// ---------------------------------------------------------------------------

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"<script>alert(1)</script>", "alert(1)"},
		{"javascript:alert(1)", "alert(1)"},
		{`<img src=x onerror=alert(1)>`, "img src=x alert(1)"},
		{"1 UNION SELECT password FROM users", "1  password FROM users"},
		{"x'; DROP TABLE users; --", "x  users "},
		{"a /* comment */ b", "a  comment  b"},
		{"it's \"quoted\" `tick`", "its quoted tick"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeString(tt.in))
		})
	}
}

func TestSanitizeValue_DropsOperatorKeys(t *testing.T) {
	in := map[string]interface{}{
		"name":   "<b>hi</b>",
		"$where": "1==1",
		"nested": map[string]interface{}{"$gt": "", "tags": []interface{}{"ok", "<x>"}},
	}
	out := SanitizeValue(in).(map[string]interface{})
	assert.Equal(t, "bhi/b", out["name"])
	assert.NotContains(t, out, "$where")
	nested := out["nested"].(map[string]interface{})
	assert.NotContains(t, nested, "$gt")
	assert.Equal(t, []interface{}{"ok", "x"}, nested["tags"])
}

func TestSanitizeStage_RewritesBodyAndQuery(t *testing.T) {
	h := newHarness(t)
	token := h.csrfToken(t, "alice")
	w := h.do(http.MethodPost, "/workflows?q=%3Cscript%3E", "alice", `{"n":"<i>x</i>","$ne":1}`, map[string]string{CSRFHeader: token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"n":"ix/i"`)
	assert.NotContains(t, w.Body.String(), "$ne")
	assert.NotContains(t, w.Body.String(), "script")
}

// ---------------------------------------------------------------------------
// Credential
// ---------------------------------------------------------------------------

func TestCredential_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		authz      string
		wantReason string
	}{
		{"missing credential", "", "unauthenticated"},
		{"invalid credential", "mallory", "unauthenticated"},
		{"expired credential", "expired", "credential_expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			w := h.do(http.MethodGet, "/workflows", tt.authz, "", nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"reason":"`+tt.wantReason+`"`)
			assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
			assert.Equal(t, []string{models.EventAuthFailed}, h.recorder.types())
			assert.Zero(t, h.handled)
		})
	}
}

func TestCredential_PublicRouteAllowsAnonymous(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "", "", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "mallory", "", nil).Code)
}

// ---------------------------------------------------------------------------
// Rate limit
// ---------------------------------------------------------------------------

func TestRateLimit_RejectsOverBudget(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2; i++ {
		w := h.do(http.MethodGet, "/me", "alice", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(1-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := h.do(http.MethodGet, "/me", "alice", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.LessOrEqual(t, retry, 60)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, models.EventRateLimitExceeded, h.recorder.last().EventType)

	// Another subject has its own budget.
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/me", "bob", "", nil).Code)
}

func TestRateLimit_ClassesHaveSeparateBudgets(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/workflows", "alice", "", nil).Code)
	}
	for i := 0; i < 2; i++ {
		w := h.do(http.MethodGet, "/me", "alice", "", nil)
		require.Equal(t, http.StatusOK, w.Code, "auth request %d", i+1)
		assert.Equal(t, strconv.Itoa(1-i), w.Header().Get("X-RateLimit-Remaining"))
	}
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/workflows", "alice", "", nil).Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, string) (ratelimit.Decision, ratelimit.Class, error) {
	return ratelimit.Decision{}, ratelimit.Class{}, errors.New("redis down")
}

func TestRateLimit_StoreFailureFailsClosed(t *testing.T) {
	gw := New([]Stage{NewRateLimitStage(failingLimiter{})})
	r := gin.New()
	r.GET("/x", gw.Handle(Route{}), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"permission_denied"`)
	assert.NotContains(t, w.Body.String(), "redis")
}

// ---------------------------------------------------------------------------
// CSRF
// ---------------------------------------------------------------------------

func TestCSRF_MissingTokenRejected(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/workflows", "alice", `{"n":"x"}`, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"invalid_csrf_token"`)
	assert.Equal(t, models.EventCSRFRejected, h.recorder.last().EventType)
}

func TestCSRF_FreshTokenAccepted(t *testing.T) {
	h := newHarness(t)
	token := h.csrfToken(t, "alice")
	assert.Equal(t, token, h.csrfToken(t, "alice"), "live token is reused")

	w := h.do(http.MethodPost, "/workflows", "alice", `{"n":"x"}`, map[string]string{CSRFHeader: token})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCSRF_WrongSessionRejected(t *testing.T) {
	h := newHarness(t)
	bobToken := h.csrfToken(t, "bob")
	w := h.do(http.MethodPost, "/workflows", "alice", `{"n":"x"}`, map[string]string{CSRFHeader: bobToken})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCSRF_ExpiredTokenRejected(t *testing.T) {
	h := newHarness(t)
	token := h.csrfToken(t, "alice")
	h.clock = h.clock.Add(time.Hour + time.Second)

	w := h.do(http.MethodPost, "/workflows", "alice", `{"n":"x"}`, map[string]string{CSRFHeader: token})
	assert.Equal(t, http.StatusForbidden, w.Code)

	fresh := h.csrfToken(t, "alice")
	assert.NotEqual(t, token, fresh)
	w = h.do(http.MethodPost, "/workflows", "alice", `{"n":"x"}`, map[string]string{CSRFHeader: fresh})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCSRF_APIKeyCallersExempt(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodPost, "/workflows", "ci", `{"n":"x"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMemoryCSRFStore_EvictExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newMemoryCSRFStore(func() time.Time { return now })
	_, err := s.Issue(context.Background(), "s1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	s.evictExpired()
	_, found := s.tokens.Load("s1")
	assert.False(t, found)
	s.Stop()
	s.Stop()
}

func TestRedisCSRFStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisCSRFStore(client, "test:")
	ctx := context.Background()

	token, err := s.Issue(ctx, "sess-1", time.Minute)
	require.NoError(t, err)
	again, err := s.Issue(ctx, "sess-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, token, again, "live token is reused")
	assert.True(t, mr.Exists("test:csrf:sess-1"))

	ok, err := s.Validate(ctx, "sess-1", token)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Validate(ctx, "sess-2", token)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = s.Validate(ctx, "sess-1", token)
	require.NoError(t, err)
	assert.False(t, ok, "expired token rejected")

	fresh, err := s.Issue(ctx, "sess-1", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, token, fresh)
}

func TestRedisCSRFStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	s := NewRedisCSRFStore(client, "test:")
	mr.Close()

	_, err := s.Issue(context.Background(), "sess-1", time.Minute)
	assert.Error(t, err)
	_, err = s.Validate(context.Background(), "sess-1", "tok")
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Permission
// ---------------------------------------------------------------------------

func TestPermission_AllowAndDeny(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/workflows", "alice", "", nil).Code)

	w := h.do(http.MethodGet, "/workflows", "bob", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"permission_denied"`)
	ev := h.recorder.last()
	require.NotNil(t, ev)
	assert.Equal(t, models.EventPermissionDenied, ev.EventType)
	assert.Equal(t, "u-bob", *ev.SubjectID)
	assert.Equal(t, "workflows", *ev.Resource)
}

func TestPermission_OwnerResolver(t *testing.T) {
	h := newHarness(t)
	token := h.csrfToken(t, "alice")
	hdr := map[string]string{CSRFHeader: token}

	assert.Equal(t, http.StatusOK, h.do(http.MethodDelete, "/api-keys/mine", "alice", "", hdr).Code)
	assert.Equal(t, "u-alice", h.eval.lastOwner)

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodDelete, "/api-keys/theirs", "alice", "", hdr).Code)

	w := h.do(http.MethodDelete, "/api-keys/broken", "alice", "", hdr)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestPermission_EngineErrorFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.eval.err = errors.New("store unreachable")
	w := h.do(http.MethodGet, "/workflows", "alice", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"permission_denied"`)
	assert.Zero(t, h.handled)
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

func TestPipeline_StateChangingRequestAudited(t *testing.T) {
	h := newHarness(t)
	token := h.csrfToken(t, "alice")
	w := h.do(http.MethodPost, "/workflows", "alice", `{"n":"x"}`, map[string]string{CSRFHeader: token})
	require.Equal(t, http.StatusOK, w.Code)

	ev := h.recorder.last()
	require.NotNil(t, ev)
	assert.Equal(t, models.EventRequest, ev.EventType)
	assert.Equal(t, http.StatusOK, ev.Metadata["status"])
	assert.Equal(t, "/workflows", ev.Metadata["route"])
	assert.Equal(t, "create", *ev.Action)
}

func TestPipeline_ReadsNotAuditedByDefault(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/workflows", "alice", "", nil).Code)
	assert.Empty(t, h.recorder.types())
}

func TestPipeline_CancelledRequestWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/workflows", nil).WithContext(ctx)
	req.Header.Set("Authorization", "alice")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	assert.Zero(t, h.handled)
	assert.Empty(t, w.Body.String())
	assert.Empty(t, h.recorder.types())
}

type stageFunc func(c *gin.Context, route Route) Decision

func (f stageFunc) Name() string                             { return "func" }
func (f stageFunc) Run(c *gin.Context, route Route) Decision { return f(c, route) }

func TestPipeline_StopsAtFirstRejection(t *testing.T) {
	var ran []int
	stage := func(n int, reject bool) Stage {
		return stageFunc(func(*gin.Context, Route) Decision {
			ran = append(ran, n)
			if reject {
				return Reject(Rejection{Reason: ReasonPermissionDenied, Status: http.StatusForbidden})
			}
			return Continue()
		})
	}
	gw := New([]Stage{stage(1, false), stage(2, true), stage(3, false)})
	r := gin.New()
	r.GET("/x", gw.Handle(Route{}), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, []int{1, 2}, ran)
	assert.Contains(t, w.Body.String(), `"error":"Forbidden"`)
}
