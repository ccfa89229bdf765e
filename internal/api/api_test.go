package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/victorgomez09/posauth/internal/auth/database"
	"github.com/victorgomez09/posauth/internal/auth/models"
	"github.com/victorgomez09/posauth/internal/auth/monitor"
	"github.com/victorgomez09/posauth/internal/auth/roles"
	"github.com/victorgomez09/posauth/internal/auth/service"
	"github.com/victorgomez09/posauth/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeEvents struct {
	mu         sync.Mutex
	fns        map[int]func(monitor.Event)
	next       int
	subscribed chan struct{}
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{fns: make(map[int]func(monitor.Event)), subscribed: make(chan struct{}, 8)}
}

func (f *fakeEvents) Subscribe(fn func(monitor.Event)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.fns[id] = fn
	f.mu.Unlock()

	f.subscribed <- struct{}{}
	return func() {
		f.mu.Lock()
		delete(f.fns, id)
		f.mu.Unlock()
	}
}

func (f *fakeEvents) publish(e monitor.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fn := range f.fns {
		fn(e)
	}
}

type testEnv struct {
	srv    *httptest.Server
	api    *API
	svc    *service.AuthService
	db     *database.SQLiteDB
	clock  *fakeClock
	events *fakeEvents
}

type envOptions struct {
	api  config.API
	auth service.AuthConfig
}

func newTestEnv(t *testing.T, configure ...func(*envOptions)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewSQLiteDB(ctx, filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	opts := envOptions{
		api: config.API{
			Enabled:   true,
			JWTSecret: testSecret,
			TokenTTL:  48 * time.Hour,
			RateLimit: config.RateLimit{RequestsPerSecond: 100, Burst: 100},
		},
		auth: service.DefaultAuthConfig(),
	}
	opts.auth.HashCost = bcrypt.MinCost
	opts.auth.SessionCleanupInterval = 0
	opts.auth.Now = clock.Now
	for _, fn := range configure {
		fn(&opts)
	}

	logger := zap.NewNop()
	provider := roles.NewProvider(db, logger)
	svc := service.NewAuthService(db, provider, opts.auth, logger)
	t.Cleanup(svc.Close)

	_, err = svc.CreateUser(ctx, "staff", "password123", "staff@example.com", "staff")
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, "admin", "admin1234", "admin@example.com", "admin")
	require.NoError(t, err)

	events := newFakeEvents()
	a := NewAPI(svc, provider, events, opts.api, logger)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(a.Close)

	return &testEnv{srv: srv, api: a, svc: svc, db: db, clock: clock, events: events}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "staff", Password: "password123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	out := decode[LoginResponse](t, resp)
	assert.Equal(t, "Bearer", out.Type)
	require.NotNil(t, out.User)
	assert.Equal(t, "staff", out.User.Username)
	assert.Equal(t, 2, out.User.AccessLevel)

	me := env.do(t, http.MethodGet, "/api/auth/me", out.Token, nil)
	require.Equal(t, http.StatusOK, me.StatusCode)
	raw := decode[map[string]interface{}](t, me)
	assert.Equal(t, out.User.ID, raw["id"])
	assert.NotContains(t, raw, "password")
	assert.NotContains(t, raw, "PasswordHash")
}

func TestLogin_StatusMapping(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "nobody", Password: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	for i := 0; i < 2; i++ {
		resp = env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "staff", Password: "wrong"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid username or password", decode[errorResponse](t, resp).Error)
	}

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "staff", Password: "wrong"})
	require.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, "300", resp.Header.Get("Retry-After"))
	assert.Equal(t, 300, decode[errorResponse](t, resp).RetryAfterSeconds)

	env.clock.Advance(2 * time.Minute)
	resp = env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "staff", Password: "password123"})
	require.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, 180, decode[errorResponse](t, resp).RetryAfterSeconds)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/auth/login", strings.NewReader("{not json"))
	require.NoError(t, err)
	bad, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	get := env.do(t, http.MethodGet, "/api/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestLogin_StorageUnavailable(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.Close())

	resp := env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "staff", Password: "password123"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestSupersededTokenIsRejected(t *testing.T) {
	env := newTestEnv(t)

	first := env.login(t, "staff", "password123")
	second := env.login(t, "admin", "admin1234")

	resp := env.do(t, http.MethodGet, "/api/auth/me", first, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/auth/me", second, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingOrForgedToken(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "staff", "password123")

	resp := env.do(t, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged := NewTokenIssuer([]byte("another-secret-another-secret-xx"), time.Hour, env.clock.Now)
	session, err := env.db.GetCurrentSession(context.Background())
	require.NoError(t, err)
	token, _, err := forged.Issue(&models.User{ID: session.UserID, Role: "admin"}, session)
	require.NoError(t, err)

	resp = env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInactivityAndTouch(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "staff", "password123")

	env.clock.Advance(7 * time.Hour)
	resp := env.do(t, http.MethodGet, "/api/authorize?view=pos", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.clock.Advance(7 * time.Hour)
	resp = env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// reading the profile is not activity
	env.clock.Advance(time.Hour + time.Minute)
	resp = env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "session expired", decode[errorResponse](t, resp).Error)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "staff", "password123")

	resp := env.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "staff", "password123")

	tests := []struct {
		name   string
		req    ChangePasswordRequest
		status int
	}{
		{"wrong current", ChangePasswordRequest{CurrentPassword: "nope", NewPassword: "newpass1"}, http.StatusForbidden},
		{"too short", ChangePasswordRequest{CurrentPassword: "password123", NewPassword: "short1"}, http.StatusBadRequest},
		{"no digit", ChangePasswordRequest{CurrentPassword: "password123", NewPassword: "nodigitshere"}, http.StatusBadRequest},
		{"valid", ChangePasswordRequest{CurrentPassword: "password123", NewPassword: "newpass1"}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/auth/change-password", token, tt.req)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	resp := env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "staff", Password: "password123"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	env.login(t, "staff", "newpass1")
}

func TestRolesAndAuthorize(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/roles", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	configs := decode[[]models.RoleConfig](t, resp)
	require.Len(t, configs, 5)
	for i := 1; i < len(configs); i++ {
		assert.LessOrEqual(t, configs[i-1].AccessLevel, configs[i].AccessLevel)
	}

	token := env.login(t, "staff", "password123")

	tests := []struct {
		view    string
		status  int
		allowed bool
	}{
		{"pos", http.StatusOK, true},
		{"inventory", http.StatusOK, true},
		{"settings", http.StatusOK, false},
		{"debug", http.StatusOK, false},
		{"payroll", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.view, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/api/authorize?view="+tt.view, token, nil)
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusOK {
				out := decode[AuthorizeResponse](t, resp)
				assert.Equal(t, tt.allowed, out.Allowed)
				assert.Equal(t, 2, out.AccessLevel)
			}
		})
	}
}

func TestDemoLogin(t *testing.T) {
	t.Run("not registered outside demo mode", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(t, http.MethodPost, "/api/auth/demo-login", "", DemoLoginRequest{Username: "staff"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	env := newTestEnv(t, func(o *envOptions) {
		o.auth.DemoMode = true
		o.auth.DemoUsers = []string{"staff"}
	})

	resp := env.do(t, http.MethodPost, "/api/auth/demo-login", "", DemoLoginRequest{Username: "staff"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[LoginResponse](t, resp)
	assert.Equal(t, "staff", out.User.Username)

	resp = env.do(t, http.MethodPost, "/api/auth/demo-login", "", DemoLoginRequest{Username: "admin"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIPRestriction(t *testing.T) {
	denied := newTestEnv(t, func(o *envOptions) { o.api.AllowedIPs = []string{"10.0.0.0/8"} })
	resp := denied.do(t, http.MethodGet, "/api/roles", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	allowed := newTestEnv(t, func(o *envOptions) { o.api.AllowedIPs = []string{"10.0.0.0/8", "127.0.0.1"} })
	resp = allowed.do(t, http.MethodGet, "/api/roles", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) {
		o.api.RateLimit = config.RateLimit{RequestsPerSecond: 0.01, Burst: 2}
	})

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "nobody", Password: "x"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "staff", Password: "password123"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSessionEvents(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "staff", "password123")
	session, err := env.db.GetCurrentSession(context.Background())
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/session/events?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	select {
	case <-env.events.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not subscribe")
	}

	expiredAt := env.clock.Now().Add(8 * time.Hour)
	env.events.publish(monitor.Event{Token: "someone-else", UserID: "x", ExpiredAt: expiredAt})
	env.events.publish(monitor.Event{Token: session.Token, UserID: session.UserID, ExpiredAt: expiredAt})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg SessionEvent
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventSessionExpired, msg.Type)
	assert.Equal(t, session.UserID, msg.UserID)
	assert.True(t, expiredAt.Equal(msg.ExpiredAt))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestSessionEvents_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/session/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) {
		o.api.CORS = config.CORS{AllowedOrigins: []string{"http://localhost:5173"}}
	})

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/auth/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
