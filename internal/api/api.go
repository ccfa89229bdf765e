package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
	"github.com/victorgomez09/posauth/internal/auth/monitor"
	"github.com/victorgomez09/posauth/internal/auth/roles"
	"github.com/victorgomez09/posauth/internal/auth/service"
	"github.com/victorgomez09/posauth/internal/config"
)

// EventSource delivers session expiry events to the event stream.
type EventSource interface {
	Subscribe(fn func(monitor.Event)) func()
}

// API exposes the authentication service to the local presentation layer.
type API struct {
	auth     *service.AuthService
	roles    *roles.Provider
	events   EventSource
	tokens   *TokenIssuer
	config   config.API
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	logger   *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewAPI(
	auth *service.AuthService,
	roleProvider *roles.Provider,
	events EventSource,
	cfg config.API,
	logger *zap.Logger,
) *API {
	a := &API{
		auth:    auth,
		roles:   roleProvider,
		events:  events,
		tokens:  NewTokenIssuer([]byte(cfg.JWTSecret), cfg.TokenTTL, auth.GetConfig().Now),
		config:  cfg,
		limiter: NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		upgrader: websocket.Upgrader{
			// The stream is authenticated by token, and clients run from arbitrary local origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux:    http.NewServeMux(),
		logger: logger,
		done:   make(chan struct{}),
	}
	a.registerRoutes()
	return a
}

func (a *API) registerRoutes() {
	a.mux.Handle("POST /api/auth/login", a.limiter.Limit(http.HandlerFunc(a.handleLogin)))
	if a.auth.GetConfig().DemoMode {
		a.mux.Handle("POST /api/auth/demo-login", a.limiter.Limit(http.HandlerFunc(a.handleDemoLogin)))
	}
	a.mux.HandleFunc("GET /api/roles", a.handleRoles)

	a.mux.Handle("GET /api/auth/me", a.requireAuth(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("POST /api/auth/logout", a.requireAuth(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("POST /api/auth/change-password",
		a.limiter.Limit(a.requireAuth(http.HandlerFunc(a.handleChangePassword), withTouch())))
	a.mux.Handle("GET /api/authorize", a.requireAuth(http.HandlerFunc(a.handleAuthorize), withTouch()))

	a.mux.Handle("GET /api/session/events", a.requireAuth(http.HandlerFunc(a.handleEvents), withQueryToken()))
}

// Handler returns the routes wrapped in the API middleware chain.
func (a *API) Handler() http.Handler {
	chain := NewMiddlewareChain(
		RequestIDMiddleware{},
		NewAccessLogMiddleware(a.logger),
		NewIPRestrictionMiddleware(a.config.AllowedIPs, a.logger),
		NewCORSMiddleware(a.config.CORS),
		SecurityHeadersMiddleware{},
	)
	return chain.Then(a.mux)
}

// Close ends open event streams. http.Server.Shutdown does not track hijacked connections.
func (a *API) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

type ctxKey int

const authKey ctxKey = iota

// authInfo is attached to the request context of authenticated routes.
type authInfo struct {
	Claims *Claims
	User   *models.User
}

func authFrom(ctx context.Context) *authInfo {
	info, _ := ctx.Value(authKey).(*authInfo)
	return info
}

type authOptions struct {
	touch      bool
	queryToken bool
}

type authOption func(*authOptions)

// withTouch records the request as user activity, pushing back the inactivity deadline.
func withTouch() authOption {
	return func(o *authOptions) { o.touch = true }
}

// withQueryToken also accepts the token in the access_token query parameter,
// since browsers cannot set headers on websocket requests.
func withQueryToken() authOption {
	return func(o *authOptions) { o.queryToken = true }
}

func bearerToken(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if allowQuery {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func (a *API) authenticateRequest(r *http.Request, opts authOptions) (*authInfo, error) {
	raw := bearerToken(r, opts.queryToken)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	claims, err := a.tokens.Parse(raw)
	if err != nil {
		return nil, err
	}

	user, err := a.auth.ValidateSession(r.Context(), claims.SessionToken())
	if err != nil {
		return nil, err
	}
	if opts.touch {
		if err := a.auth.Touch(r.Context(), claims.SessionToken()); err != nil {
			return nil, err
		}
	}
	return &authInfo{Claims: claims, User: user}, nil
}

func (a *API) requireAuth(next http.Handler, options ...authOption) http.Handler {
	var opts authOptions
	for _, o := range options {
		o(&opts)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := a.authenticateRequest(r, opts)
		if err != nil {
			a.writeAuthError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), authKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidToken), errors.Is(err, apierr.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, "invalid or superseded session")
	case errors.Is(err, apierr.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, "session expired")
	default:
		a.writeServiceError(w, err)
	}
}

// writeServiceError maps infrastructure and configuration failures to responses.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apierr.ErrStorageUnavailable):
		a.logger.Error("Credential store unavailable", zap.Error(err))
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "credential store unavailable")
	case errors.Is(err, apierr.ErrUnknownRole):
		a.logger.Error("User has an unconfigured role", zap.Error(err))
		writeError(w, http.StatusForbidden, "role is not configured")
	default:
		a.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
