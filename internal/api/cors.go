package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/victorgomez09/posauth/internal/config"
)

// CORSMiddleware lets the presentation layer call the API from its own origin.
// Only listed origins are echoed back; "*" admits any origin.
type CORSMiddleware struct {
	origins map[string]bool
	any     bool
	methods string
	headers string
	maxAge  string
}

func NewCORSMiddleware(cfg config.CORS) Middleware {
	c := &CORSMiddleware{
		origins: make(map[string]bool, len(cfg.AllowedOrigins)),
		methods: "GET, POST, OPTIONS",
		headers: "Authorization, Content-Type",
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			c.any = true
			continue
		}
		c.origins[strings.TrimSuffix(o, "/")] = true
	}
	if cfg.MaxAge > 0 {
		c.maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	}
	return c
}

func (c *CORSMiddleware) allowed(origin string) bool {
	return c.any || c.origins[origin]
}

func (c *CORSMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Add("Vary", "Origin")
		if !c.allowed(origin) {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", c.methods)
			h.Set("Access-Control-Allow-Headers", c.headers)
			if c.maxAge != "" {
				h.Set("Access-Control-Max-Age", c.maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

// RequestIDMiddleware tags every request with an id, echoed in X-Request-ID and
// carried in the access log.
type RequestIDMiddleware struct{}

func (RequestIDMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id RequestIDMiddleware assigned, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
