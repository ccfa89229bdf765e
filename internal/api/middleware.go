package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Middleware wraps an http.Handler with additional behaviour.
type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

// MiddlewareChain applies middleware so that the first one added sees the request first.
type MiddlewareChain struct {
	middlewares []Middleware
}

func NewMiddlewareChain(middlewares ...Middleware) *MiddlewareChain {
	return &MiddlewareChain{middlewares: middlewares}
}

func (c *MiddlewareChain) Use(m Middleware) {
	c.middlewares = append(c.middlewares, m)
}

func (c *MiddlewareChain) Then(final http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		final = c.middlewares[i].Middleware(final)
	}
	return final
}

// statusWriter records the response status and size. It supports hijacking so the
// event stream can upgrade through the chain.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		if w.status == 0 {
			w.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("upstream ResponseWriter does not implement http.Hijacker")
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AccessLogMiddleware logs one entry per request. Request bodies are never logged.
type AccessLogMiddleware struct {
	logger *zap.Logger
}

func NewAccessLogMiddleware(logger *zap.Logger) Middleware {
	return &AccessLogMiddleware{logger: logger}
}

func (m *AccessLogMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", clientIP(r)),
			zap.Int64("response_size", sw.size),
			zap.String("request_id", RequestID(r.Context())),
		}
		switch {
		case sw.status >= 500:
			m.logger.Error("Server error", fields...)
		case sw.status >= 400:
			m.logger.Warn("Client error", fields...)
		default:
			m.logger.Info("Request completed", fields...)
		}
	})
}

// IPRestrictionMiddleware only admits clients whose address matches the allow-list.
// An empty list admits everyone. Entries are single IPs or CIDR ranges.
type IPRestrictionMiddleware struct {
	ips    []net.IP
	nets   []*net.IPNet
	logger *zap.Logger
}

func NewIPRestrictionMiddleware(allowed []string, logger *zap.Logger) Middleware {
	m := &IPRestrictionMiddleware{logger: logger}
	for _, entry := range allowed {
		if ip := net.ParseIP(entry); ip != nil {
			m.ips = append(m.ips, ip)
			continue
		}
		if _, n, err := net.ParseCIDR(entry); err == nil {
			m.nets = append(m.nets, n)
			continue
		}
		logger.Warn("Ignoring invalid allowed_ips entry", zap.String("entry", entry))
	}
	return m
}

func (m *IPRestrictionMiddleware) allowed(ip net.IP) bool {
	for _, a := range m.ips {
		if a.Equal(ip) {
			return true
		}
	}
	for _, n := range m.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (m *IPRestrictionMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.ips) == 0 && len(m.nets) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		addr := clientIP(r)
		ip := net.ParseIP(addr)
		if ip == nil {
			writeError(w, http.StatusForbidden, "could not verify client address")
			return
		}
		if !m.allowed(ip) {
			m.logger.Warn("Access denied: IP not allowed", zap.String("client_ip", addr))
			writeError(w, http.StatusForbidden, "access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the peer address. Forwarding headers are ignored: the API is not
// meant to sit behind a proxy, and trusting them would defeat the allow-list.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	idle     time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sweepThreshold is the number of tracked clients above which idle ones are dropped.
const sweepThreshold = 256

func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	cl, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= sweepThreshold {
			rl.sweep(now)
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) sweep(now time.Time) {
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > rl.idle {
			delete(rl.limiters, key)
		}
	}
}

// Limit wraps next so that each client address is held to the limiter's rate.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SecurityHeadersMiddleware sets the response headers every API reply carries.
type SecurityHeadersMiddleware struct{}

func (SecurityHeadersMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Cache-Control", "no-store")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
