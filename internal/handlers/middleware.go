package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/gorilla/csrf"
)

// LoggingMiddleware logs the details of each HTTP request
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		// Wrap ResponseWriter to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)
		slog.Info("HTTP Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"ip", r.RemoteAddr,
			"request_id", ww.Header().Get(requestIDHeader),
		)
	})
}

// Custom ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeadersMiddleware adds standard security headers. The API only
// serves JSON and uploaded banners, so the CSP is locked down to images.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src 'self'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// CSRFMiddleware applies gorilla/csrf to requests that ride on the session
// cookie. Bearer-token requests and requests without the cookie carry no
// ambient credentials, so the check is skipped for them. The current token
// is echoed in the X-CSRF-Token response header for cookie clients.
func CSRFMiddleware(key []byte, secure bool, trustedOrigins []string) func(http.Handler) http.Handler {
	protect := csrf.Protect(key,
		csrf.Secure(secure),
		csrf.Path("/"),
		csrf.TrustedOrigins(trustedOrigins),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slog.Warn("CSRF check failed", "path", r.URL.Path, "reason", csrf.FailureReason(r))
			writeJSON(w, http.StatusForbidden, errorBody{Error: string(apperr.KindForbidden), Message: "CSRF token missing or invalid"})
		})),
	)
	return func(next http.Handler) http.Handler {
		protected := protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := csrf.Token(r); token != "" {
				w.Header().Set("X-CSRF-Token", token)
			}
			next.ServeHTTP(w, r)
		}))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !usesSessionCookie(r) {
				r = csrf.UnsafeSkipCheck(r)
			}
			protected.ServeHTTP(w, r)
		})
	}
}

func usesSessionCookie(r *http.Request) bool {
	if bearerToken(r) != "" {
		return false
	}
	_, err := r.Cookie(SessionCookieName)
	return err == nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RateLimiter allows one request per client address and route per window.
// Limits on different routes are independent.
type RateLimiter struct {
	visitors sync.Map
	window   time.Duration
	done     chan struct{}
}

// NewRateLimiter creates a new rate limiter with a cleanup goroutine
func NewRateLimiter(window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		window: window,
		done:   make(chan struct{}),
	}
	// Background cleanup
	go rl.cleanup()
	return rl
}

// cleanup removes old entries to prevent memory leaks
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.visitors.Range(func(key, value any) bool {
				if now.Sub(value.(time.Time)) > rl.window {
					rl.visitors.Delete(key)
				}
				return true
			})
		}
	}
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

// Middleware enforces the rate limit
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(routeOf(r) + " " + ip) {
			slog.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "RATE_LIMITED", Message: "too many requests, please try again later"})
			return
		}
		next(w, r)
	}
}

// allow records a hit for key. Of several concurrent hits inside one
// window exactly one is allowed.
func (rl *RateLimiter) allow(key string) bool {
	now := time.Now()
	for {
		prev, loaded := rl.visitors.LoadOrStore(key, now)
		if !loaded {
			return true
		}
		if now.Sub(prev.(time.Time)) < rl.window {
			return false
		}
		if rl.visitors.CompareAndSwap(key, prev, now) {
			return true
		}
	}
}

// routeOf is the mux pattern that matched r, or its path outside a mux.
func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i > 0 {
		return addr[:i]
	}
	return addr
}
