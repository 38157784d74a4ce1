package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// authConfig carries the admin credentials. Either a shared token or a
// username/password pair turns protection on.
type authConfig struct {
	adminUsername string
	adminPassword string
	adminToken    string
	enabled       bool
}

func loadAuthConfig() *authConfig {
	cfg := &authConfig{
		adminUsername: os.Getenv("ADMIN_USERNAME"),
		adminPassword: os.Getenv("ADMIN_PASSWORD"),
		adminToken:    os.Getenv("ADMIN_TOKEN"),
	}
	cfg.enabled = cfg.hasBasic() || cfg.adminToken != ""
	if !cfg.enabled {
		slog.Warn("admin routes are open; set ADMIN_TOKEN or ADMIN_USERNAME and ADMIN_PASSWORD",
			slog.String("component", "server"))
	}
	return cfg
}

func (c *authConfig) hasBasic() bool { return c.adminUsername != "" && c.adminPassword != "" }

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// authorized accepts X-Admin-Token before falling back to Basic Auth.
func (c *authConfig) authorized(r *http.Request) bool {
	if tok := r.Header.Get("X-Admin-Token"); c.adminToken != "" && tok != "" && secretEqual(tok, c.adminToken) {
		return true
	}
	if !c.hasBasic() {
		return false
	}
	user, pass, ok := r.BasicAuth()
	// Both comparisons run so timing does not reveal which field was wrong.
	userOK := secretEqual(user, c.adminUsername)
	passOK := secretEqual(pass, c.adminPassword)
	return ok && userOK && passOK
}

// adminAuth guards the admin routes. With no credentials configured every
// request passes.
func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled || cfg.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("admin request rejected", slog.String("component", "server"),
			slog.String("path", r.URL.Path), slog.String("ip", clientIP(r)))
		w.Header().Set("WWW-Authenticate", `Basic realm="livebell admin"`)
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// rateLimiterConfig sizes the per-IP token buckets guarding admin routes.
type rateLimiterConfig struct {
	enabled       bool
	requestsPerIP int
	window        time.Duration
}

// loadRateLimiterConfig defaults to 10 requests per IP per minute.
// RATE_LIMIT_ENABLED=0 switches the limiter off.
func loadRateLimiterConfig() *rateLimiterConfig {
	cfg := &rateLimiterConfig{
		enabled:       os.Getenv("RATE_LIMIT_ENABLED") != "0",
		requestsPerIP: 10,
		window:        time.Minute,
	}
	if n := positiveEnv("RATE_LIMIT_REQUESTS_PER_IP"); n > 0 {
		cfg.requestsPerIP = n
	}
	if n := positiveEnv("RATE_LIMIT_WINDOW_SECONDS"); n > 0 {
		cfg.window = time.Duration(n) * time.Second
	}
	return cfg
}

// positiveEnv returns the integer value of key, or 0 when unset or invalid.
func positiveEnv(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ipRateLimiter holds one rate.Limiter per client IP. A bucket holds
// requestsPerIP tokens and regains one every window/requestsPerIP.
type ipRateLimiter struct {
	cfg *rateLimiterConfig

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter starts a sweeper that runs until ctx ends.
func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	rl := &ipRateLimiter{cfg: cfg, visitors: map[string]*visitor{}}
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rl.cleanup()
			}
		}
	}()
	return rl
}

// cleanup drops visitors idle for two windows; their buckets would be full.
func (rl *ipRateLimiter) cleanup() {
	cutoff := time.Now().Add(-2 * rl.cfg.window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	rl.mu.Lock()
	v := rl.visitors[ip]
	if v == nil {
		per := rl.cfg.window / time.Duration(rl.cfg.requestsPerIP)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(per), rl.cfg.requestsPerIP)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

// clientIP prefers the first X-Forwarded-For hop and strips any port.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		addr = strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	retryAfter := strconv.Itoa(int(limiter.cfg.window / time.Second))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if limiter.allow(ip) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("admin rate limit hit", slog.String("component", "server"),
			slog.String("ip", ip), slog.String("path", r.URL.Path))
		w.Header().Set("Retry-After", retryAfter)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// corsConfig decides which browser origins may call the API. Permissive mode
// (ENV unset, dev or development) answers every origin with "*".
type corsConfig struct {
	allowedOrigins []string
	permissive     bool
}

const (
	corsMethods = "GET, POST, PUT, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID, Last-Event-ID"
)

// loadCORSConfig reads ENV, CORS_PERMISSIVE and CORS_ALLOWED_ORIGINS.
func loadCORSConfig() *corsConfig {
	mode := strings.ToLower(os.Getenv("ENV"))
	cfg := &corsConfig{permissive: mode == "" || mode == "dev" || mode == "development"}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.permissive = v == "1" || v == "true"
	}
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.allowedOrigins = append(cfg.allowedOrigins, origin)
		}
	}
	if !cfg.permissive && len(cfg.allowedOrigins) == 0 {
		slog.Warn("CORS restricted with no CORS_ALLOWED_ORIGINS; cross-origin requests will be refused", slog.String("component", "server"))
	}
	return cfg
}

// withCORSConfig adds CORS headers and answers preflight requests.
func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allow := ""
		switch {
		case cfg.permissive:
			allow = "*"
		case origin != "" && isOriginAllowed(origin, cfg.allowedOrigins):
			allow = origin
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if allow != "" {
			w.Header().Set("Access-Control-Allow-Origin", allow)
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed matches exact origins and "*.example.com" patterns, which
// also admit the bare domain over http or https.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return true
		}
		if domain, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}
