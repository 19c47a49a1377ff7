package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	ruleReloadEvery = 60 * time.Second
	counterGCEvery  = 5 * time.Minute
)

// RateLimitConfig defines the rate limit for a single endpoint.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

// counter tracks requests from one ip:endpoint pair inside the current window.
type counter struct {
	n       int
	resetAt time.Time
}

// RateLimiter enforces per-IP, per-endpoint limits read from the rate_limits
// table (see Schema). Operators edit the table; StartReloader picks changes
// up within a minute without a restart. Counters live in memory only, so a
// restart clears them.
type RateLimiter struct {
	db      *sql.DB
	exclude []string // path prefixes never limited

	rulesMu sync.RWMutex
	rules   map[string]RateLimitConfig // keyed "METHOD /path"

	seenMu sync.Mutex
	seen   map[string]*counter // keyed "ip:METHOD /path"
}

// NewRateLimiter creates a limiter and loads the current rules once. Call
// StartReloader for periodic refresh and counter GC.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		exclude: excludePrefixes,
		rules:   make(map[string]RateLimitConfig),
		seen:    make(map[string]*counter),
	}
	rl.reload()
	return rl
}

// StartReloader refreshes rules every minute and drops expired counters every
// five. Stops when done is closed.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	go func() {
		reload := time.NewTicker(ruleReloadEvery)
		gc := time.NewTicker(counterGCEvery)
		defer reload.Stop()
		defer gc.Stop()
		for {
			select {
			case <-done:
				return
			case <-reload.C:
				rl.reload()
			case <-gc.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) reload() {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	fresh := make(map[string]RateLimitConfig)
	for rows.Next() {
		var (
			endpoint string
			cfg      RateLimitConfig
			enabled  int
		)
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &enabled); err != nil {
			continue
		}
		cfg.Enabled = enabled == 1
		fresh[endpoint] = cfg
	}

	rl.rulesMu.Lock()
	rl.rules = fresh
	rl.rulesMu.Unlock()
	slog.Debug("ratelimit: rules reloaded", "count", len(fresh))
}

func (rl *RateLimiter) gc() {
	now := time.Now()
	rl.seenMu.Lock()
	defer rl.seenMu.Unlock()
	for key, c := range rl.seen {
		if now.After(c.resetAt) {
			delete(rl.seen, key)
		}
	}
}

func (rl *RateLimiter) allow(ip, endpoint string) bool {
	rl.rulesMu.RLock()
	cfg, ok := rl.rules[endpoint]
	rl.rulesMu.RUnlock()
	if !ok || !cfg.Enabled {
		return true
	}

	key := ip + ":" + endpoint
	now := time.Now()

	rl.seenMu.Lock()
	defer rl.seenMu.Unlock()
	c := rl.seen[key]
	if c == nil || now.After(c.resetAt) {
		rl.seen[key] = &counter{
			n:       1,
			resetAt: now.Add(time.Duration(cfg.WindowSeconds) * time.Second),
		}
		return true
	}
	c.n++
	return c.n <= cfg.MaxRequests
}

// Middleware enforces the limits. Excluded prefixes pass straight through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		if rl.allow(ip, endpoint) {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)
		deny(w, r)
	})
}

// deny writes the 429. API paths get JSON, everything else plain text.
func deny(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "60")
	if strings.HasPrefix(r.URL.Path, "/api/") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
		return
	}
	http.Error(w, "rate limit exceeded, please retry later", http.StatusTooManyRequests)
}

// ExtractIP returns the client IP: the first X-Forwarded-For hop when the
// header is present, the RemoteAddr host otherwise.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
