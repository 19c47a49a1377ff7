package shield

import (
	"database/sql"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/uxlens/ctafocus/kit"
	_ "modernc.org/sqlite"
)

// newShieldDB opens an in-memory database with the shield tables. One
// connection, so every query sees the same database.
func newShieldDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// WHAT: verifies every configured security header lands on the response and
// that the default CSP keeps the blob: image source.
// WHY: the upload page previews screenshots through object URLs; dropping
// blob: from img-src silently breaks the preview.
func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(DefaultHeaders())(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
		"Permissions-Policy":     "camera=(), microphone=(), geolocation=()",
	}
	for name, v := range want {
		if got := w.Header().Get(name); got != v {
			t.Errorf("%s = %q, want %q", name, got, v)
		}
	}
	if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "blob:") {
		t.Errorf("CSP lost blob: image previews: %q", csp)
	}
}

// WHAT: verifies empty HeaderConfig fields are skipped, not set to "".
func TestSecurityHeaders_SkipsEmpty(t *testing.T) {
	handler := SecurityHeaders(HeaderConfig{XFrameOptions: "SAMEORIGIN"})(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if got := w.Header().Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if _, ok := w.Header()["Content-Security-Policy"]; ok {
		t.Error("empty CSP was set")
	}
}

// WHAT: checks TraceID exposes the same 8-char ID through the response
// header, the kit context and the per-request logger.
// WHY: the whole point is correlating an HTTP response with its slog lines
// and sql_traces rows; three different IDs would correlate nothing.
func TestTraceID(t *testing.T) {
	var ctxID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = kit.GetTraceID(r.Context())
		if GetLogger(r.Context()) == slog.Default() {
			t.Error("request logger not bound")
		}
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	TraceID(inner).ServeHTTP(w, httptest.NewRequest("GET", "/api/sessions", nil))

	headerID := w.Header().Get("X-Trace-ID")
	if len(headerID) != 8 {
		t.Fatalf("X-Trace-ID = %q, want 8 hex chars", headerID)
	}
	if ctxID != headerID {
		t.Errorf("context id %q != header id %q", ctxID, headerID)
	}
}

// WHAT: HEAD requests reach GET handlers as GET.
func TestHeadToGet(t *testing.T) {
	var sawMethod string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawMethod = r.Method
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	HeadToGet(inner).ServeHTTP(w, httptest.NewRequest("HEAD", "/health", nil))

	if sawMethod != http.MethodGet {
		t.Errorf("inner method = %q, want GET", sawMethod)
	}
}

// WHAT: form-encoded bodies over the cap fail to parse; other content types
// are left alone.
// WHY: the cap exists to stop oversized login posts, not to interfere with
// multipart screenshot uploads that have their own per-route limit.
func TestMaxFormBody(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := MaxFormBody(16)(inner)

	big := strings.NewReader("password=" + strings.Repeat("x", 100))
	req := httptest.NewRequest("POST", "/login", big)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized form = %d, want 413", w.Code)
	}

	// Same size, different content type: passes untouched.
	req = httptest.NewRequest("POST", "/api/analyze", strings.NewReader(strings.Repeat("x", 100)))
	req.Header.Set("Content-Type", "application/octet-stream")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("non-form body = %d, want 200", w.Code)
	}
}

// WHAT: assembles the default stack and checks its ordering guarantees:
// maintenance wins over everything, /health bypasses both gates, and a
// normal request comes back with headers and a trace ID.
func TestDefaultStack(t *testing.T) {
	db := newShieldDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
	         VALUES ('GET /dashboard', 1, 60, 1)`)

	stack, rl, mm := DefaultStack(db)
	if rl == nil || mm == nil {
		t.Fatal("handles not returned")
	}
	var handler http.Handler = okHandler()
	for i := len(stack) - 1; i >= 0; i-- {
		handler = stack[i](handler)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/dashboard", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("normal request = %d", w.Code)
	}
	if w.Header().Get("X-Trace-ID") == "" || w.Header().Get("Content-Security-Policy") == "" {
		t.Error("stack did not apply trace/header middlewares")
	}

	// Maintenance on: everything except excluded prefixes goes 503.
	db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`)
	mm.refresh()

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/dashboard", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("maintenance request = %d, want 503", w.Code)
	}
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health under maintenance = %d, want 200", w.Code)
	}
}
