package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/uxlens/ctafocus/kit"
)

// TraceID tags each request with a short random ID, exposed three ways: in
// the context under kit.TraceIDKey, in the X-Trace-ID response header, and
// bound to a per-request logger stored under LoggerKey. SQL statements run
// with the request context carry the same ID into sql_traces.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newTraceID()
		w.Header().Set("X-Trace-ID", id)

		logger := slog.Default().With(
			"trace_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		logger.Info("request")

		ctx := kit.WithTraceID(r.Context(), id)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// newTraceID returns 8 hex chars, plenty for correlating one process's logs.
func newTraceID() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
