// Package shield is the HTTP protection layer for the analyzer service:
// security headers, per-endpoint rate limiting, form body caps, request
// trace IDs, maintenance mode and HEAD handling. The stateful pieces (rate
// limits, maintenance flag) live in SQLite tables operators can edit at
// runtime; see Schema.
//
// Middlewares compose individually, or as the standard stack:
//
//	stack, rl, mm := shield.DefaultStack(db)
//	rl.StartReloader(done)
//	mm.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack builds the standard middleware chain, ordered Maintenance,
// HeadToGet, SecurityHeaders, MaxFormBody, TraceID, RateLimiter. Health
// checks and static assets bypass both maintenance and rate limiting. The
// limiter and maintenance handles are returned so the caller can start
// their reloaders and customise the 503 page.
func DefaultStack(db *sql.DB) ([]func(http.Handler) http.Handler, *RateLimiter, *MaintenanceMode) {
	rl := NewRateLimiter(db, "/health")
	mm := NewMaintenanceMode(db, "/health", "/static/")
	stack := []func(http.Handler) http.Handler{
		mm.Middleware,
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxFormBody(64 << 10),
		TraceID,
		rl.Middleware,
	}
	return stack, rl, mm
}
