package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/uxlens/ctafocus/kit"
)

// RequestLog is one HTTP request record destined for http_request_logs.
type RequestLog struct {
	Method     string
	Path       string
	StatusCode int
	DurationMs int64
	UserID     string
	IPAddress  string
	UserAgent  string
}

// HTTPLogRecorder buffers request logs and flushes them to SQLite in batches,
// so logging never sits on the request path. Buffer overflow drops records.
type HTTPLogRecorder struct {
	db   *sql.DB
	ch   chan *RequestLog
	stop chan struct{}
	done chan struct{}
}

// NewHTTPLogRecorder creates a recorder. Recommended bufferSize: 500.
func NewHTTPLogRecorder(db *sql.DB, bufferSize int) *HTTPLogRecorder {
	h := &HTTPLogRecorder{
		db:   db,
		ch:   make(chan *RequestLog, bufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go h.flushLoop()
	return h
}

// Record queues a request log. Non-blocking; drops on overflow.
func (h *HTTPLogRecorder) Record(rl *RequestLog) {
	select {
	case h.ch <- rl:
	default:
	}
}

// Middleware wraps a handler so every request is recorded with its final
// status code and wall-clock duration.
func (h *HTTPLogRecorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				xff = xff[:i]
			}
			ip = strings.TrimSpace(xff)
		}

		h.Record(&RequestLog{
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: sw.status,
			DurationMs: time.Since(start).Milliseconds(),
			UserID:     kit.GetUserID(r.Context()),
			IPAddress:  ip,
			UserAgent:  r.UserAgent(),
		})
	})
}

// Close drains pending records and stops the flush goroutine.
func (h *HTTPLogRecorder) Close() error {
	close(h.stop)
	<-h.done
	return nil
}

func (h *HTTPLogRecorder) flushLoop() {
	defer close(h.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*RequestLog, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := h.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("observability httplog: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO http_request_logs
			(method, path, status_code, duration_ms, user_id, ip_address, user_agent, created_at)
			VALUES (?,?,?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			slog.Error("observability httplog: prepare", "error", err)
			return
		}
		defer stmt.Close()

		now := time.Now().Unix()
		for _, rl := range batch {
			if _, err := stmt.ExecContext(ctx,
				rl.Method, rl.Path, rl.StatusCode, rl.DurationMs,
				rl.UserID, rl.IPAddress, rl.UserAgent, now,
			); err != nil {
				slog.Error("observability httplog: insert", "error", err, "path", rl.Path)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("observability httplog: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-h.stop:
			for {
				select {
				case rl := <-h.ch:
					batch = append(batch, rl)
				default:
					flush()
					return
				}
			}
		case rl := <-h.ch:
			batch = append(batch, rl)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
