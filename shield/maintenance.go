package shield

import (
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	maintenanceRefreshEvery = 5 * time.Second
	defaultMaintenanceMsg   = "Down for maintenance, back shortly."
)

// maintenanceState is the cached view of the maintenance table row.
type maintenanceState struct {
	on  bool
	msg string
}

// MaintenanceMode serves a 503 page while the flag in the maintenance table
// (see Schema) is set. The row is cached in memory; a missing table or row
// reads as "off", which is the normal state.
type MaintenanceMode struct {
	db      *sql.DB
	state   atomic.Value // maintenanceState
	exclude []string     // path prefixes that bypass the block
	page    []byte       // optional custom HTML
}

// NewMaintenanceMode creates a checker and loads the flag once. Paths
// matching excludePrefixes are never blocked (health checks, static assets).
func NewMaintenanceMode(db *sql.DB, excludePrefixes ...string) *MaintenanceMode {
	m := &MaintenanceMode{db: db, exclude: excludePrefixes}
	m.state.Store(maintenanceState{msg: defaultMaintenanceMsg})
	m.refresh()
	return m
}

// Active reports whether maintenance mode is currently on.
func (m *MaintenanceMode) Active() bool {
	return m.current().on
}

// Message returns the current maintenance message.
func (m *MaintenanceMode) Message() string {
	return m.current().msg
}

// SetPage replaces the built-in 503 page with custom HTML, served as-is.
func (m *MaintenanceMode) SetPage(html []byte) {
	m.page = html
}

// StartReloader polls the flag every few seconds until done is closed, so
// toggling the table row takes effect without a restart.
func (m *MaintenanceMode) StartReloader(done <-chan struct{}) {
	go func() {
		tick := time.NewTicker(maintenanceRefreshEvery)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				m.refresh()
			}
		}
	}()
}

func (m *MaintenanceMode) current() maintenanceState {
	s, _ := m.state.Load().(maintenanceState)
	return s
}

func (m *MaintenanceMode) refresh() {
	prev := m.current()

	var (
		active int
		msg    string
	)
	err := m.db.QueryRow(`SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &msg)
	if err != nil {
		// No table or no row means off.
		if prev.on {
			slog.Info("maintenance: flag cleared (table missing or empty)")
		}
		m.state.Store(maintenanceState{msg: prev.msg})
		return
	}

	next := maintenanceState{on: active == 1, msg: prev.msg}
	if msg != "" {
		next.msg = msg
	}
	m.state.Store(next)

	switch {
	case next.on && !prev.on:
		slog.Warn("maintenance: mode ENABLED", "message", next.msg)
	case !next.on && prev.on:
		slog.Info("maintenance: mode DISABLED")
	}
}

// Middleware blocks requests with a 503 while the flag is on. Excluded
// prefixes pass through.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Active() {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		m.serve503(w)
	})
}

func (m *MaintenanceMode) serve503(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", "300")
	w.WriteHeader(http.StatusServiceUnavailable)

	if len(m.page) > 0 {
		w.Write(m.page)
		return
	}
	w.Write([]byte(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Maintenance</title>
<style>
  body { font-family: system-ui, sans-serif; margin: 0; min-height: 100vh;
         display: grid; place-items: center; background: #f6f7f9; color: #2d2d2d; }
  main { max-width: 30rem; padding: 2rem; text-align: center; }
  h1 { font-size: 1.4rem; margin: 0 0 .5rem; }
  p  { color: #6a6a6a; margin: 0; }
</style>
</head>
<body>
<main>
  <h1>Maintenance</h1>
  <p>` + m.Message() + `</p>
</main>
</body>
</html>`))
}
