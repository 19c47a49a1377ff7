// Package trace makes every SQL statement observable. It registers a
// "sqlite-trace" database/sql driver that delegates to modernc.org/sqlite
// and times each Exec and Query on the way through. Switching a database
// to tracing is a one-word change at the open site:
//
//	import _ "github.com/uxlens/ctafocus/trace"
//
//	obsDB, _ := sql.Open("sqlite-trace", "data/observability.db")
//
// Traced statements are always logged through slog (Debug normally, Warn
// past 100ms, Error on failure) and carry the request's trace ID when one
// is present in the context. To keep the raw entries queryable, point the
// package at a Store:
//
//	traceDB, _ := sql.Open("sqlite", "data/traces.db")
//	st := trace.NewStore(traceDB)
//	st.Init()
//	trace.SetStore(st)
//
// The store's own database must use the plain "sqlite" driver; a store
// writing through "sqlite-trace" would trace its own inserts forever.
package trace

import (
	"database/sql"
	"sync"

	sqlite "modernc.org/sqlite"
)

// DriverName is the registered tracing driver.
const DriverName = "sqlite-trace"

// Entry captures one traced statement.
type Entry struct {
	TraceID    string // request correlation, empty for background work
	Op         string // "Exec" or "Query"
	Query      string
	DurationUs int64
	Error      string // empty on success
	Timestamp  int64  // unix microseconds
}

// Recorder receives entries from the driver. Store is the SQLite-backed
// implementation; anything that can swallow entries asynchronously works.
type Recorder interface {
	RecordAsync(e *Entry)
	Close() error
}

var recorderMu sync.RWMutex
var recorder Recorder

// SetStore installs the process-wide recorder. nil turns persistence off
// and leaves slog as the only output.
func SetStore(r Recorder) {
	recorderMu.Lock()
	recorder = r
	recorderMu.Unlock()
}

func currentRecorder() Recorder {
	recorderMu.RLock()
	defer recorderMu.RUnlock()
	return recorder
}

func init() {
	sql.Register(DriverName, &TracingDriver{Driver: &sqlite.Driver{}})
}
