package trace

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// Schema holds the sql_traces DDL. Store.Init applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS sql_traces (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT,
	op TEXT NOT NULL,
	query TEXT NOT NULL,
	duration_us INTEGER NOT NULL,
	error TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sql_traces_ts ON sql_traces(timestamp);
CREATE INDEX IF NOT EXISTS idx_sql_traces_tid ON sql_traces(trace_id) WHERE trace_id != '';
CREATE INDEX IF NOT EXISTS idx_sql_traces_slow ON sql_traces(duration_us) WHERE duration_us > 100000;
`

const (
	storeBuffer    = 1024
	storeBatch     = 64
	storeFlushTick = time.Second
)

// Store writes entries to a sql_traces table in batches, off the caller's
// goroutine. The database it writes through must be a plain "sqlite" open,
// never DriverName, or the store would trace itself recursively.
type Store struct {
	db        *sql.DB
	ch        chan *Entry
	done      chan struct{}
	closeOnce sync.Once
}

// NewStore starts the writer goroutine over db.
func NewStore(db *sql.DB) *Store {
	s := &Store{
		db:   db,
		ch:   make(chan *Entry, storeBuffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Init applies Schema.
func (s *Store) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// RecordAsync queues e without blocking. When the buffer is full the entry
// is dropped; tracing never applies backpressure to the statement path.
func (s *Store) RecordAsync(e *Entry) {
	select {
	case s.ch <- e:
	default:
	}
}

// Close flushes whatever is buffered and stops the writer. Safe to call
// more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

func (s *Store) run() {
	defer close(s.done)

	pending := make([]*Entry, 0, storeBatch)
	tick := time.NewTicker(storeFlushTick)
	defer tick.Stop()

	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				s.write(pending)
				return
			}
			pending = append(pending, e)
			if len(pending) >= storeBatch {
				s.write(pending)
				pending = pending[:0]
			}
		case <-tick.C:
			if len(pending) > 0 {
				s.write(pending)
				pending = pending[:0]
			}
		}
	}
}

func (s *Store) write(entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("trace store: begin tx", "error", err)
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO sql_traces
		(trace_id, op, query, duration_us, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("trace store: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.TraceID, e.Op, e.Query, e.DurationUs, e.Error, e.Timestamp); err != nil {
			slog.Error("trace store: insert", "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("trace store: commit", "error", err)
	}
}
