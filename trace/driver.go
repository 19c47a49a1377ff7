package trace

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"strings"
	"time"

	"github.com/uxlens/ctafocus/kit"
)

// Statements slower than this log at Warn instead of Debug.
const slowStatement = 100 * time.Millisecond

// TracingDriver wraps another driver and instruments every statement
// prepared through it. Registered as DriverName in init().
type TracingDriver struct {
	driver.Driver
}

func (d *TracingDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &traceConn{Conn: conn}, nil
}

// traceConn intercepts Prepare so that every statement handle is a
// traceStmt. Exec and Query on the database always reach a prepared
// statement because the wrapper does not expose ExecerContext or
// QueryerContext.
type traceConn struct {
	driver.Conn
}

func (c *traceConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.Conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &traceStmt{Stmt: stmt, query: query}, nil
}

func (c *traceConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	pc, ok := c.Conn.(driver.ConnPrepareContext)
	if !ok {
		return c.Prepare(query)
	}
	stmt, err := pc.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &traceStmt{Stmt: stmt, query: query}, nil
}

func (c *traceConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	return c.Conn.Begin()
}

type traceStmt struct {
	driver.Stmt
	query string
}

func (s *traceStmt) Exec(args []driver.Value) (driver.Result, error) {
	started := time.Now()
	res, err := s.Stmt.Exec(args)
	s.observe(context.Background(), "Exec", time.Since(started), err)
	return res, err
}

func (s *traceStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	ec, ok := s.Stmt.(driver.StmtExecContext)
	if !ok {
		return s.Exec(flattenArgs(args))
	}
	started := time.Now()
	res, err := ec.ExecContext(ctx, args)
	s.observe(ctx, "Exec", time.Since(started), err)
	return res, err
}

func (s *traceStmt) Query(args []driver.Value) (driver.Rows, error) {
	started := time.Now()
	rows, err := s.Stmt.Query(args)
	s.observe(context.Background(), "Query", time.Since(started), err)
	return rows, err
}

func (s *traceStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	qc, ok := s.Stmt.(driver.StmtQueryContext)
	if !ok {
		return s.Query(flattenArgs(args))
	}
	started := time.Now()
	rows, err := qc.QueryContext(ctx, args)
	s.observe(ctx, "Query", time.Since(started), err)
	return rows, err
}

// observe emits the slog line and hands the entry to the recorder, if any.
func (s *traceStmt) observe(ctx context.Context, op string, elapsed time.Duration, err error) {
	// Connection setup and rule reloads hammer PRAGMA; fast, successful
	// ones are not worth a row. Slow or failed PRAGMAs still go through.
	if err == nil && elapsed < 10*time.Millisecond && strings.HasPrefix(s.query, "PRAGMA ") {
		return
	}

	traceID := kit.GetTraceID(ctx)

	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case elapsed > slowStatement:
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("component", "sql"),
		slog.String("op", op),
		slog.String("query", s.query),
		slog.Duration("duration", elapsed),
	}
	if traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	slog.LogAttrs(ctx, level, "SQL", attrs...)

	rec := currentRecorder()
	if rec == nil {
		return
	}
	e := &Entry{
		TraceID:    traceID,
		Op:         op,
		Query:      s.query,
		DurationUs: elapsed.Microseconds(),
		Timestamp:  time.Now().UnixMicro(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	rec.RecordAsync(e)
}

func flattenArgs(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
