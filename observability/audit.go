package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uxlens/ctafocus/idgen"
)

const (
	auditFlushTick   = 5 * time.Second
	auditBatchMax    = 100
	auditWriteBudget = 10 * time.Second

	auditQueryLimit = 100 // default page size for Query
)

const auditInsertSQL = `INSERT INTO audit_log
	(entry_id, timestamp, component_name, operation_type,
	 user_id, session_id, request_id,
	 parameters, result, error_code, error_message, duration_ms,
	 status, metadata)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

// AuditEntry is a single operation record in the audit trail.
type AuditEntry struct {
	EntryID       string
	Timestamp     time.Time
	ComponentName string // e.g. "focus", "capture", "report"
	OperationType string // e.g. "analyze_url", "report_export"

	UserID    string
	SessionID string
	RequestID string

	Parameters   string // JSON
	Result       string // JSON
	ErrorCode    string
	ErrorMessage string
	DurationMs   int64

	Status   string // "success", "error", "timeout", "cancelled"
	Metadata string // free-form JSON
}

// AuditFilter controls query results from the audit log.
type AuditFilter struct {
	StartTime     *time.Time
	EndTime       *time.Time
	ComponentName *string
	OperationType *string
	Status        *string
	Limit         int // default 100
	Offset        int
	OrderBy       string // "timestamp" or "duration_ms"
	OrderDir      string // "ASC" or "DESC"
}

// auditOrderColumns lists the columns Query may sort by. Anything else is
// rejected rather than interpolated into SQL.
var auditOrderColumns = map[string]bool{
	"timestamp":      true,
	"duration_ms":    true,
	"component_name": true,
	"status":         true,
}

// AuditLogger persists operation-level audit entries asynchronously.
type AuditLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *AuditEntry
	stop  chan struct{}
	done  chan struct{}
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets a custom ID generator for audit entry IDs.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// NewAuditLogger creates an async audit logger. Recommended bufferSize: 1000.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:    db,
		newID: idgen.Prefixed("aud_", idgen.Default),
		ch:    make(chan *AuditEntry, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// NewAuditEntry is a convenience factory that builds an AuditEntry from
// operation parameters, result and error. Params and result are marshalled to JSON.
func (a *AuditLogger) NewAuditEntry(component, operation string, params interface{}, result interface{}, err error, duration time.Duration) *AuditEntry {
	entry := &AuditEntry{
		EntryID:       a.newID(),
		Timestamp:     time.Now(),
		ComponentName: component,
		OperationType: operation,
		DurationMs:    duration.Milliseconds(),
	}
	if params != nil {
		if b, e := json.Marshal(params); e == nil {
			entry.Parameters = string(b)
		}
	}
	if err != nil {
		entry.Status = "error"
		entry.ErrorMessage = err.Error()
		return entry
	}
	entry.Status = "success"
	if result != nil {
		if b, e := json.Marshal(result); e == nil {
			entry.Result = string(b)
		}
	}
	return entry
}

// Log inserts an audit entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, entry *AuditEntry) error {
	a.normalize(entry)
	return a.insertOne(ctx, entry)
}

// LogAsync queues an entry for async persistence.
// Falls back to synchronous insert if the buffer is full.
func (a *AuditLogger) LogAsync(entry *AuditEntry) {
	a.normalize(entry)
	select {
	case a.ch <- entry:
	default:
		slog.Warn("observability audit buffer full, sync fallback", "component", entry.ComponentName)
		if err := a.insertOne(context.Background(), entry); err != nil {
			slog.Error("observability audit: sync fallback failed", "error", err)
		}
	}
}

// normalize fills in the fields callers usually omit.
func (a *AuditLogger) normalize(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Status == "" {
		e.Status = "success"
		if e.ErrorMessage != "" {
			e.Status = "error"
		}
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(auditFlushTick)
	defer ticker.Stop()

	batch := make([]*AuditEntry, 0, auditBatchMax)
	for {
		select {
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= auditBatchMax {
				batch = a.writeBatch(batch)
			}
		case <-ticker.C:
			batch = a.writeBatch(batch)
		case <-a.stop:
			// take whatever is still queued, then flush once
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					a.writeBatch(batch)
					return
				}
			}
		}
	}
}

// writeBatch persists batch in one transaction and returns the slice reset
// for reuse. Row-level failures are logged and skipped so one bad entry does
// not sink the rest.
func (a *AuditLogger) writeBatch(batch []*AuditEntry) []*AuditEntry {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteBudget)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("observability audit: begin tx", "error", err)
		return batch[:0]
	}
	stmt, err := tx.PrepareContext(ctx, auditInsertSQL)
	if err != nil {
		tx.Rollback()
		slog.Error("observability audit: prepare", "error", err)
		return batch[:0]
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, e.insertArgs()...); err != nil {
			slog.Error("observability audit: insert", "error", err, "entry_id", e.EntryID)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("observability audit: commit", "error", err)
	}
	return batch[:0]
}

func (a *AuditLogger) insertOne(ctx context.Context, e *AuditEntry) error {
	_, err := a.db.ExecContext(ctx, auditInsertSQL, e.insertArgs()...)
	return err
}

func (e *AuditEntry) insertArgs() []interface{} {
	return []interface{}{
		e.EntryID, e.Timestamp.Unix(), e.ComponentName, e.OperationType,
		e.UserID, e.SessionID, e.RequestID,
		e.Parameters, e.Result, e.ErrorCode, e.ErrorMessage, e.DurationMs,
		e.Status, e.Metadata,
	}
}

// Query retrieves audit entries matching the given filter.
func (a *AuditLogger) Query(ctx context.Context, f *AuditFilter) ([]*AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.StartTime != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, f.StartTime.Unix())
	}
	if f.EndTime != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, f.EndTime.Unix())
	}
	if f.ComponentName != nil {
		where = append(where, "component_name = ?")
		args = append(args, *f.ComponentName)
	}
	if f.OperationType != nil {
		where = append(where, "operation_type = ?")
		args = append(args, *f.OperationType)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}

	orderBy := "timestamp"
	if f.OrderBy != "" {
		if !auditOrderColumns[f.OrderBy] {
			return nil, fmt.Errorf("invalid order_by column: %q", f.OrderBy)
		}
		orderBy = f.OrderBy
	}
	orderDir := "DESC"
	if f.OrderDir != "" {
		switch strings.ToUpper(f.OrderDir) {
		case "ASC", "DESC":
			orderDir = strings.ToUpper(f.OrderDir)
		default:
			return nil, fmt.Errorf("invalid order_dir: %q", f.OrderDir)
		}
	}

	q := `SELECT entry_id, timestamp, component_name, operation_type,
		user_id, session_id, request_id, parameters, result,
		error_code, error_message, duration_ms, status, metadata
		FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY %s %s", orderBy, orderDir)

	limit := auditQueryLimit
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " LIMIT ?"
	args = append(args, limit)
	if f.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanAuditEntry(rows *sql.Rows) (*AuditEntry, error) {
	var (
		e          AuditEntry
		ts         int64
		userID     sql.NullString
		sessionID  sql.NullString
		requestID  sql.NullString
		result     sql.NullString
		errCode    sql.NullString
		errMessage sql.NullString
		metadata   sql.NullString
		durationMs sql.NullInt64
	)
	if err := rows.Scan(
		&e.EntryID, &ts, &e.ComponentName, &e.OperationType,
		&userID, &sessionID, &requestID,
		&e.Parameters, &result, &errCode, &errMessage,
		&durationMs, &e.Status, &metadata,
	); err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	e.Timestamp = time.Unix(ts, 0)
	e.UserID = userID.String
	e.SessionID = sessionID.String
	e.RequestID = requestID.String
	e.Result = result.String
	e.ErrorCode = errCode.String
	e.ErrorMessage = errMessage.String
	e.Metadata = metadata.String
	e.DurationMs = durationMs.Int64
	return &e, nil
}

// Cleanup deletes audit entries older than retentionDays.
func (a *AuditLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit log: %w", err)
	}
	return result.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (a *AuditLogger) Close() error {
	close(a.stop)
	<-a.done
	return nil
}
