package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Standard metric name constants.
const (
	MetricAnalysesTotal        = "ctafocus_analyses_total"
	MetricAnalysisDurationMs   = "ctafocus_analysis_duration_ms"
	MetricUploadsRejectedTotal = "ctafocus_uploads_rejected_total"
	MetricCapturesTotal        = "ctafocus_captures_total"
	MetricReportsTotal         = "ctafocus_reports_total"
	MetricGoroutinesCount      = "goroutines_count"
	MetricMemoryAllocMB        = "memory_alloc_mb"
	MetricGCCount              = "gc_count"
)

const metricsWriteBudget = 10 * time.Second

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string // e.g. "ctafocus_analyses_total", "ctafocus_analysis_duration_ms"
	Timestamp time.Time
	Value     float64
	Labels    map[string]string // optional key/value pairs, e.g. {"source": "upload"}
	Unit      string            // "percent", "bytes", "milliseconds", "count"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*Metric

	stop chan struct{}
	done chan struct{}
}

// NewMetricsManager creates a manager that flushes metrics in batches.
// Recommended defaults: bufferSize=100, flushInterval=5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric. The call that fills the buffer writes the whole
// batch out; every other call just appends.
func (mm *MetricsManager) Record(m *Metric) {
	mm.mu.Lock()
	mm.buffer = append(mm.buffer, m)
	full := len(mm.buffer) >= mm.bufferSize
	mm.mu.Unlock()
	if full {
		mm.flush()
	}
}

// RecordSimple is a convenience helper for metrics without labels.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{
		Name:      name,
		Timestamp: time.Now(),
		Value:     value,
		Unit:      unit,
	})
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mm.flush()
		case <-mm.stop:
			mm.flush()
			return
		}
	}
}

// flush swaps the buffer out under the lock and writes the batch without
// holding it, so Record never waits on SQLite.
func (mm *MetricsManager) flush() {
	mm.mu.Lock()
	batch := mm.buffer
	if len(batch) == 0 {
		mm.mu.Unlock()
		return
	}
	mm.buffer = make([]*Metric, 0, mm.bufferSize)
	mm.mu.Unlock()

	mm.writeBatch(batch)
}

func (mm *MetricsManager) writeBatch(batch []*Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsWriteBudget)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("observability metrics: begin tx", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("observability metrics: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range batch {
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, marshalLabels(m.Labels), m.Unit); err != nil {
			slog.Error("observability metrics: insert", "error", err, "metric", m.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("observability metrics: commit", "error", err)
	}
}

func marshalLabels(labels map[string]string) sql.NullString {
	if len(labels) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// Query retrieves metrics filtered by name, time range and limit.
// Pass empty metricName for all metrics. Nil time pointers mean unbounded.
func (mm *MetricsManager) Query(metricName string, startTime, endTime *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries"
	var (
		where []string
		args  []interface{}
	)
	if metricName != "" {
		where = append(where, "metric_name = ?")
		args = append(args, metricName)
	}
	if startTime != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, startTime.Unix())
	}
	if endTime != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, endTime.Unix())
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m          Metric
			ts         int64
			labelsJSON sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labelsJSON, &m.Unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				m.Labels = labels
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes metrics older than retentionDays and returns the count removed.
func (mm *MetricsManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return result.RowsAffected()
}

// Close flushes remaining metrics and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}
