package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig specifies per-table retention in days. Zero disables
// cleanup for that table.
type RetentionConfig struct {
	HTTPLogsDays   int
	EventLogsDays  int
	AuditLogDays   int
	MetricsDays    int
	HeartbeatsDays int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds and optionally
// vacuums afterwards. Meant to run from a periodic janitor goroutine.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	// Fixed list; table and column names never come from input.
	targets := []struct {
		table  string
		column string
		days   int
	}{
		{"http_request_logs", "created_at", cfg.HTTPLogsDays},
		{"business_event_logs", "created_at", cfg.EventLogsDays},
		{"audit_log", "timestamp", cfg.AuditLogDays},
		{"metrics_timeseries", "timestamp", cfg.MetricsDays},
		{"service_heartbeats", "timestamp", cfg.HeartbeatsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := time.Now().AddDate(0, 0, -t.days).Unix()
		res, err := db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column), cutoff)
		if err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Info("observability retention", "table", t.table, "deleted", n)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
