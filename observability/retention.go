package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionConfig sets per-table retention in days. Zero disables cleanup for
// that table.
type RetentionConfig struct {
	EventsDays     int
	HeartbeatsDays int
	MetricsDays    int
	RunVacuumAfter bool
}

// Cleanup deletes rows past their retention threshold. The engine's
// housekeeping ticker runs it alongside the message store's own cleanup.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	targets := []struct {
		table  string
		column string
		days   int
	}{
		{"engine_events", "occurred_at", cfg.EventsDays},
		{"engine_heartbeats", "beat_at", cfg.HeartbeatsDays},
		{"metrics_timeseries", "sampled_at", cfg.MetricsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days)*86400
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
