package store

import (
	"context"
	"fmt"

	"github.com/mlingest/mlingest/pkg/dataset"
)

// Run statuses recorded in ingestion_runs.
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// StartRun records a new run in RUNNING state.
func (p *Postgres) StartRun(ctx context.Context, id, table, sourcePath string, intent dataset.Intent) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ingestion_runs (id, table_name, source_path, data_intent, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, table, sourcePath, string(intent), StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and counters of a run. errMsg is nil for
// successful runs.
func (p *Postgres) FinishRun(ctx context.Context, id, status string, stats dataset.RunStats, errMsg *string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE ingestion_runs
		 SET status = $1, units = $2, candidates = $3, persisted = $4, failed = $5,
		     batches = $6, reported = $7, error_message = $8, finished_at = now()
		 WHERE id = $9`,
		status, stats.Units, stats.Candidates, stats.Persisted, stats.Failed,
		stats.Batches, stats.Reported, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecordFailures stores the failures of a run for later auditing.
func (p *Postgres) RecordFailures(ctx context.Context, runID string, failures []dataset.FailedRecord) error {
	if len(failures) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO failed_records (run_id, seq, origin, data_id, kind, reason)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range failures {
		if _, err := stmt.ExecContext(ctx, runID, f.Seq, f.Origin, nullable(f.UniqueID), f.Kind(), f.Reason()); err != nil {
			return fmt.Errorf("insert failure for %s: %w", f.Origin, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failures: %w", err)
	}
	return nil
}
