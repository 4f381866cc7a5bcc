package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HeartbeatRun is one row of the heartbeat execution log.
type HeartbeatRun struct {
	ID         string
	Source     string
	Outcome    string
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RecordHeartbeatRun appends one completed execution to the run log.
func (s *Store) RecordHeartbeatRun(ctx context.Context, run HeartbeatRun) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO heartbeat_runs (id, source, outcome, detail, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, run.Source, run.Outcome, run.Detail,
			run.StartedAt.UTC(), run.FinishedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert heartbeat run: %w", err)
		}
		return nil
	})
}

// RecentHeartbeatRuns returns up to limit runs, newest first.
func (s *Store) RecentHeartbeatRuns(ctx context.Context, limit int) ([]HeartbeatRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, outcome, detail, started_at, finished_at
		 FROM heartbeat_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query heartbeat runs: %w", err)
	}
	defer rows.Close()

	var runs []HeartbeatRun
	for rows.Next() {
		var r HeartbeatRun
		if err := rows.Scan(&r.ID, &r.Source, &r.Outcome, &r.Detail, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastHeartbeatRun returns the most recent run, or nil when the log is empty.
func (s *Store) LastHeartbeatRun(ctx context.Context) (*HeartbeatRun, error) {
	var r HeartbeatRun
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, outcome, detail, started_at, finished_at
		 FROM heartbeat_runs ORDER BY started_at DESC LIMIT 1`).
		Scan(&r.ID, &r.Source, &r.Outcome, &r.Detail, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last heartbeat run: %w", err)
	}
	return &r, nil
}
