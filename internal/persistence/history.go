package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/stoatlabs/vigil/internal/agent"
)

// AppendTurn records one conversation entry for a session.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO history (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, role, content, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		return nil
	})
}

// RecentTurns returns up to limit most recent turns for the session, in
// chronological order.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]agent.StoredTurn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM history WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var turns []agent.StoredTurn
	for rows.Next() {
		var t agent.StoredTurn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// PruneHistory deletes turns older than the cutoff across all sessions and
// returns the number removed.
func (s *Store) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM history WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}
