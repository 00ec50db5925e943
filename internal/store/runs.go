package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
)

// RecordRun appends a run summary to the load_runs audit table. It runs in
// its own transaction, after the run's transaction has finished.
func (s *Store) RecordRun(ctx context.Context, summary domain.RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}

	var runErr sql.NullString
	if summary.Error != "" {
		runErr = sql.NullString{String: summary.Error, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO load_runs
(run_id, started_at, finished_at, status, conflict_policy, received, discarded, inserted, updated, conflicts, error, summary)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		summary.RunID,
		summary.StartedAt.UTC(),
		summary.FinishedAt.UTC(),
		string(summary.Status),
		string(summary.ConflictPolicy),
		summary.Received,
		summary.Discards.Total,
		summary.Inserted.Total(),
		summary.Updated,
		summary.Conflicts,
		runErr,
		string(payload),
	)
	if err != nil {
		return classify(fmt.Errorf("record run %s: %w", summary.RunID, err))
	}
	return nil
}

// RecentRuns returns up to limit run summaries, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT summary FROM load_runs ORDER BY started_at DESC, run_id DESC LIMIT ?"), limit)
	if err != nil {
		return nil, classify(fmt.Errorf("query load runs: %w", err))
	}
	defer rows.Close()

	var out []domain.RunSummary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan load run: %w", err)
		}
		var summary domain.RunSummary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			return nil, fmt.Errorf("decode load run: %w", err)
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("query load runs: %w", err))
	}
	return out, nil
}
