package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meikuraledutech/flowdag"
)

// SaveRun inserts a run record, replacing any record with the same id.
func (s *PGStore) SaveRun(ctx context.Context, run *flowdag.RunRecord) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("flowdag: encode run: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO flow_runs (id, graph_id, plan_id, ok, record, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     ok = EXCLUDED.ok, record = EXCLUDED.record, finished_at = EXCLUDED.finished_at`,
		run.ID, run.GraphID, run.PlanID, run.OK, data, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("flowdag: insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run record by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetRun(ctx context.Context, runID string) (*flowdag.RunRecord, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT record FROM flow_runs WHERE id = $1`, runID,
	).Scan(&data)

	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flowdag: get run: %w", err)
	}

	var r flowdag.RunRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("flowdag: decode run %s: %w", runID, err)
	}
	return &r, nil
}

// ListRuns returns all runs of graphID, ordered by started_at.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) ListRuns(ctx context.Context, graphID string) ([]*flowdag.RunRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT record FROM flow_runs WHERE graph_id = $1 ORDER BY started_at`, graphID)
	if err != nil {
		return nil, fmt.Errorf("flowdag: list runs: %w", err)
	}
	defer rows.Close()

	runs := []*flowdag.RunRecord{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("flowdag: scan run: %w", err)
		}
		var r flowdag.RunRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("flowdag: decode run: %w", err)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowdag: rows runs: %w", err)
	}

	return runs, nil
}
