package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meikuraledutech/flowdag"
)

// SavePlan inserts a compiled plan, replacing any plan with the same id.
func (s *PGStore) SavePlan(ctx context.Context, plan *flowdag.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("flowdag: encode plan: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO flow_plans (id, graph_id, plan, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET graph_id = EXCLUDED.graph_id, plan = EXCLUDED.plan`,
		plan.ID(), plan.GraphID(), data, plan.CreatedAt(),
	)
	if err != nil {
		return fmt.Errorf("flowdag: insert plan: %w", err)
	}
	return nil
}

// GetPlan fetches a plan by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetPlan(ctx context.Context, planID string) (*flowdag.Plan, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT plan FROM flow_plans WHERE id = $1`, planID,
	).Scan(&data)

	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flowdag: get plan: %w", err)
	}

	var p flowdag.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("flowdag: decode plan %s: %w", planID, err)
	}
	return &p, nil
}

// ListPlans returns all plans compiled from graphID, ordered by created_at.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) ListPlans(ctx context.Context, graphID string) ([]*flowdag.Plan, error) {
	rows, err := s.db.Query(ctx,
		`SELECT plan FROM flow_plans WHERE graph_id = $1 ORDER BY created_at`, graphID)
	if err != nil {
		return nil, fmt.Errorf("flowdag: list plans: %w", err)
	}
	defer rows.Close()

	plans := []*flowdag.Plan{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("flowdag: scan plan: %w", err)
		}
		var p flowdag.Plan
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("flowdag: decode plan: %w", err)
		}
		plans = append(plans, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowdag: rows plans: %w", err)
	}

	return plans, nil
}

// DeletePlan deletes a plan by its ID.
// No error if the plan doesn't exist.
func (s *PGStore) DeletePlan(ctx context.Context, planID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM flow_plans WHERE id = $1`, planID)
	if err != nil {
		return fmt.Errorf("flowdag: delete plan: %w", err)
	}
	return nil
}
