package postgres

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS flow_plans (
    id         TEXT PRIMARY KEY,
    graph_id   TEXT NOT NULL,
    plan       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS flow_runs (
    id          TEXT PRIMARY KEY,
    graph_id    TEXT NOT NULL DEFAULT '',
    plan_id     TEXT NOT NULL DEFAULT '',
    ok          BOOLEAN NOT NULL,
    record      JSONB NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flow_plans_graph_id ON flow_plans(graph_id);
CREATE INDEX IF NOT EXISTS idx_flow_runs_graph_id  ON flow_runs(graph_id);
CREATE INDEX IF NOT EXISTS idx_flow_runs_plan_id   ON flow_runs(plan_id);
`

// CreateSchema creates the flow_plans and flow_runs tables if they don't exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

// DropSchema drops the flow_runs and flow_plans tables.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS flow_runs, flow_plans CASCADE;`)
	return err
}
