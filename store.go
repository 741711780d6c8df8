package flowdag

import (
	"context"
	"time"
)

// RunRecord is the inspectable outcome of one run, from the runtime
// scheduler or from a compiled plan.
type RunRecord struct {
	ID           string                       `json:"id"`
	GraphID      string                       `json:"graphId,omitempty"`
	PlanID       string                       `json:"planId,omitempty"`
	OK           bool                         `json:"ok"`
	Aborted      bool                         `json:"aborted"`
	Error        string                       `json:"error,omitempty"`
	StartedAt    time.Time                    `json:"startedAt"`
	FinishedAt   time.Time                    `json:"finishedAt"`
	States       map[string]ExecutionState    `json:"states"`
	Handles      map[string]map[string]string `json:"handles,omitempty"`
	Output       any                          `json:"output,omitempty"`
	InputTokens  int                          `json:"inputTokens"`
	OutputTokens int                          `json:"outputTokens"`
}

// NewRunRecord captures the current contents of rc.
func NewRunRecord(rc *RunContext, startedAt, finishedAt time.Time) *RunRecord {
	in, out := rc.Tokens()
	return &RunRecord{
		ID:           rc.ID(),
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		States:       rc.States(),
		Handles:      rc.AllHandles(),
		InputTokens:  in,
		OutputTokens: out,
	}
}

// Store defines the contract for persisting compiled plans and run records.
// Graphs themselves are never persisted.
type Store interface {
	// Schema
	CreateSchema(ctx context.Context) error
	DropSchema(ctx context.Context) error

	// Plans
	SavePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, planID string) (*Plan, error)
	ListPlans(ctx context.Context, graphID string) ([]*Plan, error)
	DeletePlan(ctx context.Context, planID string) error

	// Runs
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, graphID string) ([]*RunRecord, error)
}
