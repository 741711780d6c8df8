// Package memstore is an in-process flowdag.Store. Records are copied through
// their JSON encoding on the way in and out, so callers never share state
// with the store.
package memstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/meikuraledutech/flowdag"
)

var _ flowdag.Store = (*Store)(nil)

// Store keeps plans and runs in memory.
type Store struct {
	mu    sync.RWMutex
	plans map[string][]byte
	runs  map[string]runEntry
	// order of plan ids by insertion, for stable listings
	planOrder []string
}

type runEntry struct {
	graphID string
	data    []byte
	seq     int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		plans: make(map[string][]byte),
		runs:  make(map[string]runEntry),
	}
}

// CreateSchema is a no-op.
func (s *Store) CreateSchema(context.Context) error { return nil }

// DropSchema discards everything.
func (s *Store) DropSchema(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = make(map[string][]byte)
	s.runs = make(map[string]runEntry)
	s.planOrder = nil
	return nil
}

// SavePlan stores plan, replacing any plan with the same id.
func (s *Store) SavePlan(_ context.Context, plan *flowdag.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("flowdag: encode plan: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID()]; !ok {
		s.planOrder = append(s.planOrder, plan.ID())
	}
	s.plans[plan.ID()] = data
	return nil
}

// GetPlan returns nil, nil if not found.
func (s *Store) GetPlan(_ context.Context, planID string) (*flowdag.Plan, error) {
	s.mu.RLock()
	data, ok := s.plans[planID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodePlan(data)
}

// ListPlans returns the plans of graphID in save order.
func (s *Store) ListPlans(_ context.Context, graphID string) ([]*flowdag.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := []*flowdag.Plan{}
	for _, id := range s.planOrder {
		p, err := decodePlan(s.plans[id])
		if err != nil {
			return nil, err
		}
		if p.GraphID() == graphID {
			plans = append(plans, p)
		}
	}
	return plans, nil
}

// DeletePlan removes a plan. Deleting a missing plan is not an error.
func (s *Store) DeletePlan(_ context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, planID)
	s.planOrder = slices.DeleteFunc(s.planOrder, func(id string) bool { return id == planID })
	return nil
}

// SaveRun stores run, replacing any record with the same id.
func (s *Store) SaveRun(_ context.Context, run *flowdag.RunRecord) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("flowdag: encode run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[run.ID]
	if !ok {
		e.seq = len(s.runs)
	}
	e.graphID = run.GraphID
	e.data = data
	s.runs[run.ID] = e
	return nil
}

// GetRun returns nil, nil if not found.
func (s *Store) GetRun(_ context.Context, runID string) (*flowdag.RunRecord, error) {
	s.mu.RLock()
	e, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeRun(e.data)
}

// ListRuns returns the run records of graphID in save order.
func (s *Store) ListRuns(_ context.Context, graphID string) ([]*flowdag.RunRecord, error) {
	s.mu.RLock()
	var entries []runEntry
	for _, e := range s.runs {
		if e.graphID == graphID {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(entries, func(a, b runEntry) int { return cmp.Compare(a.seq, b.seq) })
	runs := make([]*flowdag.RunRecord, 0, len(entries))
	for _, e := range entries {
		r, err := decodeRun(e.data)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func decodePlan(data []byte) (*flowdag.Plan, error) {
	var p flowdag.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("flowdag: decode plan: %w", err)
	}
	return &p, nil
}

func decodeRun(data []byte) (*flowdag.RunRecord, error) {
	var r flowdag.RunRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("flowdag: decode run: %w", err)
	}
	return &r, nil
}
