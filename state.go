package flowdag

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle position of a node within a run.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// NoTokens marks a usage counter that was not reported.
const NoTokens = -1

// ExecutionState is the runtime state of one node.
type ExecutionState struct {
	Status       Status    `json:"status"`
	Result       any       `json:"result"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"startedAt,omitzero"`
	FinishedAt   time.Time `json:"finishedAt,omitzero"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
}

// Terminal reports whether the node finished, successfully or not.
func (s ExecutionState) Terminal() bool {
	return s.Status == StatusDone || s.Status == StatusError
}

// RunContext owns everything one run mutates: per-node execution state, the
// result store and the values that reached each input handle. The caller
// creates it and may inspect it during and after the run.
//
// All methods are safe for concurrent use.
type RunContext struct {
	id string

	mu      sync.RWMutex
	states  map[string]ExecutionState
	results map[string]any
	handles map[string]map[string]string
}

// NewRunContext creates an empty run context with a generated id.
func NewRunContext() *RunContext {
	return &RunContext{
		id:      uuid.NewString(),
		states:  make(map[string]ExecutionState),
		results: make(map[string]any),
		handles: make(map[string]map[string]string),
	}
}

// ID returns the run id.
func (rc *RunContext) ID() string { return rc.id }

// Reset puts every listed node back to idle and clears results and handles.
func (rc *RunContext) Reset(nodeIDs []string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.states = make(map[string]ExecutionState, len(nodeIDs))
	rc.results = make(map[string]any, len(nodeIDs))
	rc.handles = make(map[string]map[string]string)
	for _, id := range nodeIDs {
		rc.states[id] = ExecutionState{
			Status:       StatusIdle,
			InputTokens:  NoTokens,
			OutputTokens: NoTokens,
		}
	}
}

// MarkRunning transitions a node to running and stamps its start time.
func (rc *RunContext) MarkRunning(id string, at time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.states[id] = ExecutionState{
		Status:       StatusRunning,
		StartedAt:    at,
		InputTokens:  NoTokens,
		OutputTokens: NoTokens,
	}
}

// MarkDone records a successful result in the result store and finishes the
// node's state.
func (rc *RunContext) MarkDone(id string, result any, inputTokens, outputTokens int, at time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	st := rc.states[id]
	st.Status = StatusDone
	st.Result = result
	st.Error = ""
	st.FinishedAt = at
	st.InputTokens = inputTokens
	st.OutputTokens = outputTokens
	rc.states[id] = st
	rc.results[id] = result
}

// MarkFailed finishes the node with an error. raw is kept on the state for
// inspection but never enters the result store.
func (rc *RunContext) MarkFailed(id string, msg string, raw any, at time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	st := rc.states[id]
	st.Status = StatusError
	st.Result = raw
	st.Error = msg
	st.FinishedAt = at
	rc.states[id] = st
}

// Result returns the recorded result of a successful node.
func (rc *RunContext) Result(id string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.results[id]
	return v, ok
}

// State returns the state of one node.
func (rc *RunContext) State(id string) (ExecutionState, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	st, ok := rc.states[id]
	return st, ok
}

// States returns a copy of every node's state.
func (rc *RunContext) States() map[string]ExecutionState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return maps.Clone(rc.states)
}

// RecordHandle stores the normalized value that reached a node's input handle.
func (rc *RunContext) RecordHandle(nodeID, handle, value string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	h, ok := rc.handles[nodeID]
	if !ok {
		h = make(map[string]string)
		rc.handles[nodeID] = h
	}
	h[handle] = value
}

// Handles returns the values recorded for one node's inputs.
func (rc *RunContext) Handles(nodeID string) map[string]string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return maps.Clone(rc.handles[nodeID])
}

// AllHandles returns every recorded input value keyed by node and handle.
func (rc *RunContext) AllHandles() map[string]map[string]string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	out := make(map[string]map[string]string, len(rc.handles))
	for id, h := range rc.handles {
		out[id] = maps.Clone(h)
	}
	return out
}

// Tokens sums the reported usage counters across all nodes.
func (rc *RunContext) Tokens() (input, output int) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	for _, st := range rc.states {
		if st.InputTokens > 0 {
			input += st.InputTokens
		}
		if st.OutputTokens > 0 {
			output += st.OutputTokens
		}
	}
	return input, output
}
