package flowdag

import (
	"errors"
	"fmt"
)

var (
	ErrCycle         = errors.New("flowdag: cycle detected, graph is not acyclic")
	ErrReference     = errors.New("flowdag: edge endpoint not found")
	ErrNodeNotFound  = errors.New("flowdag: node not found")
	ErrEdgeNotFound  = errors.New("flowdag: edge not found")
	ErrDuplicateNode = errors.New("flowdag: duplicate node id")
	ErrDuplicateEdge = errors.New("flowdag: duplicate edge id")
	ErrInvalidNode   = errors.New("flowdag: invalid node")

	// Execution-time failures.
	ErrValidation    = errors.New("flowdag: required prompt text missing")
	ErrUpstreamEmpty = errors.New("flowdag: no response from model")
	ErrParse         = errors.New("flowdag: error parsing JSON response from model")
	ErrExecution     = errors.New("flowdag: node execution failed")
)

// CycleError reports an edge that would close a cycle.
type CycleError struct {
	Source string
	Target string
}

// Error names the rejected edge.
func (e *CycleError) Error() string {
	if e.Source == e.Target {
		return fmt.Sprintf("flowdag: self-referential edge on %q", e.Source)
	}
	return fmt.Sprintf("flowdag: edge %q -> %q would create a cycle", e.Source, e.Target)
}

// Unwrap returns ErrCycle.
func (e *CycleError) Unwrap() error { return ErrCycle }

// ReferenceError reports an edge endpoint that does not exist.
type ReferenceError struct {
	EdgeID string
	NodeID string
}

// Error names the edge and the missing endpoint.
func (e *ReferenceError) Error() string {
	return fmt.Sprintf("flowdag: edge %q references unknown node %q", e.EdgeID, e.NodeID)
}

// Unwrap returns ErrReference.
func (e *ReferenceError) Unwrap() error { return ErrReference }

// ParseError is returned when a JSON-mode node produced text that is not JSON.
// Raw keeps the text for inspection.
type ParseError struct {
	Raw string
	Err error
}

// Error reports the parse failure.
func (e *ParseError) Error() string {
	if e.Err == nil {
		return ErrParse.Error()
	}
	return e.Err.Error()
}

// Unwrap returns ErrParse and the decoder error.
func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// ExecutionError is an uncategorized failure inside a node, such as a
// transport fault or a recovered panic.
type ExecutionError struct {
	Err error
}

// Error reports the execution failure.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", ErrExecution.Error(), e.Err)
}

// Unwrap returns ErrExecution and the cause.
func (e *ExecutionError) Unwrap() []error { return []error{ErrExecution, e.Err} }

// NodeError attaches the failing node id to an execution error.
type NodeError struct {
	NodeID string
	Err    error
}

// Error prefixes the cause with the node id.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

// Unwrap returns the cause.
func (e *NodeError) Unwrap() error { return e.Err }
