// Package compiler turns a graph snapshot into a wave-leveled flowdag.Plan and
// replays plans level by level.
package compiler

import (
	"cmp"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/meikuraledutech/flowdag"
)

type options struct {
	defaultModel string
	now          func() time.Time
}

// Option configures Compile.
type Option func(*options)

// WithDefaultModel sets the model baked into prompt nodes that have none.
// The default is flowdag.DefaultModel.
func WithDefaultModel(model string) Option {
	return func(o *options) {
		if model != "" {
			o.defaultModel = model
		}
	}
}

// WithClock overrides the plan creation time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Compile levels d with Kahn's algorithm. Level 0 holds the nodes without
// inbound edges; each following level holds the nodes whose last remaining
// dependency was in the previous level. Node order inside a level follows
// the snapshot order.
//
// Compile returns a *flowdag.CycleError when some nodes can never be leveled.
func Compile(d *flowdag.DAG, opts ...Option) (*flowdag.Plan, error) {
	o := options{defaultModel: flowdag.DefaultModel, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	ix := flowdag.NewIndex(d)
	levels, leftover := waves(ix)
	if len(leftover) > 0 {
		source, target := cycleEdge(ix, leftover)
		return nil, &flowdag.CycleError{Source: source, Target: target}
	}

	nodes := make([]flowdag.Node, 0, len(d.Nodes))
	for _, id := range ix.IDs() {
		n, _ := ix.Node(id)
		if n.Kind == flowdag.KindPrompt && n.Prompt != nil && n.Prompt.Model == "" {
			cfg := *n.Prompt
			cfg.Model = o.defaultModel
			n.Prompt = &cfg
		}
		nodes = append(nodes, n)
	}

	var entry []string
	if len(levels) > 0 {
		entry = levels[0]
	}

	return flowdag.NewPlan(flowdag.PlanSpec{
		ID:          uuid.NewString(),
		GraphID:     d.ID,
		Nodes:       nodes,
		Edges:       d.Edges,
		Levels:      levels,
		EntryPoints: entry,
		Sinks:       ix.Sinks(),
		CreatedAt:   o.now().UTC(),
	}), nil
}

// waves returns the levels and the ids that could not be leveled.
func waves(ix *flowdag.Index) (levels [][]string, leftover []string) {
	remaining := ix.InDegree()
	pos := make(map[string]int, len(ix.IDs()))
	var current []string
	for i, id := range ix.IDs() {
		pos[id] = i
		if remaining[id] == 0 {
			current = append(current, id)
		}
	}

	leveled := make(map[string]bool, len(ix.IDs()))
	for len(current) > 0 {
		levels = append(levels, current)
		for _, id := range current {
			leveled[id] = true
		}

		var next []string
		for _, id := range current {
			for _, e := range ix.Outbound(id) {
				remaining[e.Target]--
				if remaining[e.Target] == 0 {
					next = append(next, e.Target)
				}
			}
		}
		slices.SortFunc(next, func(a, b string) int { return cmp.Compare(pos[a], pos[b]) })
		current = next
	}

	for _, id := range ix.IDs() {
		if !leveled[id] {
			leftover = append(leftover, id)
		}
	}
	return levels, leftover
}

// cycleEdge returns an edge that lies on a cycle among the leftover nodes.
// Each leftover node keeps at least one inbound edge from another leftover
// node, so walking those edges backwards must revisit a node.
func cycleEdge(ix *flowdag.Index, leftover []string) (source, target string) {
	left := make(map[string]bool, len(leftover))
	for _, id := range leftover {
		left[id] = true
	}

	seen := map[string]bool{}
	cur := leftover[0]
	for {
		seen[cur] = true
		var prev string
		for _, e := range ix.Inbound(cur) {
			if left[e.Source] {
				prev = e.Source
				break
			}
		}
		if prev == "" {
			return "", cur
		}
		if seen[prev] {
			return prev, cur
		}
		cur = prev
	}
}
