package flowdag

import (
	"encoding/json"
	"slices"
	"time"
)

// Plan is a compiled, wave-leveled execution plan. It is immutable: accessors
// hand out copies.
type Plan struct {
	id          string
	graphID     string
	nodes       []Node
	edges       []Edge
	levels      [][]string
	entryPoints []string
	sinks       []string
	createdAt   time.Time
}

// PlanSpec carries the parts of a plan to NewPlan.
type PlanSpec struct {
	ID          string
	GraphID     string
	Nodes       []Node
	Edges       []Edge
	Levels      [][]string
	EntryPoints []string
	Sinks       []string
	CreatedAt   time.Time
}

// NewPlan freezes spec into a Plan. The slices are copied.
func NewPlan(spec PlanSpec) *Plan {
	p := &Plan{
		id:          spec.ID,
		graphID:     spec.GraphID,
		nodes:       make([]Node, len(spec.Nodes)),
		edges:       slices.Clone(spec.Edges),
		levels:      cloneLevels(spec.Levels),
		entryPoints: slices.Clone(spec.EntryPoints),
		sinks:       slices.Clone(spec.Sinks),
		createdAt:   spec.CreatedAt,
	}
	for i, n := range spec.Nodes {
		p.nodes[i] = n.clone()
	}
	return p
}

// ID returns the plan id.
func (p *Plan) ID() string { return p.id }

// GraphID returns the id of the graph the plan was compiled from.
func (p *Plan) GraphID() string { return p.graphID }

// CreatedAt returns the compile time in UTC.
func (p *Plan) CreatedAt() time.Time { return p.createdAt }

// Levels returns the dependency waves in execution order.
func (p *Plan) Levels() [][]string { return cloneLevels(p.levels) }

// EntryPoints returns the level-0 node ids.
func (p *Plan) EntryPoints() []string { return slices.Clone(p.entryPoints) }

// Sinks returns the node ids with no outgoing edges.
func (p *Plan) Sinks() []string { return slices.Clone(p.sinks) }

// DAG returns the graph the plan was compiled from.
func (p *Plan) DAG() *DAG {
	d := &DAG{
		ID:    p.graphID,
		Nodes: make([]Node, len(p.nodes)),
		Edges: slices.Clone(p.edges),
	}
	for i, n := range p.nodes {
		d.Nodes[i] = n.clone()
	}
	return d
}

type planJSON struct {
	ID          string     `json:"id"`
	GraphID     string     `json:"graphId"`
	Nodes       []Node     `json:"nodes"`
	Edges       []Edge     `json:"edges"`
	Levels      [][]string `json:"levels"`
	EntryPoints []string   `json:"entryPoints"`
	Sinks       []string   `json:"sinks"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// MarshalJSON encodes the plan with its levels, entry points and sinks.
func (p *Plan) MarshalJSON() ([]byte, error) {
	return json.Marshal(planJSON{
		ID:          p.id,
		GraphID:     p.graphID,
		Nodes:       p.nodes,
		Edges:       p.edges,
		Levels:      p.levels,
		EntryPoints: p.entryPoints,
		Sinks:       p.sinks,
		CreatedAt:   p.createdAt,
	})
}

// UnmarshalJSON decodes a plan written by MarshalJSON.
func (p *Plan) UnmarshalJSON(b []byte) error {
	var w planJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = *NewPlan(PlanSpec(w))
	return nil
}

func cloneLevels(levels [][]string) [][]string {
	out := make([][]string, len(levels))
	for i, l := range levels {
		out[i] = slices.Clone(l)
	}
	return out
}
