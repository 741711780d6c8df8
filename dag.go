package flowdag

// Kind tags the behavior a node runs with.
type Kind string

const (
	// KindPrompt calls the generation service.
	KindPrompt Kind = "prompt"
	// KindPassthrough forwards or fans in upstream results.
	KindPassthrough Kind = "passthrough"
)

// DefaultModel is used for prompt nodes that do not name a model.
const DefaultModel = "gemini-2.5-flash"

// Handle names understood by prompt nodes.
const (
	HandleSystemPrompt = "systemPrompt"
	HandleUserPrompt   = "userPrompt"
)

// PromptConfig is the static configuration of a prompt node.
type PromptConfig struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt"`
	UserPrompt   string `json:"userPrompt"`
	ParseJSON    bool   `json:"parseJson"`
}

// Node represents a step in the graph.
// ID is generated by AddNode when empty.
type Node struct {
	ID     string        `json:"id,omitempty"`
	Kind   Kind          `json:"kind" validate:"required,oneof=prompt passthrough"`
	Prompt *PromptConfig `json:"prompt,omitempty" validate:"required_if=Kind prompt"`
}

// Edge represents a directed data link between two nodes.
// SourceHandle selects a field of an object-valued source result; TargetHandle
// names the input slot of the target that receives the value.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// DAG is a serializable snapshot of a graph. Runs and compiles consume it;
// editing goes through Graph so the invariants hold.
type DAG struct {
	ID    string `json:"id"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// clone returns a deep copy of the node.
func (n Node) clone() Node {
	if n.Prompt != nil {
		p := *n.Prompt
		n.Prompt = &p
	}
	return n
}

// Index is a read-only adjacency view over a DAG snapshot.
type Index struct {
	order    []string
	nodes    map[string]Node
	inbound  map[string][]Edge
	outbound map[string][]Edge
}

// NewIndex builds adjacency for d. Edge order is preserved per node.
func NewIndex(d *DAG) *Index {
	ix := &Index{
		order:    make([]string, 0, len(d.Nodes)),
		nodes:    make(map[string]Node, len(d.Nodes)),
		inbound:  make(map[string][]Edge, len(d.Nodes)),
		outbound: make(map[string][]Edge, len(d.Nodes)),
	}
	for _, n := range d.Nodes {
		ix.order = append(ix.order, n.ID)
		ix.nodes[n.ID] = n
	}
	for _, e := range d.Edges {
		ix.outbound[e.Source] = append(ix.outbound[e.Source], e)
		ix.inbound[e.Target] = append(ix.inbound[e.Target], e)
	}
	return ix
}

// IDs returns node ids in snapshot order.
func (ix *Index) IDs() []string { return ix.order }

// Node looks up a node by id.
func (ix *Index) Node(id string) (Node, bool) {
	n, ok := ix.nodes[id]
	return n, ok
}

// Inbound returns the edges targeting id, in insertion order.
func (ix *Index) Inbound(id string) []Edge { return ix.inbound[id] }

// Outbound returns the edges leaving id, in insertion order.
func (ix *Index) Outbound(id string) []Edge { return ix.outbound[id] }

// InDegree counts inbound edges per node.
func (ix *Index) InDegree() map[string]int {
	deg := make(map[string]int, len(ix.order))
	for _, id := range ix.order {
		deg[id] = len(ix.inbound[id])
	}
	return deg
}

// Sinks returns the nodes with no outgoing edges, in snapshot order.
func (ix *Index) Sinks() []string {
	var sinks []string
	for _, id := range ix.order {
		if len(ix.outbound[id]) == 0 {
			sinks = append(sinks, id)
		}
	}
	return sinks
}

// SinkOutput shapes the final output of a run: the single sink's result when
// there is exactly one sink, otherwise a map from sink id to result.
func SinkOutput(sinks []string, result func(id string) (any, bool)) any {
	if len(sinks) == 1 {
		v, _ := result(sinks[0])
		return v
	}
	out := make(map[string]any, len(sinks))
	for _, id := range sinks {
		v, _ := result(id)
		out[id] = v
	}
	return out
}
