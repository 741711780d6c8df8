package flowdag

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateNode checks a node's kind and kind-specific config.
func ValidateNode(n Node) error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}
	return nil
}

// Graph holds nodes and edges and keeps them a DAG.
// Every mutation either succeeds with the invariants intact or leaves the
// graph unchanged. Graph is safe for concurrent use.
type Graph struct {
	mu    sync.RWMutex
	id    string
	nodes []Node
	edges []Edge
}

// New creates an empty graph. An empty id gets a generated UUID.
func New(id string) *Graph {
	if id == "" {
		id = uuid.NewString()
	}
	return &Graph{id: id}
}

// Build replays a document through AddNode and AddEdge, so a document that
// would violate any invariant is rejected as a whole.
func Build(d *DAG) (*Graph, error) {
	g := New(d.ID)
	for _, n := range d.Nodes {
		if _, err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, e := range d.Edges {
		if _, err := g.AddEdge(e); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ID returns the graph id.
func (g *Graph) ID() string { return g.id }

// AddNode inserts a node. If node.ID is empty, a UUID is generated.
// Returns the node ID (generated or provided).
func (g *Graph) AddNode(node Node) (string, error) {
	if err := ValidateNode(node); err != nil {
		return "", err
	}
	if node.ID == "" {
		node.ID = uuid.NewString()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.nodeIndex(node.ID) >= 0 {
		return "", fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}
	g.nodes = append(g.nodes, node.clone())
	return node.ID, nil
}

// UpdateNode replaces the kind and config of an existing node. Edges are kept.
func (g *Graph) UpdateNode(node Node) error {
	if err := ValidateNode(node); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	i := g.nodeIndex(node.ID)
	if i < 0 {
		return ErrNodeNotFound
	}
	g.nodes[i] = node.clone()
	return nil
}

// CloneNode copies an existing node under a fresh id, without its edges.
func (g *Graph) CloneNode(id string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := g.nodeIndex(id)
	if i < 0 {
		return "", ErrNodeNotFound
	}
	cp := g.nodes[i].clone()
	cp.ID = uuid.NewString()
	g.nodes = append(g.nodes, cp)
	return cp.ID, nil
}

// RemoveNode deletes a node and every edge whose source or target is id.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := g.nodeIndex(id)
	if i < 0 {
		return ErrNodeNotFound
	}
	g.nodes = slices.Delete(g.nodes, i, i+1)
	g.edges = slices.DeleteFunc(g.edges, func(e Edge) bool {
		return e.Source == id || e.Target == id
	})
	return nil
}

// AddEdge inserts an edge after checking both endpoints exist and that it
// does not close a cycle. If edge.ID is empty, a UUID is generated.
// Returns the edge ID (generated or provided).
func (g *Graph) AddEdge(edge Edge) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if g.edgeIndex(edge.ID) >= 0 {
		return "", fmt.Errorf("%w: %s", ErrDuplicateEdge, edge.ID)
	}
	for _, id := range []string{edge.Source, edge.Target} {
		if g.nodeIndex(id) < 0 {
			return "", &ReferenceError{EdgeID: edge.ID, NodeID: id}
		}
	}
	if WouldCreateCycle(edge, g.edges) {
		return "", &CycleError{Source: edge.Source, Target: edge.Target}
	}

	g.edges = append(g.edges, edge)
	return edge.ID, nil
}

// RemoveEdge deletes an edge by its ID.
func (g *Graph) RemoveEdge(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := g.edgeIndex(id)
	if i < 0 {
		return ErrEdgeNotFound
	}
	g.edges = slices.Delete(g.edges, i, i+1)
	return nil
}

// Node fetches a node by its ID.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i := g.nodeIndex(id)
	if i < 0 {
		return Node{}, false
	}
	return g.nodes[i].clone(), true
}

// Nodes returns a copy of all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Node, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.clone()
	}
	return out
}

// Edges returns a copy of all edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.edges)
}

// DAG returns a detached snapshot suitable for running or compiling.
func (g *Graph) DAG() *DAG {
	g.mu.RLock()
	defer g.mu.RUnlock()

	d := &DAG{
		ID:    g.id,
		Nodes: make([]Node, len(g.nodes)),
		Edges: make([]Edge, len(g.edges)),
	}
	for i, n := range g.nodes {
		d.Nodes[i] = n.clone()
	}
	copy(d.Edges, g.edges)
	return d
}

func (g *Graph) nodeIndex(id string) int {
	return slices.IndexFunc(g.nodes, func(n Node) bool { return n.ID == id })
}

func (g *Graph) edgeIndex(id string) int {
	return slices.IndexFunc(g.edges, func(e Edge) bool { return e.ID == id })
}
