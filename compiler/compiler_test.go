package compiler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/executor"
	"github.com/meikuraledutech/flowdag/llm"
	"github.com/meikuraledutech/flowdag/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pass(id string) flowdag.Node {
	return flowdag.Node{ID: id, Kind: flowdag.KindPassthrough}
}

func prompt(id, user string) flowdag.Node {
	return flowdag.Node{ID: id, Kind: flowdag.KindPrompt, Prompt: &flowdag.PromptConfig{UserPrompt: user}}
}

func snapshot(t *testing.T, nodes []flowdag.Node, edges []flowdag.Edge) *flowdag.DAG {
	t.Helper()
	g, err := flowdag.Build(&flowdag.DAG{ID: "g", Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	return g.DAG()
}

// concatGen is deterministic: it echoes "system/user".
var concatGen = llm.GeneratorFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{OK: true, Output: req.SystemPrompt + "/" + req.UserPrompt, InputTokens: 1, OutputTokens: 1}, nil
})

func TestCompileDiamond(t *testing.T) {
	d := snapshot(t,
		[]flowdag.Node{pass("A"), pass("B"), pass("C"), pass("D")},
		[]flowdag.Edge{
			{Source: "A", Target: "C"},
			{Source: "A", Target: "B"},
			{Source: "B", Target: "D"},
			{Source: "C", Target: "D"},
		},
	)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	plan, err := Compile(d, WithClock(func() time.Time { return created }))
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, plan.Levels())
	assert.Equal(t, []string{"A"}, plan.EntryPoints())
	assert.Equal(t, []string{"D"}, plan.Sinks())
	assert.Equal(t, "g", plan.GraphID())
	assert.Equal(t, created, plan.CreatedAt())
	assert.NotEmpty(t, plan.ID())
}

func TestCompileIndependentNodesShareLevelZero(t *testing.T) {
	d := snapshot(t, []flowdag.Node{pass("A"), pass("B"), pass("C")}, []flowdag.Edge{{Source: "A", Target: "C"}})

	plan, err := Compile(d)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, plan.Levels())
	assert.Equal(t, []string{"B", "C"}, plan.Sinks())
}

func TestCompileEmptyGraph(t *testing.T) {
	plan, err := Compile(&flowdag.DAG{ID: "empty"})
	require.NoError(t, err)
	assert.Empty(t, plan.Levels())
	assert.Empty(t, plan.EntryPoints())
}

func TestCompileBakesDefaultModel(t *testing.T) {
	withModel := flowdag.Node{ID: "B", Kind: flowdag.KindPrompt, Prompt: &flowdag.PromptConfig{Model: "custom", UserPrompt: "u"}}
	d := snapshot(t, []flowdag.Node{prompt("A", "u"), withModel}, nil)

	tests := []struct {
		name string
		opts []Option
		want string
	}{
		{"builtin default", nil, flowdag.DefaultModel},
		{"configured default", []Option{WithDefaultModel("gpt-4o-mini")}, "gpt-4o-mini"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Compile(d, tt.opts...)
			require.NoError(t, err)
			nodes := plan.DAG().Nodes
			assert.Equal(t, tt.want, nodes[0].Prompt.Model)
			assert.Equal(t, "custom", nodes[1].Prompt.Model)
		})
	}
	assert.Empty(t, d.Nodes[0].Prompt.Model, "snapshot must not be mutated")
}

func TestCompileRejectsCycle(t *testing.T) {
	d := &flowdag.DAG{
		ID:    "cyclic",
		Nodes: []flowdag.Node{pass("A"), pass("B"), pass("C")},
		Edges: []flowdag.Edge{{Source: "A", Target: "B"}, {Source: "B", Target: "C"}, {Source: "C", Target: "B"}},
	}

	_, err := Compile(d)
	require.ErrorIs(t, err, flowdag.ErrCycle)
	var cerr *flowdag.CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "B", cerr.Source)
	assert.Equal(t, "C", cerr.Target)
}

func TestCompileCycleErrorNamesEdgeOnCycle(t *testing.T) {
	// D hangs off the B/C cycle and comes first in the snapshot.
	d := &flowdag.DAG{
		ID:    "cyclic",
		Nodes: []flowdag.Node{pass("D"), pass("A"), pass("B"), pass("C")},
		Edges: []flowdag.Edge{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "C"},
			{Source: "C", Target: "B"},
			{Source: "C", Target: "D"},
		},
	}

	_, err := Compile(d)
	var cerr *flowdag.CycleError
	require.ErrorAs(t, err, &cerr)
	onCycle := map[[2]string]bool{{"B", "C"}: true, {"C", "B"}: true}
	assert.True(t, onCycle[[2]string{cerr.Source, cerr.Target}], "got %s -> %s", cerr.Source, cerr.Target)
}

func randomGraph(t *testing.T, r *rand.Rand, n, m int) *flowdag.DAG {
	t.Helper()
	handles := []string{"", flowdag.HandleUserPrompt, flowdag.HandleSystemPrompt}
	g := flowdag.New(fmt.Sprintf("random-%d", r.Int()))
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("n%d", i)
		node := pass(id)
		if r.Intn(2) == 0 {
			node = prompt(id, "static "+id)
		}
		_, err := g.AddNode(node)
		require.NoError(t, err)
	}
	for i := 0; i < m; i++ {
		e := flowdag.Edge{
			Source:       fmt.Sprintf("n%d", r.Intn(n)),
			Target:       fmt.Sprintf("n%d", r.Intn(n)),
			TargetHandle: handles[r.Intn(len(handles))],
		}
		if _, err := g.AddEdge(e); err != nil {
			require.ErrorIs(t, err, flowdag.ErrCycle)
		}
	}
	return g.DAG()
}

func TestLevelsRespectDependencies(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		d := randomGraph(t, r, 10, 25)
		plan, err := Compile(d)
		require.NoError(t, err)

		level := map[string]int{}
		for i, l := range plan.Levels() {
			for _, id := range l {
				_, seen := level[id]
				require.False(t, seen, "%s leveled twice", id)
				level[id] = i
			}
		}
		assert.Len(t, level, len(d.Nodes))
		for _, e := range d.Edges {
			assert.Less(t, level[e.Source], level[e.Target])
		}
	}
}

func TestPlanMatchesRuntimeScheduler(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	exec := executor.New(concatGen)

	for round := 0; round < 25; round++ {
		d := randomGraph(t, r, 8, 16)
		plan, err := Compile(d)
		require.NoError(t, err)

		inputs := map[string]string{}
		for _, id := range plan.EntryPoints() {
			inputs[id] = "in-" + id
		}

		rep, err := scheduler.New(exec).Run(context.Background(), d, nil, inputs)
		require.NoError(t, err)
		got, err := NewRunner(exec).Run(context.Background(), plan, inputs, nil)
		require.NoError(t, err)

		assert.Equal(t, rep.Output, got, "round %d", round)
	}
}

func TestRunnerScenarioA(t *testing.T) {
	d := snapshot(t,
		[]flowdag.Node{prompt("A", "start"), {ID: "B", Kind: flowdag.KindPrompt, Prompt: &flowdag.PromptConfig{SystemPrompt: "sys", UserPrompt: "x"}}},
		[]flowdag.Edge{{Source: "A", Target: "B", TargetHandle: flowdag.HandleUserPrompt}},
	)
	plan, err := Compile(d)
	require.NoError(t, err)

	rc := flowdag.NewRunContext()
	out, err := NewRunner(executor.New(concatGen)).Run(context.Background(), plan, map[string]string{"A": "hello"}, rc)
	require.NoError(t, err)

	assert.Equal(t, "sys//hello", out)
	assert.Equal(t, "/hello", rc.Handles("B")[flowdag.HandleUserPrompt])
	in, outTokens := rc.Tokens()
	assert.Equal(t, 2, in)
	assert.Equal(t, 2, outTokens)
}

type funcExec func(ctx context.Context, req executor.Request) (*executor.Outcome, error)

func (f funcExec) Execute(ctx context.Context, req executor.Request) (*executor.Outcome, error) {
	return f(ctx, req)
}

func TestRunnerAbortsOnFailure(t *testing.T) {
	d := snapshot(t,
		[]flowdag.Node{pass("A"), pass("B"), pass("C")},
		[]flowdag.Edge{{Source: "A", Target: "C"}, {Source: "B", Target: "C"}},
	)
	plan, err := Compile(d)
	require.NoError(t, err)

	var mu sync.Mutex
	ran := map[string]bool{}
	exec := funcExec(func(ctx context.Context, req executor.Request) (*executor.Outcome, error) {
		mu.Lock()
		ran[req.Node.ID] = true
		mu.Unlock()
		if req.Node.ID == "B" {
			return nil, errors.New("b failed")
		}
		return &executor.Outcome{Result: req.Node.ID}, nil
	})

	rc := flowdag.NewRunContext()
	out, err := NewRunner(exec).Run(context.Background(), plan, nil, rc)
	require.Error(t, err)
	assert.Nil(t, out)

	var nerr *flowdag.NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "B", nerr.NodeID)
	assert.Contains(t, err.Error(), "b failed")

	assert.False(t, ran["C"], "later levels must not start")
	st, _ := rc.State("C")
	assert.Equal(t, flowdag.StatusIdle, st.Status)
	st, _ = rc.State("B")
	assert.Equal(t, flowdag.StatusError, st.Status)
}

func TestRunnerFailureLetsRunningSiblingsFinish(t *testing.T) {
	d := snapshot(t,
		[]flowdag.Node{pass("A"), pass("B"), pass("C")},
		[]flowdag.Edge{{Source: "A", Target: "C"}, {Source: "B", Target: "C"}},
	)
	plan, err := Compile(d)
	require.NoError(t, err)

	started := make(chan struct{})
	exec := funcExec(func(ctx context.Context, req executor.Request) (*executor.Outcome, error) {
		switch req.Node.ID {
		case "A":
			<-started
			return nil, errors.New("a failed")
		case "B":
			close(started)
			select {
			case <-time.After(50 * time.Millisecond):
				return &executor.Outcome{Result: "slow"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &executor.Outcome{Result: req.Node.ID}, nil
	})

	rc := flowdag.NewRunContext()
	_, err = NewRunner(exec).Run(context.Background(), plan, nil, rc)
	require.Error(t, err)

	var nerr *flowdag.NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "A", nerr.NodeID)

	st, _ := rc.State("B")
	assert.Equal(t, flowdag.StatusDone, st.Status)
	assert.Empty(t, st.Error)
	got, ok := rc.Result("B")
	assert.True(t, ok)
	assert.Equal(t, "slow", got)
	st, _ = rc.State("C")
	assert.Equal(t, flowdag.StatusIdle, st.Status)
}

func TestRunnerFailureSkipsQueuedSiblings(t *testing.T) {
	d := snapshot(t, []flowdag.Node{pass("A"), pass("B"), pass("C")}, nil)
	plan, err := Compile(d)
	require.NoError(t, err)

	var mu sync.Mutex
	ran := map[string]bool{}
	exec := funcExec(func(ctx context.Context, req executor.Request) (*executor.Outcome, error) {
		mu.Lock()
		ran[req.Node.ID] = true
		mu.Unlock()
		if req.Node.ID == "A" {
			return nil, errors.New("a failed")
		}
		return &executor.Outcome{Result: req.Node.ID}, nil
	})

	rc := flowdag.NewRunContext()
	_, err = NewRunner(exec, WithLevelConcurrency(1)).Run(context.Background(), plan, nil, rc)
	require.Error(t, err)

	assert.True(t, ran["A"])
	assert.False(t, ran["B"])
	assert.False(t, ran["C"])
	for _, id := range []string{"B", "C"} {
		st, _ := rc.State(id)
		assert.Equal(t, flowdag.StatusIdle, st.Status, id)
	}
}

func TestRunnerParseFailure(t *testing.T) {
	node := flowdag.Node{ID: "J", Kind: flowdag.KindPrompt, Prompt: &flowdag.PromptConfig{UserPrompt: "u", ParseJSON: true}}
	plan, err := Compile(snapshot(t, []flowdag.Node{node}, nil))
	require.NoError(t, err)

	gen := llm.GeneratorFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{OK: false, Output: "nope", Error: "flowdag: error parsing JSON response from model: invalid"}, nil
	})
	rc := flowdag.NewRunContext()
	_, err = NewRunner(executor.New(gen)).Run(context.Background(), plan, nil, rc)
	require.ErrorIs(t, err, flowdag.ErrParse)

	st, _ := rc.State("J")
	assert.Equal(t, "nope", st.Result)
}

func TestRunnerLevelConcurrency(t *testing.T) {
	d := snapshot(t, []flowdag.Node{pass("A"), pass("B"), pass("C")}, nil)
	plan, err := Compile(d)
	require.NoError(t, err)

	var mu sync.Mutex
	cur, peak := 0, 0
	exec := funcExec(func(ctx context.Context, req executor.Request) (*executor.Outcome, error) {
		mu.Lock()
		cur++
		peak = max(peak, cur)
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		cur--
		mu.Unlock()
		return &executor.Outcome{Result: req.Node.ID}, nil
	})

	out, err := NewRunner(exec, WithLevelConcurrency(1)).Run(context.Background(), plan, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, peak)
	assert.Equal(t, map[string]any{"A": "A", "B": "B", "C": "C"}, out)
}
