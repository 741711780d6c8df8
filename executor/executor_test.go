package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingGen captures the last request and answers with resp/err.
type recordingGen struct {
	got  llm.Request
	resp *llm.Response
	err  error
}

func (g *recordingGen) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	g.got = req
	if g.err != nil {
		return nil, g.err
	}
	return g.resp, nil
}

type handleLog map[string]map[string]string

func (h handleLog) RecordHandle(nodeID, handle, value string) {
	if h[nodeID] == nil {
		h[nodeID] = map[string]string{}
	}
	h[nodeID][handle] = value
}

func results(m map[string]any) func(string) (any, bool) {
	return func(id string) (any, bool) {
		v, ok := m[id]
		return v, ok
	}
}

func promptNode(id string, cfg flowdag.PromptConfig) flowdag.Node {
	return flowdag.Node{ID: id, Kind: flowdag.KindPrompt, Prompt: &cfg}
}

func TestPromptHandleOverride(t *testing.T) {
	gen := &recordingGen{resp: &llm.Response{OK: true, Output: "done", InputTokens: 5, OutputTokens: 3}}
	rec := handleLog{}
	node := promptNode("B", flowdag.PromptConfig{SystemPrompt: "be terse", UserPrompt: "ignored"})

	out, err := New(gen).Execute(context.Background(), Request{
		Node:     node,
		Inbound:  []flowdag.Edge{{ID: "e1", Source: "A", Target: "B", TargetHandle: flowdag.HandleUserPrompt}},
		Result:   results(map[string]any{"A": "hello"}),
		Recorder: rec,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", gen.got.UserPrompt)
	assert.Equal(t, "be terse", gen.got.SystemPrompt)
	assert.False(t, gen.got.ReturnAsJSON)
	assert.Equal(t, "done", out.Result)
	assert.Equal(t, 5, out.InputTokens)
	assert.Equal(t, 3, out.OutputTokens)
	assert.Equal(t, "hello", rec["B"][flowdag.HandleUserPrompt])
	assert.Equal(t, "ignored", node.Prompt.UserPrompt, "static config must not be mutated")
}

func TestPromptSystemHandleNormalizesObjects(t *testing.T) {
	gen := &recordingGen{resp: &llm.Response{OK: true, Output: "ok"}}
	node := promptNode("B", flowdag.PromptConfig{SystemPrompt: "static", UserPrompt: "u"})

	out, err := New(gen).Execute(context.Background(), Request{
		Node:    node,
		Inbound: []flowdag.Edge{{Source: "A", Target: "B", TargetHandle: flowdag.HandleSystemPrompt}},
		Result:  results(map[string]any{"A": map[string]any{"k": "v"}}),
	})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"k\": \"v\"\n}", gen.got.SystemPrompt)
	assert.Equal(t, "u", gen.got.UserPrompt)
	assert.Equal(t, 0, out.InputTokens)
}

func TestPromptTokenCounts(t *testing.T) {
	tests := []struct {
		name          string
		in, out       int
		wantIn, wantO int
	}{
		{"reported", 5, 3, 5, 3},
		{"reported zero", 4, 0, 4, 0},
		{"unavailable", flowdag.NoTokens, flowdag.NoTokens, flowdag.NoTokens, flowdag.NoTokens},
		{"negative", -7, 2, flowdag.NoTokens, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &recordingGen{resp: &llm.Response{OK: true, Output: "ok", InputTokens: tt.in, OutputTokens: tt.out}}
			out, err := New(gen).Execute(context.Background(), Request{
				Node: promptNode("B", flowdag.PromptConfig{UserPrompt: "u"}),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantIn, out.InputTokens)
			assert.Equal(t, tt.wantO, out.OutputTokens)
		})
	}
}

func TestPromptSourceHandleSelectsField(t *testing.T) {
	gen := &recordingGen{resp: &llm.Response{OK: true, Output: "ok"}}
	node := promptNode("B", flowdag.PromptConfig{UserPrompt: "u"})

	_, err := New(gen).Execute(context.Background(), Request{
		Node: node,
		Inbound: []flowdag.Edge{{
			Source: "A", Target: "B", SourceHandle: "title", TargetHandle: flowdag.HandleUserPrompt,
		}},
		Result: results(map[string]any{"A": map[string]any{"title": "T", "body": "B"}}),
	})
	require.NoError(t, err)
	assert.Equal(t, "T", gen.got.UserPrompt)
}

func TestPromptEntryInput(t *testing.T) {
	gen := &recordingGen{resp: &llm.Response{OK: true, Output: "ok"}}
	node := promptNode("A", flowdag.PromptConfig{UserPrompt: "static"})

	_, err := New(gen).Execute(context.Background(), Request{Node: node, Entry: "from caller", HasEntry: true})
	require.NoError(t, err)
	assert.Equal(t, "from caller", gen.got.UserPrompt)
}

func TestPromptJSONMode(t *testing.T) {
	t.Run("instruction appended and value returned", func(t *testing.T) {
		gen := &recordingGen{resp: &llm.Response{OK: true, Output: map[string]any{"a": 1.0}}}
		node := promptNode("A", flowdag.PromptConfig{SystemPrompt: "sys", UserPrompt: "u", ParseJSON: true, Model: "m"})

		out, err := New(gen).Execute(context.Background(), Request{Node: node})
		require.NoError(t, err)
		assert.Equal(t, "sys"+JSONInstruction, gen.got.SystemPrompt)
		assert.True(t, gen.got.ReturnAsJSON)
		assert.Equal(t, "m", gen.got.Model)
		assert.Equal(t, map[string]any{"a": 1.0}, out.Result)
	})

	t.Run("parse failure keeps raw text", func(t *testing.T) {
		gen := &recordingGen{resp: &llm.Response{OK: false, Output: "not json", Error: "bad json"}}
		node := promptNode("A", flowdag.PromptConfig{UserPrompt: "u", ParseJSON: true})

		out, err := New(gen).Execute(context.Background(), Request{Node: node})
		require.Error(t, err)
		assert.ErrorIs(t, err, flowdag.ErrParse)

		var perr *flowdag.ParseError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "not json", perr.Raw)
		require.NotNil(t, out)
		assert.Equal(t, "not json", out.Result)
	})
}

func TestPromptGeneratorErrors(t *testing.T) {
	node := promptNode("A", flowdag.PromptConfig{UserPrompt: "u"})

	tests := []struct {
		name   string
		genErr error
		is     error
	}{
		{"validation passes through", flowdag.ErrValidation, flowdag.ErrValidation},
		{"empty passes through", flowdag.ErrUpstreamEmpty, flowdag.ErrUpstreamEmpty},
		{"transport is wrapped", errors.New("connection reset"), flowdag.ErrExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&recordingGen{err: tt.genErr}).Execute(context.Background(), Request{Node: node})
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestPassthrough(t *testing.T) {
	node := flowdag.Node{ID: "C", Kind: flowdag.KindPassthrough}
	res := results(map[string]any{"A": "x", "B": "y"})

	t.Run("no inbound", func(t *testing.T) {
		out, err := New(nil).Execute(context.Background(), Request{Node: node, Result: res})
		require.NoError(t, err)
		assert.Nil(t, out.Result)
		assert.Equal(t, flowdag.NoTokens, out.InputTokens)
	})

	t.Run("no inbound with entry input", func(t *testing.T) {
		out, err := New(nil).Execute(context.Background(), Request{Node: node, Entry: "in", HasEntry: true})
		require.NoError(t, err)
		assert.Equal(t, "in", out.Result)
	})

	t.Run("single inbound is unchanged", func(t *testing.T) {
		obj := map[string]any{"k": "v"}
		out, err := New(nil).Execute(context.Background(), Request{
			Node:    node,
			Inbound: []flowdag.Edge{{Source: "A", Target: "C"}},
			Result:  results(map[string]any{"A": obj}),
		})
		require.NoError(t, err)
		assert.Equal(t, obj, out.Result)
	})

	t.Run("fan-in keeps edge order", func(t *testing.T) {
		out, err := New(nil).Execute(context.Background(), Request{
			Node:    node,
			Inbound: []flowdag.Edge{{Source: "A", Target: "C"}, {Source: "B", Target: "C"}},
			Result:  res,
		})
		require.NoError(t, err)
		assert.Equal(t, []any{"x", "y"}, out.Result)
	})
}

func TestExecuteUnknownKind(t *testing.T) {
	_, err := New(nil).Execute(context.Background(), Request{Node: flowdag.Node{ID: "x", Kind: "weird"}})
	assert.ErrorIs(t, err, flowdag.ErrExecution)
}

func TestExecuteRecoversPanic(t *testing.T) {
	gen := llm.GeneratorFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		panic("kaboom")
	})
	node := promptNode("A", flowdag.PromptConfig{UserPrompt: "u"})

	out, err := New(gen).Execute(context.Background(), Request{Node: node})
	assert.Nil(t, out)
	require.ErrorIs(t, err, flowdag.ErrExecution)
	assert.Contains(t, err.Error(), "kaboom")
}
