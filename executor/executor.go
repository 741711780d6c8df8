// Package executor runs a single node: it resolves the node's inputs from
// upstream results and dispatches to the behavior of the node's kind.
package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/llm"
)

// JSONInstruction is appended to the system prompt of nodes that parse JSON.
const JSONInstruction = "\n\nReturn the response as single line JSON. You must not include any other text such as markdown or formatting."

// Inputs is what a node receives, resolved once per dispatch.
type Inputs struct {
	// Handles maps a target handle to the normalized value that reached it.
	Handles map[string]string
	// Values holds upstream results in inbound edge order.
	Values []any
	// Entry is the externally supplied input of an entry node.
	Entry    string
	HasEntry bool
}

// Outcome is a node's result and usage. Token counters are flowdag.NoTokens
// when not reported.
type Outcome struct {
	Result       any
	InputTokens  int
	OutputTokens int
}

// Behavior is the closed set of node kinds.
type Behavior interface {
	Execute(ctx context.Context, in *Inputs) (*Outcome, error)
}

// For maps a node to its behavior.
func For(node flowdag.Node, gen llm.Generator) (Behavior, error) {
	switch node.Kind {
	case flowdag.KindPrompt:
		if node.Prompt == nil {
			return nil, &flowdag.ExecutionError{Err: fmt.Errorf("prompt node %s has no config", node.ID)}
		}
		if gen == nil {
			return nil, &flowdag.ExecutionError{Err: errors.New("no generator configured")}
		}
		return &Prompt{Config: *node.Prompt, Gen: gen}, nil
	case flowdag.KindPassthrough:
		return Passthrough{}, nil
	default:
		return nil, &flowdag.ExecutionError{Err: fmt.Errorf("unknown node kind %q", node.Kind)}
	}
}

// Request describes one node dispatch.
type Request struct {
	Node flowdag.Node
	// Inbound are the edges targeting Node, in insertion order.
	Inbound []flowdag.Edge
	// Result looks up the recorded result of an upstream node.
	Result   func(id string) (any, bool)
	Entry    string
	HasEntry bool
	Recorder flowdag.HandleRecorder
}

// Resolve gathers upstream values for req.Node and records every value that
// reaches a named handle.
func Resolve(req Request) *Inputs {
	rec := req.Recorder
	if rec == nil {
		rec = flowdag.NopRecorder{}
	}

	in := &Inputs{
		Handles:  make(map[string]string),
		Values:   make([]any, 0, len(req.Inbound)),
		Entry:    req.Entry,
		HasEntry: req.HasEntry,
	}
	for _, e := range req.Inbound {
		var v any
		if req.Result != nil {
			v, _ = req.Result(e.Source)
		}
		v = flowdag.SelectSource(e, v)
		in.Values = append(in.Values, v)

		if e.TargetHandle == "" {
			continue
		}
		s := flowdag.Normalize(v)
		in.Handles[e.TargetHandle] = s
		rec.RecordHandle(req.Node.ID, e.TargetHandle, s)
	}
	return in
}

// Executor runs nodes against a generation service.
type Executor struct {
	gen llm.Generator
}

// New creates an executor. gen may be nil for graphs without prompt nodes.
func New(gen llm.Generator) *Executor {
	return &Executor{gen: gen}
}

// Execute runs one node. A panic inside the node is reported as an
// ExecutionError. On a ParseError the outcome is non-nil and carries the raw
// model text.
func (x *Executor) Execute(ctx context.Context, req Request) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &flowdag.ExecutionError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	b, err := For(req.Node, x.gen)
	if err != nil {
		return nil, err
	}
	return b.Execute(ctx, Resolve(req))
}

// Prompt calls the generation service.
type Prompt struct {
	Config flowdag.PromptConfig
	Gen    llm.Generator
}

// BuildRequest applies handle overrides and the entry input to the static
// config. The config itself is left untouched.
func (p *Prompt) BuildRequest(in *Inputs) llm.Request {
	system := p.Config.SystemPrompt
	if v, ok := in.Handles[flowdag.HandleSystemPrompt]; ok {
		system = v
	}
	user := p.Config.UserPrompt
	if v, ok := in.Handles[flowdag.HandleUserPrompt]; ok {
		user = v
	} else if in.HasEntry {
		user = in.Entry
	}
	if p.Config.ParseJSON {
		system += JSONInstruction
	}
	return llm.Request{
		Model:        p.Config.Model,
		SystemPrompt: system,
		UserPrompt:   user,
		ReturnAsJSON: p.Config.ParseJSON,
	}
}

// Execute calls the generation service. A response that is not OK becomes
// a *flowdag.ParseError whose outcome keeps the raw model text.
func (p *Prompt) Execute(ctx context.Context, in *Inputs) (*Outcome, error) {
	resp, err := p.Gen.Generate(ctx, p.BuildRequest(in))
	if err != nil {
		if errors.Is(err, flowdag.ErrValidation) || errors.Is(err, flowdag.ErrUpstreamEmpty) {
			return nil, err
		}
		return nil, &flowdag.ExecutionError{Err: err}
	}

	out := &Outcome{
		Result:       resp.Output,
		InputTokens:  reported(resp.InputTokens),
		OutputTokens: reported(resp.OutputTokens),
	}
	if !resp.OK {
		perr := &flowdag.ParseError{Raw: flowdag.Normalize(resp.Output)}
		if resp.Error != "" {
			perr.Err = errors.New(resp.Error)
		}
		return out, perr
	}
	return out, nil
}

// Passthrough forwards its input: nothing, the single upstream result, or
// the ordered list of upstream results.
type Passthrough struct{}

// Execute implements Behavior.
func (Passthrough) Execute(_ context.Context, in *Inputs) (*Outcome, error) {
	out := &Outcome{InputTokens: flowdag.NoTokens, OutputTokens: flowdag.NoTokens}
	switch len(in.Values) {
	case 0:
		if in.HasEntry {
			out.Result = in.Entry
		}
	case 1:
		out.Result = in.Values[0]
	default:
		out.Result = slices.Clone(in.Values)
	}
	return out, nil
}

// reported maps a negative usage count to flowdag.NoTokens and keeps
// everything else, zero included.
func reported(n int) int {
	if n < 0 {
		return flowdag.NoTokens
	}
	return n
}
