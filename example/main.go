package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/compiler"
	"github.com/meikuraledutech/flowdag/executor"
	"github.com/meikuraledutech/flowdag/llm"
	"github.com/meikuraledutech/flowdag/memstore"
	"github.com/meikuraledutech/flowdag/scheduler"
)

func main() {
	ctx := context.Background()

	// Use a real model when a key is set, otherwise a local stand-in.
	var gen llm.Generator = llm.GeneratorFunc(fakeModel)
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		gen = llm.NewService(llm.NewOpenAI(key, llm.GeminiBaseURL))
	}

	var store flowdag.Store = memstore.New()
	if err := store.CreateSchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}

	// ── Build: outline → draft, outline → title, both → review ────────
	g := flowdag.New("blog-post")
	outline := mustAdd(g, flowdag.Node{Kind: flowdag.KindPrompt, Prompt: &flowdag.PromptConfig{
		SystemPrompt: "Write a three point outline.",
		UserPrompt:   "Go generics",
	}})
	draft := mustAdd(g, flowdag.Node{Kind: flowdag.KindPrompt, Prompt: &flowdag.PromptConfig{
		SystemPrompt: "Expand the outline into a short post.",
	}})
	title := mustAdd(g, flowdag.Node{Kind: flowdag.KindPrompt, Prompt: &flowdag.PromptConfig{
		SystemPrompt: "Suggest a title for this outline.",
	}})
	review := mustAdd(g, flowdag.Node{Kind: flowdag.KindPassthrough})

	mustConnect(g, flowdag.Edge{Source: outline, Target: draft, TargetHandle: flowdag.HandleUserPrompt})
	mustConnect(g, flowdag.Edge{Source: outline, Target: title, TargetHandle: flowdag.HandleUserPrompt})
	mustConnect(g, flowdag.Edge{Source: draft, Target: review})
	mustConnect(g, flowdag.Edge{Source: title, Target: review})

	// ── Cycle guard: review → outline is rejected ─────────────────────
	_, err := g.AddEdge(flowdag.Edge{Source: review, Target: outline})
	var cerr *flowdag.CycleError
	if errors.As(err, &cerr) {
		fmt.Printf("rejected: %v\n", cerr)
	}

	// ── Runtime scheduler ─────────────────────────────────────────────
	exec := executor.New(gen)
	rc := flowdag.NewRunContext()
	rep, err := scheduler.New(exec).Run(ctx, g.DAG(), rc, nil)
	if err != nil {
		log.Fatalf("run: %v", err)
	}
	fmt.Println("\nruntime output:")
	printJSON(rep.Output)
	fmt.Println("values that reached the draft node:")
	printJSON(rc.Handles(draft))

	// ── Compile, store, replay ────────────────────────────────────────
	plan, err := compiler.Compile(g.DAG())
	if err != nil {
		log.Fatalf("compile: %v", err)
	}
	if err := store.SavePlan(ctx, plan); err != nil {
		log.Fatalf("save plan: %v", err)
	}
	fmt.Printf("\nplan %s levels: %v\n", plan.ID(), plan.Levels())

	loaded, err := store.GetPlan(ctx, plan.ID())
	if err != nil {
		log.Fatalf("get plan: %v", err)
	}
	out, err := compiler.NewRunner(exec).Run(ctx, loaded, nil, nil)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	fmt.Println("plan output:")
	printJSON(out)
}

func fakeModel(_ context.Context, req llm.Request) (*llm.Response, error) {
	first, _, _ := strings.Cut(req.SystemPrompt, " ")
	return &llm.Response{
		OK:           true,
		Output:       fmt.Sprintf("[%s] %s", strings.ToLower(first), req.UserPrompt),
		InputTokens:  len(req.UserPrompt) / 4,
		OutputTokens: 8,
	}, nil
}

func mustAdd(g *flowdag.Graph, n flowdag.Node) string {
	id, err := g.AddNode(n)
	if err != nil {
		log.Fatalf("add node: %v", err)
	}
	return id
}

func mustConnect(g *flowdag.Graph, e flowdag.Edge) {
	if _, err := g.AddEdge(e); err != nil {
		log.Fatalf("add edge: %v", err)
	}
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
