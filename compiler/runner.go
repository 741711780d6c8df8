package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/ctxlog"
	"github.com/meikuraledutech/flowdag/executor"
	"github.com/meikuraledutech/flowdag/metrics"
)

var tracer = otel.Tracer("flowdag.compiler")

// NodeExecutor runs a single node.
type NodeExecutor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Outcome, error)
}

// Runner replays compiled plans.
type Runner struct {
	exec     NodeExecutor
	logger   *slog.Logger
	maxLevel int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithLevelConcurrency caps how many nodes of one level run at once. Zero
// means the whole level runs in parallel.
func WithLevelConcurrency(n int) RunnerOption {
	return func(r *Runner) { r.maxLevel = n }
}

// NewRunner creates a runner.
func NewRunner(exec NodeExecutor, opts ...RunnerOption) *Runner {
	r := &Runner{exec: exec, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes plan level by level. Every node of a level runs concurrently
// and the level must complete before the next one starts. A failing node
// aborts the run: siblings already running finish and are recorded, queued
// siblings never start, and the returned error wraps the first
// *flowdag.NodeError.
//
// On success Run returns the single sink's result, or a map from sink id to
// result when the plan has several sinks. rc may be nil.
func (r *Runner) Run(ctx context.Context, plan *flowdag.Plan, inputs map[string]string, rc *flowdag.RunContext) (any, error) {
	if rc == nil {
		rc = flowdag.NewRunContext()
	}
	d := plan.DAG()
	ix := flowdag.NewIndex(d)
	rc.Reset(ix.IDs())

	logger := r.logger.With(slog.String("run_id", rc.ID()), slog.String("plan", plan.ID()))
	ctx = ctxlog.WithLogger(ctx, logger)

	ctx, span := tracer.Start(ctx, "compiler.Run",
		trace.WithAttributes(
			attribute.String("flowdag.run_id", rc.ID()),
			attribute.String("flowdag.plan", plan.ID()),
			attribute.String("flowdag.graph", plan.GraphID()),
		),
	)
	defer span.End()

	levels := plan.Levels()
	logger.Info("plan run started", slog.Int("levels", len(levels)), slog.Int("nodes", len(ix.IDs())))
	start := time.Now()

	for i, level := range levels {
		if err := r.runLevel(ctx, ix, i, level, rc, inputs); err != nil {
			took := time.Since(start)
			metrics.RunFinished(metrics.ModePlan, false, took)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("plan run aborted",
				slog.Int("level", i),
				slog.Duration("duration", took),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("compiler: run %s aborted: %w", rc.ID(), err)
		}
	}

	took := time.Since(start)
	metrics.RunFinished(metrics.ModePlan, true, took)
	span.SetStatus(codes.Ok, "")
	logger.Info("plan run completed", slog.Duration("duration", took))
	return flowdag.SinkOutput(plan.Sinks(), rc.Result), nil
}

func (r *Runner) runLevel(
	ctx context.Context,
	ix *flowdag.Index,
	n int,
	level []string,
	rc *flowdag.RunContext,
	inputs map[string]string,
) error {
	ctx, span := tracer.Start(ctx, "compiler.level",
		trace.WithAttributes(
			attribute.Int("flowdag.level", n),
			attribute.Int("flowdag.level_size", len(level)),
		),
	)
	defer span.End()

	var g errgroup.Group
	var failed atomic.Bool
	if r.maxLevel > 0 {
		g.SetLimit(r.maxLevel)
	}
	for _, id := range level {
		node, ok := ix.Node(id)
		if !ok {
			return &flowdag.NodeError{NodeID: id, Err: flowdag.ErrNodeNotFound}
		}
		entry, hasEntry := inputs[id]
		req := executor.Request{
			Node:     node,
			Inbound:  ix.Inbound(id),
			Result:   rc.Result,
			Entry:    entry,
			HasEntry: hasEntry,
			Recorder: rc,
		}

		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			rc.MarkRunning(id, time.Now())
			metrics.NodeStarted(metrics.ModePlan)
			begin := time.Now()

			out, err := r.execute(ctx, req)
			took := time.Since(begin)
			if err != nil {
				var raw any
				if out != nil {
					raw = out.Result
				}
				failed.Store(true)
				rc.MarkFailed(id, err.Error(), raw, time.Now())
				metrics.NodeFinished(metrics.ModePlan, string(node.Kind), string(flowdag.StatusError), took)
				return &flowdag.NodeError{NodeID: id, Err: err}
			}
			rc.MarkDone(id, out.Result, out.InputTokens, out.OutputTokens, time.Now())
			metrics.NodeFinished(metrics.ModePlan, string(node.Kind), string(flowdag.StatusDone), took)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, req executor.Request) (out *executor.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, &flowdag.ExecutionError{Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	out, err = r.exec.Execute(ctx, req)
	if err == nil && out == nil {
		err = &flowdag.ExecutionError{Err: errors.New("executor returned no outcome")}
	}
	return out, err
}
