// Package scheduler executes a graph at runtime, dispatching every node as
// soon as all of its predecessors have deposited a result.
//
// Each dispatched node runs in its own goroutine. Completions come back on a
// single channel consumed by Run, which is the only code that touches the
// scheduling state, so readiness bookkeeping needs no locks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/ctxlog"
	"github.com/meikuraledutech/flowdag/executor"
	"github.com/meikuraledutech/flowdag/metrics"
)

var tracer = otel.Tracer("flowdag.scheduler")

// NodeExecutor runs a single node.
type NodeExecutor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Outcome, error)
}

// Scheduler runs whole graphs against a NodeExecutor.
type Scheduler struct {
	exec           NodeExecutor
	logger         *slog.Logger
	maxConcurrency int
	nodeTimeout    time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxConcurrency caps the number of nodes in flight. Zero means no cap.
func WithMaxConcurrency(n int) Option {
	return func(s *Scheduler) { s.maxConcurrency = n }
}

// WithNodeTimeout bounds each node's execution. Zero means no bound.
func WithNodeTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.nodeTimeout = d }
}

// New creates a scheduler.
func New(exec NodeExecutor, opts ...Option) *Scheduler {
	s := &Scheduler{exec: exec, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report summarizes a finished run.
type Report struct {
	RunID      string
	Aborted    bool
	Failed     []string
	// Stranded lists nodes that never became ready in a run that did not
	// fail, which only happens when the snapshot holds a cycle.
	Stranded   []string
	States     map[string]flowdag.ExecutionState
	Output     any
	StartedAt  time.Time
	FinishedAt time.Time
}

type completion struct {
	id   string
	out  *executor.Outcome
	err  error
	took time.Duration
	at   time.Time
}

// Run executes d. rc is reset before the run and holds every node's state,
// result and recorded handle values afterwards; a nil rc gets a fresh one.
// inputs supplies values for entry nodes, keyed by node id.
//
// When a node fails the run is aborted: nothing new is dispatched, nodes
// already in flight drain and are recorded, and the returned error wraps the
// first *flowdag.NodeError.
func (s *Scheduler) Run(ctx context.Context, d *flowdag.DAG, rc *flowdag.RunContext, inputs map[string]string) (*Report, error) {
	if rc == nil {
		rc = flowdag.NewRunContext()
	}
	logger := s.logger.With(slog.String("run_id", rc.ID()), slog.String("graph", d.ID))
	ctx = ctxlog.WithLogger(ctx, logger)

	ctx, span := tracer.Start(ctx, "scheduler.Run",
		trace.WithAttributes(
			attribute.String("flowdag.run_id", rc.ID()),
			attribute.String("flowdag.graph", d.ID),
			attribute.Int("flowdag.node_count", len(d.Nodes)),
		),
	)
	defer span.End()

	ix := flowdag.NewIndex(d)
	rc.Reset(ix.IDs())
	remaining := ix.InDegree()

	var ready []string
	for _, id := range ix.IDs() {
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}
	if len(ready) == 0 && len(ix.IDs()) > 0 {
		// Unreachable for graphs built through flowdag.Graph.
		logger.Error("no node without dependencies, dispatching every node",
			slog.Int("nodes", len(ix.IDs())),
		)
		ready = slices.Clone(ix.IDs())
	}
	enqueued := make(map[string]bool, len(ix.IDs()))
	for _, id := range ready {
		enqueued[id] = true
	}

	logger.Info("run started", slog.Int("nodes", len(ix.IDs())), slog.Any("ready", ready))
	start := time.Now()

	done := make(chan completion)
	inFlight := 0
	aborted := false
	var failed []string
	var firstErr error

	for {
		for !aborted && len(ready) > 0 && (s.maxConcurrency <= 0 || inFlight < s.maxConcurrency) {
			id := ready[0]
			ready = ready[1:]
			s.dispatch(ctx, ix, id, rc, inputs, done)
			inFlight++
		}
		if inFlight == 0 {
			break
		}

		c := <-done
		inFlight--
		kind := kindOf(ix, c.id)

		if c.err != nil {
			var raw any
			if c.out != nil {
				raw = c.out.Result
			}
			rc.MarkFailed(c.id, c.err.Error(), raw, c.at)
			metrics.NodeFinished(metrics.ModeRuntime, kind, string(flowdag.StatusError), c.took)
			logger.Error("node failed",
				slog.String("node", c.id),
				slog.Duration("duration", c.took),
				slog.String("error", c.err.Error()),
				slog.Int("in_flight", inFlight),
			)
			failed = append(failed, c.id)
			if firstErr == nil {
				firstErr = &flowdag.NodeError{NodeID: c.id, Err: c.err}
			}
			aborted = true
			continue
		}

		rc.MarkDone(c.id, c.out.Result, c.out.InputTokens, c.out.OutputTokens, c.at)
		metrics.NodeFinished(metrics.ModeRuntime, kind, string(flowdag.StatusDone), c.took)
		logger.Debug("node done", slog.String("node", c.id), slog.Duration("duration", c.took))

		if aborted {
			continue
		}
		for _, e := range ix.Outbound(c.id) {
			remaining[e.Target]--
			if remaining[e.Target] > 0 || enqueued[e.Target] {
				continue
			}
			if !predecessorsDone(ix, e.Target, rc) {
				continue
			}
			enqueued[e.Target] = true
			ready = append(ready, e.Target)
		}
	}

	var stranded []string
	if !aborted {
		for _, id := range ix.IDs() {
			if !enqueued[id] {
				stranded = append(stranded, id)
			}
		}
	}

	rep := &Report{
		RunID:      rc.ID(),
		Aborted:    aborted,
		Failed:     failed,
		Stranded:   stranded,
		States:     rc.States(),
		StartedAt:  start,
		FinishedAt: time.Now(),
	}
	duration := rep.FinishedAt.Sub(start)
	metrics.RunFinished(metrics.ModeRuntime, !aborted && len(stranded) == 0, duration)

	if aborted {
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, firstErr.Error())
		logger.Error("run aborted", slog.Any("failed", failed), slog.Duration("duration", duration))
		return rep, fmt.Errorf("scheduler: run %s aborted: %w", rc.ID(), firstErr)
	}

	if len(stranded) > 0 {
		err := fmt.Errorf("scheduler: run %s: %w: nodes never became ready: %v", rc.ID(), flowdag.ErrCycle, stranded)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("run left nodes undispatched", slog.Any("stranded", stranded), slog.Duration("duration", duration))
		return rep, err
	}

	rep.Output = flowdag.SinkOutput(ix.Sinks(), rc.Result)
	span.SetStatus(codes.Ok, "")
	logger.Info("run completed", slog.Duration("duration", duration))
	return rep, nil
}

// dispatch marks id running and starts it. The outcome is sent on done.
func (s *Scheduler) dispatch(
	ctx context.Context,
	ix *flowdag.Index,
	id string,
	rc *flowdag.RunContext,
	inputs map[string]string,
	done chan<- completion,
) {
	node, _ := ix.Node(id)
	entry, hasEntry := inputs[id]
	req := executor.Request{
		Node:     node,
		Inbound:  ix.Inbound(id),
		Result:   rc.Result,
		Entry:    entry,
		HasEntry: hasEntry,
		Recorder: rc,
	}

	rc.MarkRunning(id, time.Now())
	metrics.NodeStarted(metrics.ModeRuntime)

	go func() {
		nodeCtx, span := tracer.Start(ctx, "scheduler.node",
			trace.WithAttributes(
				attribute.String("flowdag.node", id),
				attribute.String("flowdag.kind", string(node.Kind)),
			),
		)
		defer span.End()

		if s.nodeTimeout > 0 {
			var cancel context.CancelFunc
			nodeCtx, cancel = context.WithTimeout(nodeCtx, s.nodeTimeout)
			defer cancel()
		}

		start := time.Now()
		out, err := s.execute(nodeCtx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		done <- completion{id: id, out: out, err: err, took: time.Since(start), at: time.Now()}
	}()
}

// execute shields the run loop from panics and nil outcomes.
func (s *Scheduler) execute(ctx context.Context, req executor.Request) (out *executor.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &flowdag.ExecutionError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	out, err = s.exec.Execute(ctx, req)
	if err == nil && out == nil {
		err = &flowdag.ExecutionError{Err: errors.New("executor returned no outcome")}
	}
	return out, err
}

func predecessorsDone(ix *flowdag.Index, id string, rc *flowdag.RunContext) bool {
	for _, e := range ix.Inbound(id) {
		if _, ok := rc.Result(e.Source); !ok {
			return false
		}
	}
	return true
}

func kindOf(ix *flowdag.Index, id string) string {
	n, _ := ix.Node(id)
	return string(n.Kind)
}
