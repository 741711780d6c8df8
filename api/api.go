// Package api exposes graph editing, runs, compiled plans and the
// generation-service contract over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/compiler"
	"github.com/meikuraledutech/flowdag/executor"
	"github.com/meikuraledutech/flowdag/llm"
	"github.com/meikuraledutech/flowdag/scheduler"
)

// Server holds the in-memory graphs and the collaborators every handler
// needs.
type Server struct {
	store  flowdag.Store
	gen    llm.Generator
	sched  *scheduler.Scheduler
	runner *compiler.Runner
	logger *slog.Logger

	defaultModel string
	schedOpts    []scheduler.Option

	mu     sync.RWMutex
	graphs map[string]*flowdag.Graph
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDefaultModel sets the model compiled into prompt nodes that have none.
func WithDefaultModel(model string) Option {
	return func(s *Server) { s.defaultModel = model }
}

// WithSchedulerOptions passes options to the runtime scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(s *Server) { s.schedOpts = append(s.schedOpts, opts...) }
}

// New creates a server. gen may be nil when only passthrough graphs run.
func New(store flowdag.Store, gen llm.Generator, opts ...Option) *Server {
	s := &Server{
		store:        store,
		gen:          gen,
		logger:       slog.Default(),
		defaultModel: flowdag.DefaultModel,
		graphs:       make(map[string]*flowdag.Graph),
	}
	for _, opt := range opts {
		opt(s)
	}

	exec := executor.New(gen)
	s.sched = scheduler.New(exec, append([]scheduler.Option{scheduler.WithLogger(s.logger)}, s.schedOpts...)...)
	s.runner = compiler.NewRunner(exec, compiler.WithLogger(s.logger))
	return s
}

// Register mounts every route on app.
func (s *Server) Register(app *fiber.App) {
	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// ── Graphs ────────────────────────────────────────────────────────
	app.Post("/graphs", s.createGraph)
	app.Get("/graphs/:id", s.getGraph)
	app.Delete("/graphs/:id", s.deleteGraph)

	// ── Nodes ─────────────────────────────────────────────────────────
	app.Post("/graphs/:id/nodes", s.addNode)
	app.Put("/graphs/:id/nodes/:nodeId", s.updateNode)
	app.Post("/graphs/:id/nodes/:nodeId/clone", s.cloneNode)
	app.Delete("/graphs/:id/nodes/:nodeId", s.removeNode)

	// ── Edges ─────────────────────────────────────────────────────────
	app.Post("/graphs/:id/edges", s.addEdge)
	app.Delete("/graphs/:id/edges/:edgeId", s.removeEdge)

	// ── Runs ──────────────────────────────────────────────────────────
	app.Post("/graphs/:id/runs", s.runGraph)
	app.Get("/graphs/:id/runs", s.listRuns)
	app.Get("/runs/:id", s.getRun)

	// ── Plans ─────────────────────────────────────────────────────────
	app.Post("/graphs/:id/plans", s.compileGraph)
	app.Get("/graphs/:id/plans", s.listPlans)
	app.Get("/plans/:id", s.getPlan)
	app.Delete("/plans/:id", s.deletePlan)
	app.Post("/plans/:id/execute", s.executePlan)

	// ── Generation service ────────────────────────────────────────────
	app.Post("/llm", s.generate)
}

func (s *Server) graph(id string) *flowdag.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graphs[id]
}

// errorStatus maps model and execution errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, flowdag.ErrCycle):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, flowdag.ErrNodeNotFound), errors.Is(err, flowdag.ErrEdgeNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, flowdag.ErrReference),
		errors.Is(err, flowdag.ErrInvalidNode),
		errors.Is(err, flowdag.ErrDuplicateNode),
		errors.Is(err, flowdag.ErrDuplicateEdge),
		errors.Is(err, flowdag.ErrValidation),
		errors.Is(err, flowdag.ErrUpstreamEmpty):
		return fiber.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c fiber.Ctx, err error) error {
	code := errorStatus(err)
	msg := err.Error()
	if code == fiber.StatusUnprocessableEntity {
		msg = "cycle detected"
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func notFound(c fiber.Ctx, what string) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": what + " not found"})
}

func invalidBody(c fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
}
