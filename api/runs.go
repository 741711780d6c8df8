package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/compiler"
	"github.com/meikuraledutech/flowdag/llm"
)

// RunRequest is the body of a run or plan execution.
type RunRequest struct {
	Inputs map[string]string `json:"inputs"`
}

// ExecuteResponse is the static executor contract.
type ExecuteResponse struct {
	OK     bool   `json:"ok"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func bindInputs(c fiber.Ctx) (map[string]string, error) {
	var req RunRequest
	if len(c.Body()) == 0 {
		return nil, nil
	}
	if err := c.Bind().JSON(&req); err != nil {
		return nil, err
	}
	return req.Inputs, nil
}

// runGraph executes a graph with the runtime scheduler and stores the record.
// A failed run is still a 200: the record says what failed.
func (s *Server) runGraph(c fiber.Ctx) error {
	g := s.graph(c.Params("id"))
	if g == nil {
		return notFound(c, "graph")
	}
	inputs, err := bindInputs(c)
	if err != nil {
		return invalidBody(c)
	}

	rc := flowdag.NewRunContext()
	rep, runErr := s.sched.Run(c.Context(), g.DAG(), rc, inputs)

	rec := flowdag.NewRunRecord(rc, rep.StartedAt, rep.FinishedAt)
	rec.GraphID = g.ID()
	rec.OK = runErr == nil
	rec.Aborted = rep.Aborted
	rec.Output = rep.Output
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	if err := s.store.SaveRun(c.Context(), rec); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(rec)
}

func (s *Server) listRuns(c fiber.Ctx) error {
	runs, err := s.store.ListRuns(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(runs)
}

func (s *Server) getRun(c fiber.Ctx) error {
	r, err := s.store.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if r == nil {
		return notFound(c, "run")
	}
	return c.JSON(r)
}

func (s *Server) compileGraph(c fiber.Ctx) error {
	g := s.graph(c.Params("id"))
	if g == nil {
		return notFound(c, "graph")
	}
	plan, err := compiler.Compile(g.DAG(), compiler.WithDefaultModel(s.defaultModel))
	if err != nil {
		return fail(c, err)
	}
	if err := s.store.SavePlan(c.Context(), plan); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(plan)
}

func (s *Server) listPlans(c fiber.Ctx) error {
	plans, err := s.store.ListPlans(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(plans)
}

func (s *Server) getPlan(c fiber.Ctx) error {
	p, err := s.store.GetPlan(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if p == nil {
		return notFound(c, "plan")
	}
	return c.JSON(p)
}

func (s *Server) deletePlan(c fiber.Ctx) error {
	if err := s.store.DeletePlan(c.Context(), c.Params("id")); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// executePlan replays a stored plan and records the run.
func (s *Server) executePlan(c fiber.Ctx) error {
	p, err := s.store.GetPlan(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if p == nil {
		return notFound(c, "plan")
	}
	inputs, err := bindInputs(c)
	if err != nil {
		return c.JSON(ExecuteResponse{Error: "invalid body"})
	}

	rc := flowdag.NewRunContext()
	start := time.Now()
	out, runErr := s.runner.Run(c.Context(), p, inputs, rc)

	rec := flowdag.NewRunRecord(rc, start, time.Now())
	rec.GraphID = p.GraphID()
	rec.PlanID = p.ID()
	rec.OK = runErr == nil
	rec.Aborted = runErr != nil
	rec.Output = out
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := s.store.SaveRun(c.Context(), rec); err != nil {
		s.logger.Error("save run failed", slog.String("run_id", rec.ID), slog.String("error", err.Error()))
	}

	return c.JSON(executeResponse(out, runErr))
}

// PlanHandler serves the static executor contract for a single plan.
func PlanHandler(runner *compiler.Runner, plan *flowdag.Plan) fiber.Handler {
	return func(c fiber.Ctx) error {
		inputs, err := bindInputs(c)
		if err != nil {
			return c.JSON(ExecuteResponse{Error: "invalid body"})
		}
		out, runErr := runner.Run(c.Context(), plan, inputs, nil)
		return c.JSON(executeResponse(out, runErr))
	}
}

func executeResponse(out any, err error) ExecuteResponse {
	if err != nil {
		return ExecuteResponse{Error: err.Error()}
	}
	return ExecuteResponse{OK: true, Output: out}
}

// generate serves the generation-service contract directly.
func (s *Server) generate(c fiber.Ctx) error {
	if s.gen == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no generation backend configured"})
	}
	var req llm.Request
	if err := c.Bind().JSON(&req); err != nil {
		return invalidBody(c)
	}

	resp, err := s.gen.Generate(c.Context(), req)
	switch {
	case err == nil:
		return c.JSON(resp)
	case errors.Is(err, flowdag.ErrValidation), errors.Is(err, flowdag.ErrUpstreamEmpty):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
}
