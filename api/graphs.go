package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/meikuraledutech/flowdag"
)

// createGraph registers a new graph. A non-empty body is a DAG document that
// is replayed through flowdag.Build.
func (s *Server) createGraph(c fiber.Ctx) error {
	var d flowdag.DAG
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&d); err != nil {
			return invalidBody(c)
		}
	}

	g, err := flowdag.Build(&d)
	if err != nil {
		return fail(c, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[g.ID()]; ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "graph already exists"})
	}
	s.graphs[g.ID()] = g
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": g.ID()})
}

func (s *Server) getGraph(c fiber.Ctx) error {
	g := s.graph(c.Params("id"))
	if g == nil {
		return notFound(c, "graph")
	}
	return c.JSON(g.DAG())
}

func (s *Server) deleteGraph(c fiber.Ctx) error {
	s.mu.Lock()
	delete(s.graphs, c.Params("id"))
	s.mu.Unlock()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) addNode(c fiber.Ctx) error {
	g := s.graph(c.Params("id"))
	if g == nil {
		return notFound(c, "graph")
	}
	var node flowdag.Node
	if err := c.Bind().JSON(&node); err != nil {
		return invalidBody(c)
	}
	id, err := g.AddNode(node)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

func (s *Server) updateNode(c fiber.Ctx) error {
	g := s.graph(c.Params("id"))
	if g == nil {
		return notFound(c, "graph")
	}
	var node flowdag.Node
	if err := c.Bind().JSON(&node); err != nil {
		return invalidBody(c)
	}
	node.ID = c.Params("nodeId")
	if err := g.UpdateNode(node); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) cloneNode(c fiber.Ctx) error {
	g := s.graph(c.Params("id"))
	if g == nil {
		return notFound(c, "graph")
	}
	id, err := g.CloneNode(c.Params("nodeId"))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

func (s *Server) removeNode(c fiber.Ctx) error {
	g := s.graph(c.Params("id"))
	if g == nil {
		return notFound(c, "graph")
	}
	if err := g.RemoveNode(c.Params("nodeId")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) addEdge(c fiber.Ctx) error {
	g := s.graph(c.Params("id"))
	if g == nil {
		return notFound(c, "graph")
	}
	var edge flowdag.Edge
	if err := c.Bind().JSON(&edge); err != nil {
		return invalidBody(c)
	}
	id, err := g.AddEdge(edge)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

func (s *Server) removeEdge(c fiber.Ctx) error {
	g := s.graph(c.Params("id"))
	if g == nil {
		return notFound(c, "graph")
	}
	if err := g.RemoveEdge(c.Params("edgeId")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
