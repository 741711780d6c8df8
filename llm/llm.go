// Package llm is the boundary to the text-generation service.
//
// A Service validates requests, applies the default model and a per-call
// timeout, calls a Backend and shapes the reply into the request/response
// contract nodes depend on. Backends only speak to a model provider.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/ctxlog"
)

// DefaultTimeout bounds a single call to the backend.
const DefaultTimeout = 60 * time.Second

// Request is one generation call.
type Request struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt"`
	UserPrompt   string `json:"userPrompt"`
	ReturnAsJSON bool   `json:"returnAsJson"`
}

// Response is the reply to a Request. OK is false only when JSON output was
// requested and the model's text did not parse; Output then holds the raw text.
type Response struct {
	OK           bool   `json:"ok"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	Output       any    `json:"output"`
	Error        string `json:"error,omitempty"`
}

// Generator produces a Response for a Request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

// Generate calls f(ctx, req).
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Completion is a backend's raw answer. Token counts are flowdag.NoTokens
// when the backend reported no usage.
type Completion struct {
	Text         string
	PromptTokens int
	TotalTokens  int
}

// Backend talks to a model provider.
type Backend interface {
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (*Completion, error)
}

// Service implements Generator on top of a Backend.
type Service struct {
	backend      Backend
	defaultModel string
	timeout      time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(s *Service) {
		if model != "" {
			s.defaultModel = model
		}
	}
}

// WithTimeout bounds each backend call. Zero keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewService wraps backend.
func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:      backend,
		defaultModel: flowdag.DefaultModel,
		timeout:      DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate validates req, calls the backend and shapes the reply.
func (s *Service) Generate(ctx context.Context, req Request) (*Response, error) {
	logger := ctxlog.FromContext(ctx)

	system := strings.TrimSpace(req.SystemPrompt)
	user := strings.TrimSpace(req.UserPrompt)
	if user == "" {
		return nil, fmt.Errorf("%w: userPrompt is required", flowdag.ErrValidation)
	}
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	c, err := s.backend.Complete(callCtx, model, system, user)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("llm: %s timed out after %s: %w", model, s.timeout, err)
		}
		return nil, fmt.Errorf("llm: %s: %w", model, err)
	}
	logger.Debug("generation finished",
		slog.String("model", model),
		slog.Duration("duration", time.Since(start)),
		slog.Int("prompt_tokens", c.PromptTokens),
		slog.Int("total_tokens", c.TotalTokens),
	)

	if strings.TrimSpace(c.Text) == "" {
		return nil, flowdag.ErrUpstreamEmpty
	}

	resp := &Response{
		OK:           true,
		InputTokens:  flowdag.NoTokens,
		OutputTokens: flowdag.NoTokens,
		Output:       c.Text,
	}
	if c.PromptTokens >= 0 {
		resp.InputTokens = c.PromptTokens
		if c.TotalTokens >= 0 {
			resp.OutputTokens = max(c.TotalTokens-c.PromptTokens, 0)
		}
	}
	if !req.ReturnAsJSON {
		return resp, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(c.Text), &parsed); err != nil {
		logger.Warn("model returned invalid JSON", slog.String("model", model), slog.String("error", err.Error()))
		resp.OK = false
		resp.Error = fmt.Sprintf("%s: %v", flowdag.ErrParse.Error(), err)
		return resp, nil
	}
	resp.Output = parsed
	return resp, nil
}
