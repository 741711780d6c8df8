package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/meikuraledutech/flowdag"
)

// GeminiBaseURL is Google's OpenAI-compatible endpoint.
const GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// OpenAI is a Backend for any OpenAI-compatible chat completion API.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI creates a backend. An empty baseURL keeps the OpenAI default.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

// Complete implements Backend.
func (o *OpenAI) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (*Completion, error) {
	var msgs []openai.ChatCompletionMessage
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userPrompt})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	c := &Completion{
		PromptTokens: resp.Usage.PromptTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	// An absent usage block decodes as zeros.
	if resp.Usage.PromptTokens == 0 && resp.Usage.TotalTokens == 0 {
		c.PromptTokens, c.TotalTokens = flowdag.NoTokens, flowdag.NoTokens
	}
	if len(resp.Choices) > 0 {
		c.Text = resp.Choices[0].Message.Content
	}
	return c, nil
}
