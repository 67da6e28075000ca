package backend

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend implements the Backend interface for Claude models.
type AnthropicBackend struct {
	name   string
	model  string
	client anthropic.Client
}

// NewAnthropicBackend creates a new Anthropic backend.
func NewAnthropicBackend(name, model, apiKey string) (*AnthropicBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicBackend{name: name, model: model, client: client}, nil
}

// Name returns the backend identifier.
func (b *AnthropicBackend) Name() string {
	return b.name
}

// Capabilities returns the capabilities supported by Claude backends.
func (b *AnthropicBackend) Capabilities() []Capability {
	return []Capability{CapabilityGeneration}
}

// Generate sends a prompt to Claude and returns the response.
func (b *AnthropicBackend) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	resp, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, &Error{Backend: b.name, Err: fmt.Errorf("anthropic API error: %w", err)}
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &GenerateResponse{
		Content: content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// Search is not supported by Anthropic backends.
func (b *AnthropicBackend) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	return nil, ErrUnsupported
}
