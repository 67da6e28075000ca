package backend

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIBackend implements the Backend interface for OpenAI models.
type OpenAIBackend struct {
	name   string
	model  string
	client openai.Client
}

// NewOpenAIBackend creates a new OpenAI backend.
func NewOpenAIBackend(name, model, apiKey string) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if model == "" {
		model = "gpt-5.2-thinking"
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIBackend{name: name, model: model, client: client}, nil
}

// Name returns the backend identifier.
func (b *OpenAIBackend) Name() string {
	return b.name
}

// Capabilities returns the capabilities supported by OpenAI backends.
func (b *OpenAIBackend) Capabilities() []Capability {
	return []Capability{CapabilityGeneration}
}

// Generate sends a prompt to OpenAI and returns the response.
func (b *OpenAIBackend) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	})
	if err != nil {
		return nil, &Error{Backend: b.name, Err: fmt.Errorf("openai API error: %w", err)}
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Backend: b.name, Err: fmt.Errorf("openai returned no choices")}
	}

	return &GenerateResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Search is not supported by OpenAI backends.
func (b *OpenAIBackend) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	return nil, ErrUnsupported
}
