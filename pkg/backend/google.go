package backend

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GoogleBackend implements the Backend interface for Gemini models. It is
// the only vendor backend that also carries the search capability, through
// Gemini's grounded search tool.
type GoogleBackend struct {
	name   string
	model  string
	client *genai.Client
}

// NewGoogleBackend creates a new Google Gemini backend.
func NewGoogleBackend(name, model, apiKey string) (*GoogleBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}
	if model == "" {
		model = "gemini-2.0-pro"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleBackend{name: name, model: model, client: client}, nil
}

// Name returns the backend identifier.
func (b *GoogleBackend) Name() string {
	return b.name
}

// Capabilities returns the capabilities supported by Gemini backends.
func (b *GoogleBackend) Capabilities() []Capability {
	return []Capability{CapabilityGeneration, CapabilitySearch}
}

// Generate sends a prompt to Gemini and returns the response.
func (b *GoogleBackend) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}

	resp, err := b.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), nil)
	if err != nil {
		return nil, &Error{Backend: b.name, Err: fmt.Errorf("google API error: %w", err)}
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &Error{Backend: b.name, Err: fmt.Errorf("google returned no candidates")}
	}

	var content string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				content += part.Text
			}
		}
	}

	out := &GenerateResponse{Content: content}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// Search runs a grounded search through Gemini and returns the source hits.
func (b *GoogleBackend) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	model := b.model
	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
		},
	}

	prompt := req.Query
	if req.Type != "" {
		prompt = fmt.Sprintf("%s (%s)", req.Query, req.Type)
	}

	resp, err := b.client.Models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
	if err != nil {
		return nil, &Error{Backend: b.name, Err: fmt.Errorf("google search error: %w", err)}
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &Error{Backend: b.name, Err: fmt.Errorf("google search returned no candidates")}
	}

	var results []SearchResult
	candidate := resp.Candidates[0]
	if candidate.GroundingMetadata != nil {
		for _, chunk := range candidate.GroundingMetadata.GroundingChunks {
			if chunk.Web == nil {
				continue
			}
			results = append(results, SearchResult{
				Title: chunk.Web.Title,
				URL:   chunk.Web.URI,
			})
			if req.MaxResults > 0 && len(results) >= req.MaxResults {
				break
			}
		}
	}

	return &SearchResponse{Results: results, Total: len(results)}, nil
}
