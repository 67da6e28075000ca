package backend

import "context"

// Capability identifies what a backend can do.
type Capability string

const (
	CapabilityGeneration Capability = "generation"
	CapabilitySearch     Capability = "search"
)

// Backend defines the interface for an interchangeable provider backend.
type Backend interface {
	// Name returns the backend's identifier.
	Name() string

	// Capabilities returns the capabilities this backend supports.
	Capabilities() []Capability

	// Generate sends a prompt to the backend and returns the response.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// Search runs a search query. Backends without the search capability
	// return ErrUnsupported.
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// GenerateRequest holds the inputs of a generation call.
type GenerateRequest struct {
	Model     string
	Prompt    string
	MaxTokens int
}

// GenerateResponse holds a generation result with normalized usage.
type GenerateResponse struct {
	Content string
	Usage   Usage
}

// SearchRequest holds the inputs of a search call.
type SearchRequest struct {
	Query      string
	Type       string
	MaxResults int
}

// SearchResult is a single search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchResponse holds search results.
type SearchResponse struct {
	Results []SearchResult
	Total   int
}

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// HasCapability reports whether b supports the given capability.
func HasCapability(b Backend, c Capability) bool {
	for _, have := range b.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}
