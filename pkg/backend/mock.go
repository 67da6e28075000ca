package backend

import (
	"context"
	"fmt"
	"sync"
)

// MockBackend returns deterministic responses for local runs and tests.
// Outcomes can be scripted per call: each queued error is consumed by one
// call, after which calls succeed again.
type MockBackend struct {
	mu              sync.Mutex
	name            string
	capabilities    []Capability
	defaultResponse string
	script          []error
	calls           int
}

// NewMockBackend creates a mock backend supporting generation and search.
func NewMockBackend(name string) *MockBackend {
	return &MockBackend{
		name:            name,
		capabilities:    []Capability{CapabilityGeneration, CapabilitySearch},
		defaultResponse: "mock response:",
	}
}

// WithCapabilities restricts the mock to the given capabilities.
func (m *MockBackend) WithCapabilities(caps ...Capability) *MockBackend {
	m.capabilities = caps
	return m
}

// WithResponse sets the canned generation response.
func (m *MockBackend) WithResponse(response string) *MockBackend {
	m.defaultResponse = response
	return m
}

// Fail queues errors to be returned by upcoming calls, one per call.
func (m *MockBackend) Fail(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, errs...)
}

// Calls returns how many calls the mock has served.
func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockBackend) next() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.script) == 0 {
		return nil
	}
	err := m.script[0]
	m.script = m.script[1:]
	return err
}

// Name returns the backend identifier.
func (m *MockBackend) Name() string {
	return m.name
}

// Capabilities returns the configured capabilities.
func (m *MockBackend) Capabilities() []Capability {
	return m.capabilities
}

// Generate returns the canned response or the next scripted error.
func (m *MockBackend) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.next(); err != nil {
		return nil, err
	}
	content := fmt.Sprintf("%s %s", m.defaultResponse, req.Prompt)
	return &GenerateResponse{
		Content: content,
		Usage:   Usage{PromptTokens: len(req.Prompt) / 4, CompletionTokens: len(content) / 4, TotalTokens: (len(req.Prompt) + len(content)) / 4},
	}, nil
}

// Search returns a single canned result or the next scripted error.
func (m *MockBackend) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if !HasCapability(m, CapabilitySearch) {
		return nil, ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.next(); err != nil {
		return nil, err
	}
	return &SearchResponse{
		Results: []SearchResult{
			{Title: "mock result", URL: "https://example.com", Snippet: req.Query},
		},
		Total: 1,
	}, nil
}
