package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// TranslateEndpoint is an HTTP client for one translation service endpoint.
// Redundancy across endpoints is the selector's job; the client itself only
// retries connection-level hiccups.
type TranslateEndpoint struct {
	name     string
	url      string
	apiKey   string
	priority int
	client   *retryablehttp.Client
}

type translateRequest struct {
	Content        string `json:"content"`
	TargetLanguage string `json:"target_language"`
}

type translateResponse struct {
	TranslatedContent string `json:"translated_content"`
	DetectedLanguage  string `json:"detected_language,omitempty"`
}

// NewTranslateEndpoint creates a client for one translation endpoint.
// Priority 1 is the highest.
func NewTranslateEndpoint(name, url, apiKey string, priority int, timeout time.Duration) *TranslateEndpoint {
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = timeout

	return &TranslateEndpoint{
		name:     name,
		url:      url,
		apiKey:   apiKey,
		priority: priority,
		client:   client,
	}
}

// Name returns the endpoint identifier.
func (e *TranslateEndpoint) Name() string {
	return e.name
}

// Priority returns the endpoint's priority, 1 being the highest.
func (e *TranslateEndpoint) Priority() int {
	return e.priority
}

// Translate sends the content to the endpoint and returns the translation.
func (e *TranslateEndpoint) Translate(ctx context.Context, content, targetLanguage string) (string, error) {
	body, err := json.Marshal(translateRequest{
		Content:        content,
		TargetLanguage: targetLanguage,
	})
	if err != nil {
		return "", fmt.Errorf("marshal translate request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build translate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", &Error{Backend: e.name, Temporary: true, Err: fmt.Errorf("translate call failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			Backend: e.name,
			Status:  resp.StatusCode,
			Err:     fmt.Errorf("translate endpoint %s returned status %d", e.name, resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Backend: e.name, Temporary: true, Err: fmt.Errorf("read translate response: %w", err)}
	}

	var out translateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", &Error{Backend: e.name, Err: fmt.Errorf("malformed translate response: %w", err)}
	}
	return out.TranslatedContent, nil
}
