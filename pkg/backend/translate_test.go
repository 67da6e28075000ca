package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTranslateEndpointSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req translateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.TargetLanguage != "es" {
			t.Errorf("expected target language es, got %q", req.TargetLanguage)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		json.NewEncoder(w).Encode(translateResponse{TranslatedContent: "hola mundo"})
	}))
	defer server.Close()

	ep := NewTranslateEndpoint("ep1", server.URL, "secret", 1, 5*time.Second)
	got, err := ep.Translate(context.Background(), "hello world", "es")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got != "hola mundo" {
		t.Fatalf("expected hola mundo, got %q", got)
	}
	if ep.Priority() != 1 || ep.Name() != "ep1" {
		t.Fatal("endpoint metadata mismatch")
	}
}

func TestTranslateEndpointErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	ep := NewTranslateEndpoint("ep1", server.URL, "", 1, 5*time.Second)
	_, err := ep.Translate(context.Background(), "hello", "es")

	var backendErr *Error
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if backendErr.Status != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", backendErr.Status)
	}
	if !IsAuth(err) {
		t.Fatal("403 from an endpoint is an auth error")
	}
}

func TestTranslateEndpointMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	ep := NewTranslateEndpoint("ep1", server.URL, "", 1, 5*time.Second)
	if _, err := ep.Translate(context.Background(), "hello", "es"); err == nil {
		t.Fatal("expected error for malformed response")
	}
}

func TestTranslateEndpointConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	ep := NewTranslateEndpoint("ep1", server.URL, "", 1, time.Second)
	_, err := ep.Translate(context.Background(), "hello", "es")
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !IsTransient(err) {
		t.Fatalf("connection errors are transient, got %v", err)
	}
}
