package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jordanhubbard/keymux/internal/routing"
)

func TestExecuteLiftsSystemPrompt(t *testing.T) {
	var gotKey, gotVersion string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotPayload)
		w.Write([]byte(`{
			"model": "claude-3-5-haiku-20241022",
			"content": [{"type": "text", "text": "hello"}],
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	a := New(WithBaseURL(srv.URL))
	intent := &routing.RequestIntent{
		Provider: "anthropic",
		Model:    "claude-3-5-haiku-20241022",
		Messages: []routing.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		MaxTokens: 50,
	}

	resp, err := a.Execute(context.Background(), intent, "key-secret")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotKey != "key-secret" || gotVersion == "" {
		t.Errorf("headers: x-api-key=%q version=%q", gotKey, gotVersion)
	}
	if gotPayload["system"] != "be brief" {
		t.Errorf("system = %v, want lifted out of messages", gotPayload["system"])
	}
	if msgs := gotPayload["messages"].([]any); len(msgs) != 1 {
		t.Errorf("messages = %d entries, want 1 after lifting system", len(msgs))
	}
	if resp.Content != "hello" || resp.Tokens.Total != 16 {
		t.Errorf("resp = %q / %d tokens", resp.Content, resp.Tokens.Total)
	}
}

func TestOverloadedMapsToProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		w.Write([]byte(`{"error": {"type": "overloaded_error", "message": "Overloaded"}}`))
	}))
	defer srv.Close()

	a := New(WithBaseURL(srv.URL))
	intent := &routing.RequestIntent{
		Provider: "anthropic",
		Model:    "claude-3-5-haiku-20241022",
		Messages: []routing.Message{{Role: "user", Content: "hi"}},
	}

	_, err := a.Execute(context.Background(), intent, "key-x")
	var sysErr *routing.SystemError
	if !errors.As(err, &sysErr) {
		t.Fatalf("err = %v, want SystemError", err)
	}
	if sysErr.Category != routing.ErrProvider {
		t.Errorf("category = %s, want provider", sysErr.Category)
	}
	if !sysErr.Retryable() {
		t.Error("overloaded must be retryable")
	}
}
