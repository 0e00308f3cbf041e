package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jordanhubbard/keymux/internal/health"
	"github.com/jordanhubbard/keymux/internal/routing"
)

func testIntent() *routing.RequestIntent {
	return &routing.RequestIntent{
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		Messages:  []routing.Message{{Role: "user", Content: "hello there"}},
		MaxTokens: 100,
	}
}

func newTestAdapter(handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return New(WithBaseURL(srv.URL)), srv
}

func TestExecuteNormalizesResponse(t *testing.T) {
	var gotAuth string
	a, srv := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "hi"}}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 5, "total_tokens": 14}
		}`))
	})
	defer srv.Close()

	resp, err := a.Execute(context.Background(), testIntent(), "sk-secret")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotAuth != "Bearer sk-secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q, want hi", resp.Content)
	}
	if resp.Tokens.Total != 14 {
		t.Errorf("total tokens = %d, want 14", resp.Tokens.Total)
	}
	wantCost := 0.00015*9/1000 + 0.0006*5/1000
	if diff := resp.CostUSD - wantCost; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", resp.CostUSD, wantCost)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		headers    map[string]string
		wantCat    routing.ErrorCategory
		wantExpiry time.Duration
	}{
		{
			name:    "unauthorized",
			status:  http.StatusUnauthorized,
			body:    `{"error": {"message": "Incorrect API key", "type": "invalid_request_error"}}`,
			wantCat: routing.ErrAuthentication,
		},
		{
			name:       "rate limited",
			status:     http.StatusTooManyRequests,
			body:       `{"error": {"message": "Rate limit reached", "type": "requests"}}`,
			headers:    map[string]string{"Retry-After": "30"},
			wantCat:    routing.ErrRateLimit,
			wantExpiry: 30 * time.Second,
		},
		{
			name:    "quota spent",
			status:  http.StatusTooManyRequests,
			body:    `{"error": {"message": "You exceeded your current quota", "type": "insufficient_quota"}}`,
			wantCat: routing.ErrQuotaExceeded,
		},
		{
			name:    "bad request",
			status:  http.StatusBadRequest,
			body:    `{"error": {"message": "model not found"}}`,
			wantCat: routing.ErrValidation,
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    `{"error": {"message": "overloaded"}}`,
			wantCat: routing.ErrProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, srv := newTestAdapter(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			defer srv.Close()

			_, err := a.Execute(context.Background(), testIntent(), "sk-x")
			var sysErr *routing.SystemError
			if !errors.As(err, &sysErr) {
				t.Fatalf("err = %v, want SystemError", err)
			}
			if sysErr.Category != tt.wantCat {
				t.Errorf("category = %s, want %s", sysErr.Category, tt.wantCat)
			}
			if tt.wantExpiry > 0 && sysErr.RetryAfter != tt.wantExpiry {
				t.Errorf("retry-after = %v, want %v", sysErr.RetryAfter, tt.wantExpiry)
			}
		})
	}
}

func TestNetworkErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close() // connection refused from here on

	a := New(WithBaseURL(url))
	_, err := a.Execute(context.Background(), testIntent(), "sk-x")
	var sysErr *routing.SystemError
	if !errors.As(err, &sysErr) {
		t.Fatalf("err = %v, want SystemError", err)
	}
	if sysErr.Category != routing.ErrNetwork {
		t.Errorf("category = %s, want network", sysErr.Category)
	}
	if !sysErr.Retryable() {
		t.Error("network errors must be retryable")
	}
}

func TestEstimateCost(t *testing.T) {
	a := New()

	intent := testIntent() // "hello there" = 11 chars -> 2 input tokens, 80 output
	est := a.EstimateCost(intent)
	if est.EstimatedOutput != 80 {
		t.Errorf("estimated output = %d, want 80 (80%% of max_tokens)", est.EstimatedOutput)
	}
	if est.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", est.Confidence)
	}
	if est.AmountUSD <= 0 {
		t.Error("estimate must be positive")
	}

	intent.MaxTokens = 0
	est = a.EstimateCost(intent)
	if est.EstimatedOutput != routing.DefaultOutputTokens {
		t.Errorf("estimated output = %d, want default", est.EstimatedOutput)
	}
	if est.Confidence != 0.7 {
		t.Errorf("confidence = %v, want 0.7", est.Confidence)
	}
}

func TestHealthUsesTTLCache(t *testing.T) {
	probes := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := health.NewCache(health.WithNowFunc(func() time.Time { return now }))
	a := New(WithBaseURL(srv.URL), WithHealthCache(cache))

	if got := a.Health(context.Background()); got != health.StatusHealthy {
		t.Errorf("health = %s, want healthy (401 means up)", got)
	}
	for i := 0; i < 5; i++ {
		a.Health(context.Background())
	}
	if probes != 1 {
		t.Errorf("probes = %d, want 1 within the TTL", probes)
	}

	now = now.Add(health.DefaultTTL + time.Second)
	a.Health(context.Background())
	if probes != 2 {
		t.Errorf("probes = %d, want 2 after the TTL", probes)
	}
}
