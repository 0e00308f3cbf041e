// Package openai implements the provider adapter for the OpenAI chat
// completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jordanhubbard/keymux/internal/adapters"
	"github.com/jordanhubbard/keymux/internal/health"
	"github.com/jordanhubbard/keymux/internal/routing"
)

const defaultBaseURL = "https://api.openai.com/v1"

// modelPrice is USD per 1K tokens.
type modelPrice struct {
	input  float64
	output float64
}

// prices covers the models keymux routes most often. Unknown models
// fall back to the gpt-4o-mini rate.
var prices = map[string]modelPrice{
	"gpt-4o":        {input: 0.0025, output: 0.010},
	"gpt-4o-mini":   {input: 0.00015, output: 0.0006},
	"gpt-4-turbo":   {input: 0.010, output: 0.030},
	"gpt-3.5-turbo": {input: 0.0005, output: 0.0015},
	"o3-mini":       {input: 0.0011, output: 0.0044},
}

var fallbackPrice = prices["gpt-4o-mini"]

// Adapter routes chat requests to OpenAI.
type Adapter struct {
	baseURL string
	client  *adapters.Client
	cache   *health.Cache
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API endpoint; used against test servers
// and proxies.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client = adapters.NewClient(d) }
}

// WithHealthCache sets the shared TTL cache for health probes.
func WithHealthCache(c *health.Cache) Option {
	return func(a *Adapter) { a.cache = c }
}

// New creates an OpenAI adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: defaultBaseURL,
		client:  adapters.NewClient(0),
		cache:   health.NewCache(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) ID() string { return "openai" }

// Capabilities describes the chat API surface keymux uses.
func (a *Adapter) Capabilities() routing.Capabilities {
	models := make([]string, 0, len(prices))
	for m := range prices {
		models = append(models, m)
	}
	return routing.Capabilities{
		Models:            models,
		MaxContextTokens:  128000,
		SupportsTools:     true,
		SupportsStreaming: false,
	}
}

// Execute sends the chat completion and normalizes the result. All
// failures come back as *routing.SystemError.
func (a *Adapter) Execute(ctx context.Context, intent *routing.RequestIntent, keyMaterial string) (*routing.SystemResponse, error) {
	messages := make([]map[string]any, len(intent.Messages))
	for i, m := range intent.Messages {
		msg := map[string]any{"role": m.Role, "content": m.Content}
		if m.Name != "" {
			msg["name"] = m.Name
		}
		messages[i] = msg
	}
	payload := map[string]any{
		"model":    intent.Model,
		"messages": messages,
	}
	if intent.MaxTokens > 0 {
		payload["max_tokens"] = intent.MaxTokens
	}
	if intent.Temperature != nil {
		payload["temperature"] = *intent.Temperature
	}
	if intent.TopP != nil {
		payload["top_p"] = *intent.TopP
	}

	body, err := a.client.PostJSON(ctx, a.baseURL+"/chat/completions", keyMaterial, payload)
	if err != nil {
		return nil, a.mapError(ctx, err)
	}

	var result struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &routing.SystemError{Category: routing.ErrProvider, Message: "unparseable response", Err: err}
	}
	if len(result.Choices) == 0 {
		return nil, &routing.SystemError{Category: routing.ErrProvider, Message: "no choices in response"}
	}

	return &routing.SystemResponse{
		Content: result.Choices[0].Message.Content,
		Model:   result.Model,
		Tokens: routing.TokensUsed{
			Input:  result.Usage.PromptTokens,
			Output: result.Usage.CompletionTokens,
			Total:  result.Usage.TotalTokens,
		},
		CostUSD: tokenCost(intent.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens),
		Raw:     body,
	}, nil
}

// apiError is OpenAI's error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// mapError translates transport and HTTP failures into the error
// taxonomy the router acts on.
func (a *Adapter) mapError(ctx context.Context, err error) *routing.SystemError {
	var statusErr *adapters.StatusError
	if errors.As(err, &statusErr) {
		var payload apiError
		_ = json.Unmarshal(statusErr.Body, &payload)
		msg := payload.Error.Message
		if msg == "" {
			msg = http.StatusText(statusErr.StatusCode)
		}
		code := fmt.Sprintf("%d", statusErr.StatusCode)

		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return &routing.SystemError{Category: routing.ErrAuthentication, Message: msg, ProviderCode: code, Err: err}
		case statusErr.StatusCode == http.StatusTooManyRequests:
			if payload.Error.Type == "insufficient_quota" || payload.Error.Code == "insufficient_quota" {
				return &routing.SystemError{Category: routing.ErrQuotaExceeded, Message: msg, ProviderCode: code, RetryAfter: statusErr.RetryAfter(), Err: err}
			}
			return &routing.SystemError{Category: routing.ErrRateLimit, Message: msg, ProviderCode: code, RetryAfter: statusErr.RetryAfter(), Err: err}
		case statusErr.StatusCode >= 500:
			return &routing.SystemError{Category: routing.ErrProvider, Message: msg, ProviderCode: code, Err: err}
		default:
			return &routing.SystemError{Category: routing.ErrValidation, Message: msg, ProviderCode: code, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return &routing.SystemError{Category: routing.ErrTimeout, Message: "provider call timed out", Err: err}
	}
	return &routing.SystemError{Category: routing.ErrNetwork, Message: err.Error(), Err: err}
}

// EstimateCost predicts the USD cost from the model's token prices.
func (a *Adapter) EstimateCost(intent *routing.RequestIntent) routing.CostEstimate {
	in := routing.EstimateInputTokens(intent)
	out := routing.EstimateOutputTokens(intent, 0)
	return routing.CostEstimate{
		AmountUSD:       tokenCost(intent.Model, in, out),
		EstimatedInput:  in,
		EstimatedOutput: out,
		Confidence:      routing.EstimateConfidence(intent),
	}
}

// Health probes the models endpoint through the TTL cache. An
// unauthenticated 401 still means the endpoint is up.
func (a *Adapter) Health(ctx context.Context) health.Status {
	return a.cache.Get(ctx, a.ID(), func(ctx context.Context) health.Status {
		code, err := a.client.Get(ctx, a.baseURL+"/models", "")
		if err != nil {
			return health.StatusDown
		}
		switch {
		case code >= 500:
			return health.StatusDown
		case code >= 200 && code < 300, code == http.StatusUnauthorized:
			return health.StatusHealthy
		default:
			return health.StatusDegraded
		}
	})
}

func tokenCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := prices[model]
	if !ok {
		p = fallbackPrice
	}
	return p.input*float64(inputTokens)/1000.0 + p.output*float64(outputTokens)/1000.0
}
