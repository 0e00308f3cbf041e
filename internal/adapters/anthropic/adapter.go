// Package anthropic implements the provider adapter for the Anthropic
// messages API.
package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

type modelPrice struct {
	input  float64 // USD per 1K tokens
	output float64
}

var prices = map[string]modelPrice{
	"claude-3-5-sonnet-20241022": {input: 0.003, output: 0.015},
	"claude-3-5-haiku-20241022":  {input: 0.0008, output: 0.004},
	"claude-3-opus-20240229":     {input: 0.015, output: 0.075},
}

var fallbackPrice = prices["claude-3-5-haiku-20241022"]

// Adapter routes chat requests to Anthropic.
type Adapter struct {
	baseURL string
	client  *adapters.Client
	cache   *health.Cache
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API endpoint.
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

// New creates an Anthropic adapter.
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

func (a *Adapter) ID() string { return "anthropic" }

func (a *Adapter) Capabilities() routing.Capabilities {
	models := make([]string, 0, len(prices))
	for m := range prices {
		models = append(models, m)
	}
	return routing.Capabilities{
		Models:            models,
		MaxContextTokens:  200000,
		SupportsTools:     true,
		SupportsStreaming: false,
	}
}

// Execute sends the message request. The messages API wants the system
// prompt as a top-level field, not a message role.
func (a *Adapter) Execute(ctx context.Context, intent *routing.RequestIntent, keyMaterial string) (*routing.SystemResponse, error) {
	var system string
	messages := make([]map[string]any, 0, len(intent.Messages))
	for _, m := range intent.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}

	maxTokens := intent.MaxTokens
	if maxTokens <= 0 {
		maxTokens = routing.DefaultOutputTokens
	}
	payload := map[string]any{
		"model":      intent.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if system != "" {
		payload["system"] = system
	}
	if intent.Temperature != nil {
		payload["temperature"] = *intent.Temperature
	}
	if intent.TopP != nil {
		payload["top_p"] = *intent.TopP
	}

	headers := map[string]string{
		"x-api-key":         keyMaterial,
		"anthropic-version": apiVersion,
	}
	body, err := a.client.PostJSONHeaders(ctx, a.baseURL+"/messages", headers, payload)
	if err != nil {
		return nil, a.mapError(ctx, err)
	}

	var result struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &routing.SystemError{Category: routing.ErrProvider, Message: "unparseable response", Err: err}
	}

	var content string
	for _, block := range result.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	total := result.Usage.InputTokens + result.Usage.OutputTokens
	return &routing.SystemResponse{
		Content: content,
		Model:   result.Model,
		Tokens: routing.TokensUsed{
			Input:  result.Usage.InputTokens,
			Output: result.Usage.OutputTokens,
			Total:  total,
		},
		CostUSD: tokenCost(intent.Model, result.Usage.InputTokens, result.Usage.OutputTokens),
		Raw:     body,
	}, nil
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

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
			return &routing.SystemError{Category: routing.ErrRateLimit, Message: msg, ProviderCode: code, RetryAfter: statusErr.RetryAfter(), Err: err}
		case statusErr.StatusCode == http.StatusPaymentRequired || payload.Error.Type == "billing_error":
			return &routing.SystemError{Category: routing.ErrQuotaExceeded, Message: msg, ProviderCode: code, Err: err}
		case statusErr.StatusCode == 529, statusErr.StatusCode >= 500:
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

// Health probes the API root through the TTL cache.
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
