package routing

import (
	"context"

	"github.com/jordanhubbard/keymux/internal/health"
)

// Capabilities describes what a provider adapter can serve.
type Capabilities struct {
	Models            []string `json:"models"`
	MaxContextTokens  int      `json:"max_context_tokens"`
	SupportsTools     bool     `json:"supports_tools"`
	SupportsStreaming bool     `json:"supports_streaming"`
}

// Adapter is the contract every provider integration implements. The
// interface lives here, with its consumer, so adapter packages depend
// on routing and not the other way around.
//
// Execute must return a *SystemError for any provider failure, with
// the category already mapped from the provider's own error surface.
// Adapters receive decrypted key material per call and must not retain
// it.
type Adapter interface {
	// ID is the stable provider identifier, e.g. "openai".
	ID() string

	// Execute sends the request using the given key material and
	// normalizes the result.
	Execute(ctx context.Context, intent *RequestIntent, keyMaterial string) (*SystemResponse, error)

	// EstimateCost predicts the USD cost of the request before it runs.
	EstimateCost(intent *RequestIntent) CostEstimate

	// Capabilities describes supported models and features.
	Capabilities() Capabilities

	// Health probes the provider endpoint. Implementations are expected
	// to cache the result; callers treat it as advisory.
	Health(ctx context.Context) health.Status
}

// DefaultOutputTokens is assumed when the caller did not cap
// max_tokens and the adapter has no better signal.
const DefaultOutputTokens = 512

// EstimateOutputTokens predicts completion length for cost estimation:
// the smallest of the adapter's configured cap, typical utilization of
// the caller's max_tokens, and the default. A huge max_tokens must not
// inflate the estimate past what completions usually produce.
func EstimateOutputTokens(intent *RequestIntent, configuredMax int) int {
	est := DefaultOutputTokens
	if intent.MaxTokens > 0 {
		scaled := int(0.8 * float64(intent.MaxTokens))
		if scaled < 1 {
			scaled = 1
		}
		if scaled < est {
			est = scaled
		}
	}
	if configuredMax > 0 && est > configuredMax {
		est = configuredMax
	}
	return est
}

// EstimateInputTokens approximates prompt size from message content.
// Four characters per token is the usual rule of thumb.
func EstimateInputTokens(intent *RequestIntent) int {
	chars := 0
	for _, m := range intent.Messages {
		chars += len(m.Content)
	}
	tokens := chars / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// EstimateConfidence is higher when the caller capped max_tokens,
// since the output guess is then bounded.
func EstimateConfidence(intent *RequestIntent) float64 {
	if intent.MaxTokens > 0 {
		return 0.85
	}
	return 0.7
}
