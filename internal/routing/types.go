// Package routing selects a key for each request according to a
// pluggable objective, executes it through a provider adapter, and
// fails over across keys when the provider misbehaves.
package routing

import (
	"fmt"
	"time"
)

// Message is one chat turn inside a request.
type Message struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Name      string           `json:"name,omitempty"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// RequestIntent is what a caller wants executed, before any routing
// decision has been made.
type RequestIntent struct {
	RequestID   string            `json:"request_id,omitempty"`
	Provider    string            `json:"provider"`
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Objective   RoutingObjective  `json:"objective,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ValidationError reports a malformed request intent.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("routing: invalid %s: %s", e.Field, e.Detail)
}

// Validate checks the intent's parameter ranges and message shape.
func (r *RequestIntent) Validate() error {
	if r.Provider == "" {
		return &ValidationError{Field: "provider", Detail: "required"}
	}
	if r.Model == "" {
		return &ValidationError{Field: "model", Detail: "required"}
	}
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Detail: "at least one message required"}
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return &ValidationError{Field: "messages", Detail: fmt.Sprintf("message %d: unknown role %q", i, m.Role)}
		}
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return &ValidationError{Field: "messages", Detail: fmt.Sprintf("message %d: empty content", i)}
		}
	}
	if r.MaxTokens < 0 || r.MaxTokens > 1_000_000 {
		return &ValidationError{Field: "max_tokens", Detail: "must be in [1, 1000000]"}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &ValidationError{Field: "temperature", Detail: "must be in [0, 2]"}
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return &ValidationError{Field: "top_p", Detail: "must be in [0, 1]"}
	}
	return r.Objective.Validate()
}

// RoutingObjective names the scoring strategy and its tuning knobs. An
// empty primary means the engine default.
type RoutingObjective struct {
	Primary     string             `json:"primary,omitempty"`
	Secondary   []string           `json:"secondary,omitempty"`
	Weights     map[string]float64 `json:"weights,omitempty"`
	Constraints map[string]string  `json:"constraints,omitempty"`
}

// knownObjectives are the strategies the engine registers at startup.
var knownObjectives = map[string]bool{
	"cost":        true,
	"reliability": true,
	"fairness":    true,
	"quality":     true,
	"latency":     true,
}

// Validate checks the objective names against the strategy registry.
func (o *RoutingObjective) Validate() error {
	if o.Primary != "" && !knownObjectives[o.Primary] {
		return &ValidationError{Field: "objective", Detail: fmt.Sprintf("unknown objective %q", o.Primary)}
	}
	for _, s := range o.Secondary {
		if !knownObjectives[s] {
			return &ValidationError{Field: "objective", Detail: fmt.Sprintf("unknown secondary objective %q", s)}
		}
	}
	return nil
}

// TokensUsed is the provider-reported token accounting.
type TokensUsed struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// CostEstimate is a pre-execution cost prediction.
type CostEstimate struct {
	AmountUSD       float64 `json:"amount_usd"`
	EstimatedInput  int     `json:"estimated_input_tokens"`
	EstimatedOutput int     `json:"estimated_output_tokens"`
	Confidence      float64 `json:"confidence"`
}

// SystemResponse is the normalized result of a routed request.
type SystemResponse struct {
	RequestID  string        `json:"request_id"`
	Content    string        `json:"content"`
	Model      string        `json:"model"`
	Provider   string        `json:"provider"`
	KeyID      string        `json:"key_id"`
	DecisionID string        `json:"decision_id"`
	Tokens     TokensUsed    `json:"tokens_used"`
	CostUSD    float64       `json:"cost_usd"`
	Latency    time.Duration `json:"-"`
	LatencyMs  float64       `json:"latency_ms"`
	Attempts   int           `json:"attempts"`
	Raw        []byte        `json:"-"`
}
