package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/keymux/internal/budget"
	"github.com/jordanhubbard/keymux/internal/events"
	"github.com/jordanhubbard/keymux/internal/health"
	"github.com/jordanhubbard/keymux/internal/keys"
	"github.com/jordanhubbard/keymux/internal/metrics"
	"github.com/jordanhubbard/keymux/internal/quota"
	"github.com/jordanhubbard/keymux/internal/store"
	"github.com/jordanhubbard/keymux/internal/tracing"
)

// DefaultMaxAttempts bounds failover across keys for one request.
const DefaultMaxAttempts = 3

// Router executes requests end to end: budget gate, routing decision,
// material access, provider call, and the bookkeeping that follows
// either outcome. A key that failed is never retried within the same
// request.
type Router struct {
	engine  *Engine
	keys    *keys.Manager
	quota   *quota.Engine
	budgets *budget.Controller
	tracker *health.Tracker
	metrics *metrics.Registry
	bus     *events.Bus
	logger  *slog.Logger

	adapters    map[string]Adapter
	maxAttempts int

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMaxAttempts bounds failover attempts per request.
func WithMaxAttempts(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRouterEventBus attaches an event bus for route events.
func WithRouterEventBus(bus *events.Bus) RouterOption {
	return func(r *Router) { r.bus = bus }
}

// WithMetrics wires the prometheus registry.
func WithMetrics(m *metrics.Registry) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithTracker wires the runtime latency tracker.
func WithTracker(t *health.Tracker) RouterOption {
	return func(r *Router) { r.tracker = t }
}

// WithRouterLogger sets the logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithRouterNowFunc overrides the clock; test hook.
func WithRouterNowFunc(fn func() time.Time) RouterOption {
	return func(r *Router) { r.nowFunc = fn }
}

// NewRouter creates a router.
func NewRouter(engine *Engine, km *keys.Manager, qe *quota.Engine, bc *budget.Controller, opts ...RouterOption) *Router {
	r := &Router{
		engine:      engine,
		keys:        km,
		quota:       qe,
		budgets:     bc,
		logger:      slog.Default(),
		adapters:    make(map[string]Adapter),
		maxAttempts: DefaultMaxAttempts,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAdapter adds a provider adapter. Not safe to call after the
// router starts serving.
func (r *Router) RegisterAdapter(a Adapter) {
	r.adapters[a.ID()] = a
}

// Adapter returns the adapter for a provider id.
func (r *Router) Adapter(providerID string) (Adapter, bool) {
	a, ok := r.adapters[providerID]
	return a, ok
}

// Adapters returns all registered adapters keyed by provider id.
func (r *Router) Adapters() map[string]Adapter {
	return r.adapters
}

// Execute validates, gates, routes, and runs the request, failing over
// to other keys on retryable provider errors.
func (r *Router) Execute(ctx context.Context, intent *RequestIntent) (*SystemResponse, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if intent.RequestID == "" {
		intent.RequestID = uuid.NewString()
	}

	adapter, ok := r.adapters[intent.Provider]
	if !ok {
		return nil, &ValidationError{Field: "provider", Detail: "unknown provider " + intent.Provider}
	}

	estimate := adapter.EstimateCost(intent)
	ref := budget.Ref{ProviderID: intent.Provider, Route: intent.Metadata["route"]}
	if _, err := r.budgets.Check(ctx, ref, estimate.AmountUSD); err != nil {
		return nil, err
	}

	exclude := make(map[string]bool)
	var lastErr error
	objective := intent.Objective.Primary
	if objective == "" {
		objective = DefaultObjective
	}

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		decision, cand, err := r.engine.Route(ctx, intent, adapter, exclude)
		if err != nil {
			var none *NoEligibleKeysError
			if errors.As(err, &none) && lastErr != nil {
				// Ran out of keys mid-failover; report the provider error.
				return nil, &AttemptsExhaustedError{Provider: intent.Provider, Attempts: attempt - 1, LastErr: lastErr}
			}
			return nil, err
		}
		keyID := cand.Key.ID

		// Per-key budgets can only be enforced once a key is chosen.
		keyRef := ref
		keyRef.KeyID = keyID
		if _, err := r.budgets.Check(ctx, keyRef, estimate.AmountUSD); err != nil {
			var exceeded *budget.ExceededError
			if errors.As(err, &exceeded) {
				exclude[keyID] = true
				lastErr = err
				continue
			}
			return nil, err
		}

		material, err := r.keys.Material(ctx, keyID)
		if err != nil {
			r.logger.Warn("key material unavailable, excluding key",
				slog.String("key_id", keyID), slog.String("error", err.Error()))
			exclude[keyID] = true
			lastErr = err
			continue
		}

		start := r.nowFunc()
		spanCtx, span := tracing.Tracer().Start(ctx, "provider.execute")
		resp, execErr := adapter.Execute(spanCtx, intent, material)
		span.End()
		latency := r.nowFunc().Sub(start)
		latencyMs := float64(latency.Microseconds()) / 1000.0

		if execErr == nil {
			r.onSuccess(ctx, intent, decision, cand, resp, estimate, latencyMs, attempt, objective)
			return resp, nil
		}

		sysErr := normalizeError(ctx, execErr)
		r.onFailure(ctx, intent, keyID, sysErr, latencyMs, objective)

		if !sysErr.Retryable() {
			return nil, sysErr
		}
		exclude[keyID] = true
		lastErr = sysErr
	}

	return nil, &AttemptsExhaustedError{Provider: intent.Provider, Attempts: r.maxAttempts, LastErr: lastErr}
}

// onSuccess runs the bookkeeping after a provider call succeeded.
func (r *Router) onSuccess(ctx context.Context, intent *RequestIntent, decision *store.DecisionRecord, cand *Candidate, resp *SystemResponse, estimate CostEstimate, latencyMs float64, attempt int, objective string) {
	keyID := cand.Key.ID
	resp.RequestID = intent.RequestID
	resp.Provider = intent.Provider
	resp.KeyID = keyID
	resp.DecisionID = decision.ID
	resp.LatencyMs = latencyMs
	resp.Attempts = attempt

	if err := r.keys.MarkSuccess(ctx, keyID); err != nil {
		r.logger.Warn("usage bookkeeping failed", slog.String("key_id", keyID), slog.String("error", err.Error()))
	}

	consumed := int64(resp.Tokens.Total)
	if consumed <= 0 {
		consumed = 1
	}
	if err := r.quota.RecordUsage(ctx, keyID, intent.Provider, consumed); err != nil {
		r.logger.Warn("quota bookkeeping failed", slog.String("key_id", keyID), slog.String("error", err.Error()))
	}

	ref := budget.Ref{ProviderID: intent.Provider, KeyID: keyID, Route: intent.Metadata["route"]}
	if err := r.budgets.Spend(ctx, ref, resp.CostUSD); err != nil {
		r.logger.Warn("budget bookkeeping failed", slog.String("error", err.Error()))
	}
	rec := r.budgets.Reconcile(intent.RequestID, estimate.AmountUSD, resp.CostUSD)
	r.logger.Debug("cost reconciled",
		slog.String("request_id", rec.RequestID),
		slog.Float64("estimated", rec.EstimatedCost),
		slog.Float64("actual", rec.ActualCost),
		slog.Float64("error_pct", rec.ErrorPercentage))

	if r.tracker != nil {
		r.tracker.RecordSuccess(keyID, latencyMs)
	}
	if r.metrics != nil {
		r.metrics.RequestsTotal.WithLabelValues(intent.Provider, objective, "success").Inc()
		r.metrics.RequestLatency.WithLabelValues(intent.Provider, objective).Observe(latencyMs)
		r.metrics.CostUSD.WithLabelValues(intent.Provider).Add(resp.CostUSD)
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:       events.EventRouteSuccess,
			RequestID:  intent.RequestID,
			KeyID:      keyID,
			ProviderID: intent.Provider,
			Objective:  objective,
			LatencyMs:  latencyMs,
			CostUSD:    resp.CostUSD,
		})
	}
}

// onFailure runs the bookkeeping after a provider call failed,
// including the key state transition the error class dictates.
func (r *Router) onFailure(ctx context.Context, intent *RequestIntent, keyID string, sysErr *SystemError, latencyMs float64, objective string) {
	if r.tracker != nil {
		r.tracker.RecordError(keyID, string(sysErr.Category))
	}
	if r.metrics != nil {
		r.metrics.RequestsTotal.WithLabelValues(intent.Provider, objective, "error").Inc()
		r.metrics.RetriesTotal.WithLabelValues(intent.Provider, string(sysErr.Category)).Inc()
	}

	// Each error class has exactly one key state effect: a transition
	// for auth/rate-limit/quota, a failure count for provider-side
	// faults, and nothing at all for the caller's own bad requests.
	switch sysErr.Category {
	case ErrProvider, ErrTimeout, ErrNetwork, ErrUnknown:
		if err := r.keys.MarkFailure(ctx, keyID); err != nil {
			r.logger.Warn("failure bookkeeping failed", slog.String("key_id", keyID), slog.String("error", err.Error()))
		}
	case ErrAuthentication:
		if err := r.keys.Transition(ctx, keyID, store.KeyInvalid, store.TriggerError, "authentication rejected by provider"); err != nil {
			r.logger.Warn("transition failed", slog.String("key_id", keyID), slog.String("error", err.Error()))
		}
	case ErrRateLimit:
		if err := r.quota.RecordRateLimit(ctx, keyID, intent.Provider, sysErr.RetryAfter); err != nil {
			r.logger.Warn("throttle failed", slog.String("key_id", keyID), slog.String("error", err.Error()))
		}
	case ErrQuotaExceeded:
		var resetAt time.Time
		if sysErr.RetryAfter > 0 {
			resetAt = r.nowFunc().Add(sysErr.RetryAfter)
		}
		if err := r.quota.RecordExhaustion(ctx, keyID, intent.Provider, resetAt); err != nil {
			r.logger.Warn("exhaustion bookkeeping failed", slog.String("key_id", keyID), slog.String("error", err.Error()))
		}
	}

	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:       events.EventRouteError,
			RequestID:  intent.RequestID,
			KeyID:      keyID,
			ProviderID: intent.Provider,
			Objective:  objective,
			LatencyMs:  latencyMs,
			ErrorClass: string(sysErr.Category),
		})
	}
}

// normalizeError coerces adapter errors into SystemError. Context
// cancellation maps to a non-retryable timeout so callers are not kept
// waiting on failover they no longer want.
func normalizeError(ctx context.Context, err error) *SystemError {
	var sysErr *SystemError
	if errors.As(err, &sysErr) {
		if ctx.Err() != nil {
			return &SystemError{Category: ErrTimeout, Message: "request cancelled", Err: err}
		}
		return sysErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return &SystemError{Category: ErrTimeout, Message: "request cancelled", Err: err}
	}
	return &SystemError{Category: ErrUnknown, Message: err.Error(), Err: err}
}
