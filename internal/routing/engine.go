package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/keymux/internal/events"
	"github.com/jordanhubbard/keymux/internal/health"
	"github.com/jordanhubbard/keymux/internal/keys"
	"github.com/jordanhubbard/keymux/internal/policy"
	"github.com/jordanhubbard/keymux/internal/quota"
	"github.com/jordanhubbard/keymux/internal/store"
)

// DefaultObjective is used when a request does not name one.
const DefaultObjective = "reliability"

// Engine scores eligible keys against the request's objective and
// produces an audited routing decision. It never executes requests;
// that is the Router's job.
type Engine struct {
	keys     *keys.Manager
	quota    *quota.Engine
	policies *policy.Engine
	store    store.Store
	bus      *events.Bus
	logger   *slog.Logger

	strategies map[string]Strategy

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineEventBus attaches an event bus for route_decision events.
func WithEngineEventBus(bus *events.Bus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithLatencyTracker wires runtime latency stats into the latency
// strategy.
func WithLatencyTracker(t *health.Tracker) EngineOption {
	return func(e *Engine) { e.strategies["latency"] = latencyStrategy{tracker: t} }
}

// WithEngineNowFunc overrides the clock; test hook.
func WithEngineNowFunc(fn func() time.Time) EngineOption {
	return func(e *Engine) { e.nowFunc = fn }
}

// NewEngine creates a routing engine with the standard strategy set
// registered: cost, reliability, fairness, quality, latency.
func NewEngine(km *keys.Manager, qe *quota.Engine, pe *policy.Engine, st store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		keys:     km,
		quota:    qe,
		policies: pe,
		store:    st,
		logger:   slog.Default(),
		nowFunc:  time.Now,
		strategies: map[string]Strategy{
			"cost":        costStrategy{},
			"reliability": reliabilityStrategy{},
			"fairness":    newFairnessStrategy(),
			"quality":     qualityStrategy{},
			"latency":     latencyStrategy{},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Route picks the best key for the intent, excluding any key ids the
// executor has already burned this request. The returned decision is
// persisted before Route returns.
func (e *Engine) Route(ctx context.Context, intent *RequestIntent, adapter Adapter, exclude map[string]bool) (*store.DecisionRecord, *Candidate, error) {
	cons := e.policies.Constraints()
	if !cons.AllowsProvider(intent.Provider) {
		return nil, nil, &NoEligibleKeysError{Provider: intent.Provider, Detail: "provider blocked by policy"}
	}

	eligible, err := e.keys.Eligible(ctx, intent.Provider)
	if err != nil {
		return nil, nil, err
	}

	var candidates []*Candidate
	var rejected []store.Alternative
	quotaFiltered := 0
	for i := range eligible {
		k := &eligible[i]
		if exclude[k.ID] {
			rejected = append(rejected, store.Alternative{KeyID: k.ID, ReasonNotSelected: "failed earlier in this request"})
			continue
		}
		if ok, reason := cons.AllowsKey(k); !ok {
			rejected = append(rejected, store.Alternative{KeyID: k.ID, ReasonNotSelected: reason})
			continue
		}

		// A failed quota read degrades the signal, it does not drop
		// the key.
		q, qerr := e.quota.State(ctx, k.ID)
		if qerr != nil {
			e.logger.Warn("quota read failed, scoring without signal",
				slog.String("key_id", k.ID), slog.String("error", qerr.Error()))
			q = nil
		}
		if q != nil && q.CapacityState == store.CapacityExhausted {
			rejected = append(rejected, store.Alternative{KeyID: k.ID, ReasonNotSelected: "quota exhausted"})
			quotaFiltered++
			continue
		}

		c := &Candidate{Key: k, Quota: q, Adapter: adapter}
		if cons.MaxCostPerRequest > 0 {
			if cost, _ := estimateCandidateCost(intent, c); cost > cons.MaxCostPerRequest {
				rejected = append(rejected, store.Alternative{
					KeyID:             k.ID,
					ReasonNotSelected: fmt.Sprintf("estimated cost $%.6f over policy cap $%.6f", cost, cons.MaxCostPerRequest),
				})
				continue
			}
		}
		if cons.MinReliability > 0 {
			if rate := k.SuccessRate(); rate < cons.MinReliability {
				rejected = append(rejected, store.Alternative{
					KeyID:             k.ID,
					ReasonNotSelected: fmt.Sprintf("success rate %.2f below policy floor %.2f", rate, cons.MinReliability),
				})
				continue
			}
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, nil, &NoEligibleKeysError{
			Provider:   intent.Provider,
			RetryAfter: e.earliestCooldown(ctx, intent.Provider),
			Detail:     noCandidateDetail(len(eligible), len(rejected)),
		}
	}

	objective := intent.Objective.Primary
	if objective == "" {
		objective = DefaultObjective
	}

	scores := make(map[string]float64, len(candidates))
	explanations := make(map[string]string, len(candidates))
	eligibleIDs := make([]string, 0, len(candidates))
	best := -1
	for i, c := range candidates {
		score, why := e.score(intent, c, objective)

		// Quota pressure scales the base score, whatever the objective.
		if c.Quota != nil {
			score = clamp01(score * quota.Multiplier(c.Quota.CapacityState))
		}

		scores[c.Key.ID] = score
		explanations[c.Key.ID] = why
		eligibleIDs = append(eligibleIDs, c.Key.ID)
		if best < 0 || score > scores[candidates[best].Key.ID] {
			best = i
		}
	}

	winner := candidates[best]
	if s, ok := e.strategies[objective].(selectionAware); ok {
		s.Selected(intent.Provider, winner.Key.ID)
	}

	quotaTag := "quota unknown"
	if winner.Quota != nil {
		quotaTag = "quota " + string(winner.Quota.CapacityState)
	}

	decision := store.DecisionRecord{
		ID:         uuid.NewString(),
		RequestID:  intent.RequestID,
		KeyID:      winner.Key.ID,
		ProviderID: intent.Provider,
		Objective: store.ObjectiveRecord{
			Primary:     objective,
			Secondary:   intent.Objective.Secondary,
			Weights:     intent.Objective.Weights,
			Constraints: intent.Objective.Constraints,
		},
		EligibleKeys: eligibleIDs,
		Scores:       scores,
		Explanation: fmt.Sprintf("selected key %s for %s by %s: %s (score %.4f, %s, %d eligible, %d filtered by quota)",
			winner.Key.ID, intent.Provider, objective, explanations[winner.Key.ID], scores[winner.Key.ID],
			quotaTag, len(eligible), quotaFiltered),
		Confidence:   e.confidence(scores, winner.Key.ID),
		Alternatives: e.alternatives(candidates, rejected, scores, winner.Key.ID),
		CreatedAt:    e.nowFunc().UTC(),
	}
	if err := e.store.SaveRoutingDecision(ctx, decision); err != nil {
		return nil, nil, err
	}

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:       events.EventRouteDecision,
			RequestID:  intent.RequestID,
			KeyID:      winner.Key.ID,
			ProviderID: intent.Provider,
			Objective:  objective,
			Reason:     explanations[winner.Key.ID],
		})
	}
	return &decision, winner, nil
}

// score computes the candidate's base score: a weighted blend when the
// objective carries explicit weights, otherwise the primary strategy
// with secondaries as small tie-breakers.
func (e *Engine) score(intent *RequestIntent, c *Candidate, objective string) (float64, string) {
	if len(intent.Objective.Weights) > 0 {
		var sum, wsum float64
		for name, w := range intent.Objective.Weights {
			s, ok := e.strategies[name]
			if !ok || w <= 0 {
				continue
			}
			v, _ := s.Score(intent, c)
			sum += w * v
			wsum += w
		}
		if wsum > 0 {
			return sum / wsum, "weighted blend"
		}
	}

	primary := e.strategies[objective]
	score, why := primary.Score(intent, c)

	// Secondary objectives break ties without overturning the primary.
	const tieWeight = 0.001
	for _, name := range intent.Objective.Secondary {
		if s, ok := e.strategies[name]; ok {
			v, _ := s.Score(intent, c)
			score += tieWeight * v
		}
	}
	return score, why
}

// confidence reflects the winner's margin over the runner-up.
func (e *Engine) confidence(scores map[string]float64, winnerID string) float64 {
	bestScore := scores[winnerID]
	second := 0.0
	for id, s := range scores {
		if id != winnerID && s > second {
			second = s
		}
	}
	if len(scores) == 1 {
		return clamp01(bestScore)
	}
	return clamp01(0.5 + (bestScore - second))
}

func (e *Engine) alternatives(candidates []*Candidate, rejected []store.Alternative, scores map[string]float64, winnerID string) []store.Alternative {
	out := make([]store.Alternative, 0, len(candidates)+len(rejected)-1)
	for _, c := range candidates {
		if c.Key.ID == winnerID {
			continue
		}
		out = append(out, store.Alternative{
			KeyID:             c.Key.ID,
			Score:             scores[c.Key.ID],
			ReasonNotSelected: "lower score",
		})
	}
	out = append(out, rejected...)
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// earliestCooldown finds when the soonest throttled key frees up, for
// the Retry-After hint on a 503.
func (e *Engine) earliestCooldown(ctx context.Context, providerID string) time.Duration {
	all, err := e.keys.List(ctx, providerID)
	if err != nil {
		return 0
	}
	now := e.nowFunc()
	var min time.Duration
	for i := range all {
		k := &all[i]
		if k.State != store.KeyThrottled || k.CooldownUntil == nil {
			continue
		}
		d := k.CooldownUntil.Sub(now)
		if d > 0 && (min == 0 || d < min) {
			min = d
		}
	}
	return min
}

func noCandidateDetail(eligible, rejected int) string {
	if eligible == 0 {
		return "no keys in a routable state"
	}
	return fmt.Sprintf("%d eligible keys, all %d rejected by policy or quota", eligible, rejected)
}
