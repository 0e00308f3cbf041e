package routing

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/jordanhubbard/keymux/internal/health"
	"github.com/jordanhubbard/keymux/internal/quota"
	"github.com/jordanhubbard/keymux/internal/store"
)

// Candidate is one eligible key with everything a strategy may score
// it on. Quota is nil when no quota signal exists for the key yet.
type Candidate struct {
	Key     *store.KeyRecord
	Quota   *store.QuotaRecord
	Adapter Adapter
}

// Strategy scores a candidate in [0, 1] for a given request. Higher is
// better. The explanation feeds the routing decision's audit record.
type Strategy interface {
	Name() string
	Score(intent *RequestIntent, c *Candidate) (float64, string)
}

// selectionAware strategies are told which key won, so they can adjust
// future scoring (round-robin tie-breaking).
type selectionAware interface {
	Selected(providerID, keyID string)
}

// Per-request cost metadata keys an operator may set on a key.
const (
	metaCostPerRequest = "estimated_cost_per_request"
	metaCostPer1K      = "cost_per_1k"
)

// costStrategy prefers the cheapest key. Per-key cost metadata wins
// over the adapter's model-level estimate, so two keys on the same
// provider can still differ in price (negotiated rates, billing tiers).
type costStrategy struct{}

func (costStrategy) Name() string { return "cost" }

func (costStrategy) Score(intent *RequestIntent, c *Candidate) (float64, string) {
	cost, source := estimateCandidateCost(intent, c)
	score := 1.0 / (1.0 + cost)
	return score, fmt.Sprintf("estimated cost $%.6f (%s)", cost, source)
}

// estimateCandidateCost resolves the best available per-request cost
// signal for a candidate.
func estimateCandidateCost(intent *RequestIntent, c *Candidate) (float64, string) {
	if v, ok := c.Key.Metadata[metaCostPerRequest]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f, "key metadata"
		}
	}
	if v, ok := c.Key.Metadata[metaCostPer1K]; ok {
		if per1k, err := strconv.ParseFloat(v, 64); err == nil && per1k >= 0 {
			tokens := EstimateInputTokens(intent) + EstimateOutputTokens(intent, 0)
			return per1k * float64(tokens) / 1000.0, "key rate"
		}
	}
	if c.Adapter != nil {
		return c.Adapter.EstimateCost(intent).AmountUSD, "model pricing"
	}
	return float64(DefaultOutputTokens) / 1000.0 * 0.002, "default rate"
}

// Reliability component weights.
const (
	wSuccessRate = 0.70
	wKeyState    = 0.20
	wQuotaState  = 0.10
)

// reliabilityStrategy prefers keys with a clean track record and
// healthy lifecycle and quota states.
type reliabilityStrategy struct{}

func (reliabilityStrategy) Name() string { return "reliability" }

func (reliabilityStrategy) Score(_ *RequestIntent, c *Candidate) (float64, string) {
	sr := c.Key.SuccessRate()
	score := wSuccessRate*sr + wKeyState*keyStateScore(c.Key.State) + wQuotaState*quotaStateScore(c.Quota)

	// Heavy recent failures cut the score even when the long-run rate
	// still looks fine.
	if ratio := c.Key.FailureRatio(); ratio > 0.10 {
		score *= 1 - 0.5*ratio
	}
	return clamp01(score), fmt.Sprintf("success rate %.2f, state %s", sr, c.Key.State)
}

func keyStateScore(s store.KeyState) float64 {
	switch s {
	case store.KeyAvailable:
		return 1.0
	case store.KeyThrottled:
		return 0.7
	case store.KeyRecovering:
		return 0.5
	default:
		return 0.0
	}
}

func quotaStateScore(q *store.QuotaRecord) float64 {
	if q == nil {
		return 0.8
	}
	return quota.StateScore(q.CapacityState)
}

// fairnessStrategy spreads load by preferring the least-used key, with
// a round-robin nudge so equally-used keys rotate instead of always
// resolving the tie the same way.
type fairnessStrategy struct {
	mu           sync.Mutex
	lastSelected map[string]string // provider -> key id
}

func newFairnessStrategy() *fairnessStrategy {
	return &fairnessStrategy{lastSelected: make(map[string]string)}
}

func (*fairnessStrategy) Name() string { return "fairness" }

func (f *fairnessStrategy) Score(_ *RequestIntent, c *Candidate) (float64, string) {
	score := 1.0 / (1.0 + float64(c.Key.UsageCount))

	f.mu.Lock()
	last := f.lastSelected[c.Key.ProviderID]
	f.mu.Unlock()
	if last == c.Key.ID {
		score *= 0.999
	}
	return score, fmt.Sprintf("usage count %d", c.Key.UsageCount)
}

func (f *fairnessStrategy) Selected(providerID, keyID string) {
	f.mu.Lock()
	f.lastSelected[providerID] = keyID
	f.mu.Unlock()
}

// Quality metadata keys.
const (
	metaQualityScore = "quality_score"
	metaQualityTier  = "quality_tier"
)

var qualityTiers = map[string]float64{
	"premium":  1.0,
	"standard": 0.7,
	"economy":  0.5,
}

// qualityStrategy prefers keys the operator has marked as backed by
// better models or tiers.
type qualityStrategy struct{}

func (qualityStrategy) Name() string { return "quality" }

func (qualityStrategy) Score(_ *RequestIntent, c *Candidate) (float64, string) {
	if v, ok := c.Key.Metadata[metaQualityScore]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return clamp01(f), fmt.Sprintf("quality score %s", v)
		}
	}
	if tier, ok := c.Key.Metadata[metaQualityTier]; ok {
		if s, known := qualityTiers[tier]; known {
			return s, fmt.Sprintf("quality tier %s", tier)
		}
	}
	return 0.7, "no quality signal"
}

// latencyStrategy prefers keys with low observed latency, read from
// the runtime tracker.
type latencyStrategy struct {
	tracker *health.Tracker
}

func (latencyStrategy) Name() string { return "latency" }

func (l latencyStrategy) Score(_ *RequestIntent, c *Candidate) (float64, string) {
	if l.tracker == nil {
		return 0.8, "no latency signal"
	}
	avg := l.tracker.AvgLatencyMs(c.Key.ID)
	if avg <= 0 {
		return 0.8, "no latency samples"
	}
	score := 1.0 / (1.0 + avg/500.0)
	return score, fmt.Sprintf("avg latency %.0fms", avg)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
