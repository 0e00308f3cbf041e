package routing

import (
	"context"
	"testing"
	"time"

	"github.com/jordanhubbard/keymux/internal/policy"
	"github.com/jordanhubbard/keymux/internal/store"
)

func TestQuotaPressureShiftsSelection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Identical keys, but one is almost out of quota.
	critical, _ := h.keys.Register(ctx, "openai", "sk-critical", nil)
	abundant, _ := h.keys.Register(ctx, "openai", "sk-abundant", nil)

	reset := h.now.Add(24 * time.Hour)
	_ = h.quota.SetLimits(ctx, critical.ID, "openai", 100, store.UnitRequests, store.WindowDaily, reset)
	_ = h.quota.RecordUsage(ctx, critical.ID, "openai", 90)
	_ = h.quota.SetLimits(ctx, abundant.ID, "openai", 100, store.UnitRequests, store.WindowDaily, reset)
	_ = h.quota.RecordUsage(ctx, abundant.ID, "openai", 10)

	adapter := okAdapter("openai")
	decision, cand, err := h.engine.Route(ctx, testIntent("reliability"), adapter, nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cand.Key.ID != abundant.ID {
		t.Errorf("selected %s, want the abundant key %s", cand.Key.ID, abundant.ID)
	}
	if decision.Scores[abundant.ID] <= decision.Scores[critical.ID] {
		t.Errorf("abundant scored %v <= critical %v", decision.Scores[abundant.ID], decision.Scores[critical.ID])
	}
}

func TestExhaustedQuotaExcludesKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spent, _ := h.keys.Register(ctx, "openai", "sk-spent", nil)
	fresh, _ := h.keys.Register(ctx, "openai", "sk-fresh", nil)

	reset := h.now.Add(24 * time.Hour)
	_ = h.quota.SetLimits(ctx, spent.ID, "openai", 100, store.UnitRequests, store.WindowDaily, reset)

	// Consume the quota without going through RecordUsage's key
	// transition, so only the capacity state excludes it.
	q, _ := h.store.GetQuotaState(ctx, spent.ID)
	q.UsedCapacity = 100
	q.CapacityState = store.CapacityExhausted
	_ = h.store.SaveQuotaState(ctx, *q)

	decision, cand, err := h.engine.Route(ctx, testIntent(""), okAdapter("openai"), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cand.Key.ID != fresh.ID {
		t.Errorf("selected %s, want %s", cand.Key.ID, fresh.ID)
	}
	found := false
	for _, alt := range decision.Alternatives {
		if alt.KeyID == spent.ID && alt.ReasonNotSelected == "quota exhausted" {
			found = true
		}
	}
	if !found {
		t.Errorf("alternatives = %+v, want quota-exhausted entry for %s", decision.Alternatives, spent.ID)
	}
}

func TestPolicyCostCapFiltersKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pricey, _ := h.keys.Register(ctx, "openai", "sk-pricey", map[string]string{"estimated_cost_per_request": "0.50"})
	cheap, _ := h.keys.Register(ctx, "openai", "sk-cheap", map[string]string{"estimated_cost_per_request": "0.001"})

	_, _ = h.policy.Upsert(policy.Policy{
		Name:    "cost-cap",
		Enabled: true,
		Rules:   policy.Rules{MaxCostPerRequest: 0.01},
	})

	_, cand, err := h.engine.Route(ctx, testIntent(""), okAdapter("openai"), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cand.Key.ID != cheap.ID {
		t.Errorf("selected %s, want %s (pricey key %s over the cap)", cand.Key.ID, cheap.ID, pricey.ID)
	}
}

func TestConfidenceReflectsMargin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.keys.Register(ctx, "openai", "sk-cheap", map[string]string{"estimated_cost_per_request": "0.0001"})
	_, _ = h.keys.Register(ctx, "openai", "sk-dear", map[string]string{"estimated_cost_per_request": "0.90"})

	wide, _, err := h.engine.Route(ctx, testIntent("cost"), okAdapter("openai"), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	h2 := newHarness(t)
	_, _ = h2.keys.Register(ctx, "openai", "sk-a", map[string]string{"estimated_cost_per_request": "0.010"})
	_, _ = h2.keys.Register(ctx, "openai", "sk-b", map[string]string{"estimated_cost_per_request": "0.011"})
	narrow, _, err := h2.engine.Route(ctx, testIntent("cost"), okAdapter("openai"), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	if wide.Confidence <= narrow.Confidence {
		t.Errorf("wide margin confidence %v <= narrow %v", wide.Confidence, narrow.Confidence)
	}
}

func TestExcludedKeysNotRouted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, _ := h.keys.Register(ctx, "openai", "sk-a", nil)
	b, _ := h.keys.Register(ctx, "openai", "sk-b", nil)

	_, cand, err := h.engine.Route(ctx, testIntent(""), okAdapter("openai"), map[string]bool{a.ID: true})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cand.Key.ID != b.ID {
		t.Errorf("selected %s, want %s", cand.Key.ID, b.ID)
	}

	_, _, err = h.engine.Route(ctx, testIntent(""), okAdapter("openai"), map[string]bool{a.ID: true, b.ID: true})
	if err == nil {
		t.Fatal("expected no-eligible-keys with everything excluded")
	}
}
