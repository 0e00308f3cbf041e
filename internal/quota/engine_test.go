package quota

import (
	"context"
	"testing"
	"time"

	"github.com/jordanhubbard/keymux/internal/keys"
	"github.com/jordanhubbard/keymux/internal/store"
	"github.com/jordanhubbard/keymux/internal/vault"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		used, total int64
		want        store.CapacityState
	}{
		{"unknown total", 100, 0, store.CapacityUnknown},
		{"abundant", 40, 100, store.CapacityAbundant},
		{"boundary abundant", 49, 100, store.CapacityAbundant},
		{"constrained", 50, 100, store.CapacityConstrained},
		{"boundary constrained", 79, 100, store.CapacityConstrained},
		{"critical", 80, 100, store.CapacityCritical},
		{"near empty", 99, 100, store.CapacityCritical},
		{"exhausted", 100, 100, store.CapacityExhausted},
		{"over", 120, 100, store.CapacityExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.used, tt.total); got != tt.want {
				t.Errorf("Classify(%d, %d) = %s, want %s", tt.used, tt.total, got, tt.want)
			}
		})
	}
}

func TestMultiplier(t *testing.T) {
	tests := []struct {
		state store.CapacityState
		want  float64
	}{
		{store.CapacityAbundant, 1.20},
		{store.CapacityConstrained, 0.85},
		{store.CapacityCritical, 0.70},
		{store.CapacityRecovering, 0.95},
		{store.CapacityExhausted, 0},
		{store.CapacityUnknown, 1.0},
	}
	for _, tt := range tests {
		if got := Multiplier(tt.state); got != tt.want {
			t.Errorf("Multiplier(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func newTestEngine(t *testing.T, now *time.Time) (*Engine, *keys.Manager, *store.MemoryStore) {
	t.Helper()
	v, err := vault.New("test-passphrase", "test-salt")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	st := store.NewMemory()
	clock := func() time.Time { return *now }
	km := keys.NewManager(st, v, keys.WithNowFunc(clock))
	return NewEngine(st, km, WithNowFunc(clock)), km, st
}

func TestUsageDrivesCapacityState(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e, km, _ := newTestEngine(t, &now)
	ctx := context.Background()

	k, _ := km.Register(ctx, "openai", "sk-x", nil)
	reset := now.Add(24 * time.Hour)
	if err := e.SetLimits(ctx, k.ID, "openai", 100, store.UnitRequests, store.WindowDaily, reset); err != nil {
		t.Fatalf("SetLimits: %v", err)
	}

	if err := e.RecordUsage(ctx, k.ID, "openai", 60); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	rec, _ := e.State(ctx, k.ID)
	if rec.CapacityState != store.CapacityConstrained {
		t.Errorf("state = %s, want constrained", rec.CapacityState)
	}

	if err := e.RecordUsage(ctx, k.ID, "openai", 40); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	rec, _ = e.State(ctx, k.ID)
	if rec.CapacityState != store.CapacityExhausted {
		t.Errorf("state = %s, want exhausted", rec.CapacityState)
	}

	// Quota exhaustion sidelines the key.
	kr, _ := km.Get(ctx, k.ID)
	if kr.State != store.KeyExhausted {
		t.Errorf("key state = %s, want exhausted", kr.State)
	}
}

func TestLazyWindowReset(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e, km, _ := newTestEngine(t, &now)
	ctx := context.Background()

	k, _ := km.Register(ctx, "openai", "sk-x", nil)
	reset := now.Add(24 * time.Hour)
	_ = e.SetLimits(ctx, k.ID, "openai", 100, store.UnitRequests, store.WindowDaily, reset)
	_ = e.RecordUsage(ctx, k.ID, "openai", 100)

	kr, _ := km.Get(ctx, k.ID)
	if kr.State != store.KeyExhausted {
		t.Fatalf("key state = %s, want exhausted before reset", kr.State)
	}

	// Cross the reset boundary; the next read starts a fresh window.
	now = now.Add(25 * time.Hour)
	rec, err := e.State(ctx, k.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if rec.UsedCapacity != 0 {
		t.Errorf("used = %d, want 0 after reset", rec.UsedCapacity)
	}
	if rec.CapacityState != store.CapacityAbundant {
		t.Errorf("state = %s, want abundant after reset", rec.CapacityState)
	}
	if !rec.ResetAt.After(now) {
		t.Errorf("reset_at = %v not advanced past %v", rec.ResetAt, now)
	}

	kr, _ = km.Get(ctx, k.ID)
	if kr.State != store.KeyAvailable {
		t.Errorf("key state = %s, want available after reset", kr.State)
	}
}

func TestRecordExhaustionFromProviderError(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e, km, _ := newTestEngine(t, &now)
	ctx := context.Background()

	k, _ := km.Register(ctx, "openai", "sk-x", nil)
	resetAt := now.Add(6 * time.Hour)
	if err := e.RecordExhaustion(ctx, k.ID, "openai", resetAt); err != nil {
		t.Fatalf("RecordExhaustion: %v", err)
	}

	rec, _ := e.State(ctx, k.ID)
	if rec.CapacityState != store.CapacityExhausted {
		t.Errorf("state = %s, want exhausted", rec.CapacityState)
	}
	kr, _ := km.Get(ctx, k.ID)
	if kr.State != store.KeyExhausted {
		t.Errorf("key state = %s, want exhausted", kr.State)
	}
}

func TestRateLimitDemotesQuotaAndThrottlesKey(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e, km, _ := newTestEngine(t, &now)
	ctx := context.Background()

	k, _ := km.Register(ctx, "openai", "sk-x", nil)
	if err := e.RecordRateLimit(ctx, k.ID, "openai", 45*time.Second); err != nil {
		t.Fatalf("RecordRateLimit: %v", err)
	}

	rec, _ := e.State(ctx, k.ID)
	if rec.CapacityState != store.CapacityConstrained {
		t.Errorf("state = %s, want constrained after a rate limit", rec.CapacityState)
	}
	kr, _ := km.Get(ctx, k.ID)
	if kr.State != store.KeyThrottled {
		t.Errorf("key state = %s, want throttled", kr.State)
	}
	if kr.CooldownUntil == nil || !kr.CooldownUntil.Equal(now.Add(45*time.Second)) {
		t.Errorf("cooldown = %v, want %v", kr.CooldownUntil, now.Add(45*time.Second))
	}
}

func TestRateLimitKeepsCriticalState(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e, km, _ := newTestEngine(t, &now)
	ctx := context.Background()

	k, _ := km.Register(ctx, "openai", "sk-x", nil)
	_ = e.SetLimits(ctx, k.ID, "openai", 100, store.UnitRequests, store.WindowDaily, now.Add(24*time.Hour))
	_ = e.RecordUsage(ctx, k.ID, "openai", 85)

	if err := e.RecordRateLimit(ctx, k.ID, "openai", 10*time.Second); err != nil {
		t.Fatalf("RecordRateLimit: %v", err)
	}
	rec, _ := e.State(ctx, k.ID)
	if rec.CapacityState != store.CapacityCritical {
		t.Errorf("state = %s, want critical (counters already past the threshold)", rec.CapacityState)
	}
}

func TestRecoveringBeforeReset(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e, km, _ := newTestEngine(t, &now)
	ctx := context.Background()

	k, _ := km.Register(ctx, "openai", "sk-x", nil)
	reset := now.Add(6 * time.Hour)
	_ = e.SetLimits(ctx, k.ID, "openai", 100, store.UnitRequests, store.WindowDaily, reset)
	_ = e.RecordExhaustion(ctx, k.ID, "openai", reset)

	// Well before the reset: still exhausted.
	rec, _ := e.State(ctx, k.ID)
	if rec.CapacityState != store.CapacityExhausted {
		t.Fatalf("state = %s, want exhausted far from reset", rec.CapacityState)
	}

	// Inside the recovery window the quota and the key start recovering.
	now = reset.Add(-2 * time.Minute)
	rec, _ = e.State(ctx, k.ID)
	if rec.CapacityState != store.CapacityRecovering {
		t.Errorf("state = %s, want recovering near reset", rec.CapacityState)
	}
	kr, _ := km.Get(ctx, k.ID)
	if kr.State != store.KeyRecovering {
		t.Errorf("key state = %s, want recovering", kr.State)
	}

	// Past the reset everything returns to full rotation.
	now = reset.Add(time.Minute)
	rec, _ = e.State(ctx, k.ID)
	if rec.CapacityState != store.CapacityAbundant {
		t.Errorf("state = %s, want abundant after reset", rec.CapacityState)
	}
	kr, _ = km.Get(ctx, k.ID)
	if kr.State != store.KeyAvailable {
		t.Errorf("key state = %s, want available after reset", kr.State)
	}
}

func TestUsageWithoutLimits(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e, km, _ := newTestEngine(t, &now)
	ctx := context.Background()

	k, _ := km.Register(ctx, "openai", "sk-x", nil)
	if err := e.RecordUsage(ctx, k.ID, "openai", 500); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	rec, _ := e.State(ctx, k.ID)
	if rec.CapacityState != store.CapacityUnknown {
		t.Errorf("state = %s, want unknown with no limits", rec.CapacityState)
	}
	if rec.Remaining() != -1 {
		t.Errorf("Remaining = %d, want -1 for unknown total", rec.Remaining())
	}
}
