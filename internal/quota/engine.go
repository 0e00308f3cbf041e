// Package quota tracks observed provider capacity per key and derives
// the coarse capacity states that feed routing scores.
package quota

import (
	"context"
	"time"

	"github.com/jordanhubbard/keymux/internal/events"
	"github.com/jordanhubbard/keymux/internal/keys"
	"github.com/jordanhubbard/keymux/internal/store"
)

// Threshold ratios of remaining over total capacity.
const (
	abundantRatio    = 0.5
	constrainedRatio = 0.2
)

// recoveryWindow is how close to reset_at an exhausted quota flips to
// Recovering, pulling the key back toward rotation early.
const recoveryWindow = 5 * time.Minute

// Classify buckets a used/total pair into a capacity state. An unknown
// total yields CapacityUnknown.
func Classify(used, total int64) store.CapacityState {
	if total <= 0 {
		return store.CapacityUnknown
	}
	remaining := total - used
	if remaining <= 0 {
		return store.CapacityExhausted
	}
	ratio := float64(remaining) / float64(total)
	switch {
	case ratio > abundantRatio:
		return store.CapacityAbundant
	case ratio > constrainedRatio:
		return store.CapacityConstrained
	default:
		return store.CapacityCritical
	}
}

// Multiplier returns the score multiplier a capacity state applies to a
// candidate's base score. Callers clamp the product to [0, 1].
func Multiplier(s store.CapacityState) float64 {
	switch s {
	case store.CapacityAbundant:
		return 1.20
	case store.CapacityConstrained:
		return 0.85
	case store.CapacityCritical:
		return 0.70
	case store.CapacityRecovering:
		return 0.95
	case store.CapacityExhausted:
		return 0
	default:
		return 1.0
	}
}

// StateScore returns the quota component of the reliability score.
func StateScore(s store.CapacityState) float64 {
	switch s {
	case store.CapacityAbundant:
		return 1.0
	case store.CapacityConstrained:
		return 0.7
	case store.CapacityCritical:
		return 0.4
	case store.CapacityRecovering:
		return 0.6
	case store.CapacityExhausted:
		return 0.0
	default:
		return 0.8 // no quota signal yet
	}
}

// Engine maintains quota records and drives the key transitions that
// follow from quota exhaustion and reset.
type Engine struct {
	store store.Store
	keys  *keys.Manager
	bus   *events.Bus

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventBus attaches an event bus for quota_change events.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithNowFunc overrides the clock; test hook.
func WithNowFunc(fn func() time.Time) Option {
	return func(e *Engine) { e.nowFunc = fn }
}

// NewEngine creates a quota engine.
func NewEngine(st store.Store, km *keys.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		keys:    km,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetLimits configures the known capacity for a key's quota window.
func (e *Engine) SetLimits(ctx context.Context, keyID, providerID string, total int64, unit store.CapacityUnit, window store.TimeWindow, resetAt time.Time) error {
	rec, err := e.store.GetQuotaState(ctx, keyID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &store.QuotaRecord{KeyID: keyID, ProviderID: providerID}
	}
	rec.TotalCapacity = total
	rec.Unit = unit
	rec.Window = window
	rec.ResetAt = resetAt
	return e.save(ctx, rec)
}

// RecordUsage adds observed consumption to a key's quota window. A
// missing record is created with an unknown total, so usage tracking
// works before limits are learned.
func (e *Engine) RecordUsage(ctx context.Context, keyID, providerID string, amount int64) error {
	rec, err := e.load(ctx, keyID, providerID)
	if err != nil {
		return err
	}
	rec.UsedCapacity += amount
	if err := e.save(ctx, rec); err != nil {
		return err
	}
	if rec.CapacityState == store.CapacityExhausted {
		return e.keys.Transition(ctx, keyID, store.KeyExhausted, store.TriggerAutomatic, "quota consumed")
	}
	return nil
}

// RecordRateLimit reacts to a provider rate-limit signal: the key is
// throttled for retryAfter and the capacity state is demoted to
// Constrained, or Critical when the counters already put it there. A
// rate limit means the window is tighter than the usage numbers
// suggest.
func (e *Engine) RecordRateLimit(ctx context.Context, keyID, providerID string, retryAfter time.Duration) error {
	rec, err := e.load(ctx, keyID, providerID)
	if err != nil {
		return err
	}
	old := rec.CapacityState
	state := Classify(rec.UsedCapacity, rec.TotalCapacity)
	if state != store.CapacityCritical && state != store.CapacityExhausted {
		state = store.CapacityConstrained
	}
	rec.CapacityState = state
	if err := e.persist(ctx, rec, old); err != nil {
		return err
	}
	return e.keys.Throttle(ctx, keyID, retryAfter, "provider rate limit")
}

// RecordExhaustion marks a key's quota as spent, typically after the
// provider returned a quota-exceeded error. The key moves to Exhausted.
func (e *Engine) RecordExhaustion(ctx context.Context, keyID, providerID string, resetAt time.Time) error {
	rec, err := e.load(ctx, keyID, providerID)
	if err != nil {
		return err
	}
	old := rec.CapacityState
	if rec.TotalCapacity > 0 {
		rec.UsedCapacity = rec.TotalCapacity
	}
	rec.CapacityState = store.CapacityExhausted
	if !resetAt.IsZero() {
		rec.ResetAt = resetAt
	}
	if err := e.persist(ctx, rec, old); err != nil {
		return err
	}
	return e.keys.Transition(ctx, keyID, store.KeyExhausted, store.TriggerError, "provider reported quota exceeded")
}

// State returns the current quota record for a key, applying a lazy
// window reset when ResetAt has passed. Returns nil when the key has no
// quota signal yet.
func (e *Engine) State(ctx context.Context, keyID string) (*store.QuotaRecord, error) {
	rec, err := e.store.GetQuotaState(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if !rec.ResetAt.IsZero() && !e.nowFunc().Before(rec.ResetAt) {
		if err := e.reset(ctx, rec); err != nil {
			return nil, err
		}
	} else if err := e.maybeRecover(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// load fetches or creates the record and applies the lazy reset.
func (e *Engine) load(ctx context.Context, keyID, providerID string) (*store.QuotaRecord, error) {
	rec, err := e.store.GetQuotaState(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &store.QuotaRecord{
			KeyID:      keyID,
			ProviderID: providerID,
			Window:     store.WindowDaily,
		}, nil
	}
	if !rec.ResetAt.IsZero() && !e.nowFunc().Before(rec.ResetAt) {
		if err := e.reset(ctx, rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// maybeRecover flips an exhausted quota to Recovering when the window
// reset is imminent. The owning key follows.
func (e *Engine) maybeRecover(ctx context.Context, rec *store.QuotaRecord) error {
	if rec.CapacityState != store.CapacityExhausted || rec.ResetAt.IsZero() {
		return nil
	}
	if rec.ResetAt.Sub(e.nowFunc()) > recoveryWindow {
		return nil
	}

	old := rec.CapacityState
	rec.CapacityState = store.CapacityRecovering
	if err := e.persist(ctx, rec, old); err != nil {
		return err
	}

	k, err := e.keys.Get(ctx, rec.KeyID)
	if err != nil {
		return nil
	}
	if k.State == store.KeyExhausted {
		return e.keys.Transition(ctx, rec.KeyID, store.KeyRecovering, store.TriggerAutomatic, "quota reset imminent")
	}
	return nil
}

// reset starts a fresh window: usage drops to zero and the key returns
// to rotation if quota exhaustion had sidelined it.
func (e *Engine) reset(ctx context.Context, rec *store.QuotaRecord) error {
	rec.UsedCapacity = 0
	rec.ResetAt = advanceWindow(rec.ResetAt, rec.Window, e.nowFunc())
	if err := e.save(ctx, rec); err != nil {
		return err
	}

	k, err := e.keys.Get(ctx, rec.KeyID)
	if err != nil {
		return nil // key may have been removed; quota reset still stands
	}
	if k.State == store.KeyExhausted || k.State == store.KeyRecovering {
		return e.keys.Transition(ctx, rec.KeyID, store.KeyAvailable, store.TriggerAutomatic, "quota window reset")
	}
	return nil
}

// save reclassifies the record from its counters and persists it.
func (e *Engine) save(ctx context.Context, rec *store.QuotaRecord) error {
	old := rec.CapacityState
	rec.CapacityState = Classify(rec.UsedCapacity, rec.TotalCapacity)
	return e.persist(ctx, rec, old)
}

// persist writes the record, emitting a transition record and a
// quota_change event when the capacity state moved.
func (e *Engine) persist(ctx context.Context, rec *store.QuotaRecord, old store.CapacityState) error {
	if err := e.saveRaw(ctx, rec); err != nil {
		return err
	}
	if old != rec.CapacityState {
		_ = e.store.SaveStateTransition(ctx, store.TransitionRecord{
			EntityType: "quota",
			EntityID:   rec.KeyID,
			FromState:  string(old),
			ToState:    string(rec.CapacityState),
			Timestamp:  e.nowFunc().UTC(),
			Trigger:    store.TriggerAutomatic,
		})
		if e.bus != nil {
			e.bus.Publish(events.Event{
				Type:       events.EventQuotaChange,
				KeyID:      rec.KeyID,
				ProviderID: rec.ProviderID,
				OldState:   string(old),
				NewState:   string(rec.CapacityState),
			})
		}
	}
	return nil
}

func (e *Engine) saveRaw(ctx context.Context, rec *store.QuotaRecord) error {
	rec.UpdatedAt = e.nowFunc().UTC()
	return e.store.SaveQuotaState(ctx, *rec)
}

// advanceWindow moves resetAt forward by whole windows until it is in
// the future relative to now.
func advanceWindow(resetAt time.Time, window store.TimeWindow, now time.Time) time.Time {
	if resetAt.IsZero() {
		return resetAt
	}
	for !now.Before(resetAt) {
		switch window {
		case store.WindowMinute:
			resetAt = resetAt.Add(time.Minute)
		case store.WindowHour:
			resetAt = resetAt.Add(time.Hour)
		case store.WindowMonthly:
			resetAt = resetAt.AddDate(0, 1, 0)
		default:
			resetAt = resetAt.AddDate(0, 0, 1)
		}
	}
	return resetAt
}
