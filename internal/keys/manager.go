// Package keys implements the lifecycle of managed provider keys: a
// strict state machine over encrypted key records, with audited access
// to the decrypted material.
package keys

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/keymux/internal/events"
	"github.com/jordanhubbard/keymux/internal/store"
	"github.com/jordanhubbard/keymux/internal/vault"
)

// DefaultCooldown is applied to throttled keys when the provider did
// not send a Retry-After hint.
const DefaultCooldown = 60 * time.Second

// allowedTransitions is the legal state machine for key lifecycle
// states. Any transition not listed here is rejected.
var allowedTransitions = map[store.KeyState][]store.KeyState{
	store.KeyAvailable:  {store.KeyThrottled, store.KeyExhausted, store.KeyDisabled, store.KeyInvalid},
	store.KeyThrottled:  {store.KeyAvailable, store.KeyExhausted, store.KeyDisabled, store.KeyInvalid},
	store.KeyExhausted:  {store.KeyRecovering, store.KeyAvailable, store.KeyDisabled},
	store.KeyRecovering: {store.KeyAvailable, store.KeyThrottled, store.KeyExhausted, store.KeyDisabled, store.KeyInvalid},
	store.KeyDisabled:   {store.KeyAvailable},
	// Invalid is terminal: a rejected credential can only be disabled.
	// Re-enabling goes through Disabled after the material is replaced.
	store.KeyInvalid: {store.KeyDisabled},
}

// IllegalTransitionError reports an attempted state change the state
// machine forbids.
type IllegalTransitionError struct {
	KeyID string
	From  store.KeyState
	To    store.KeyState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("keys: illegal transition %s -> %s for key %s", e.From, e.To, e.KeyID)
}

// NotFoundError reports an unknown key id.
type NotFoundError struct {
	KeyID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("keys: key %s not found", e.KeyID)
}

// AccessDeniedError reports a refused material access.
type AccessDeniedError struct {
	KeyID string
	State store.KeyState
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("keys: material access denied for key %s in state %s", e.KeyID, e.State)
}

const lockStripes = 64

// Manager owns key lifecycle and material access. All state mutations
// for a single key are serialized through a striped lock, so concurrent
// transitions cannot interleave.
type Manager struct {
	store store.Store
	vault *vault.Vault
	bus   *events.Bus

	defaultCooldown time.Duration

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time

	locks [lockStripes]sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventBus attaches an event bus for transition and access events.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithDefaultCooldown overrides the cooldown applied when a provider
// throttles without a Retry-After hint.
func WithDefaultCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultCooldown = d
		}
	}
}

// WithNowFunc overrides the clock; test hook.
func WithNowFunc(fn func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = fn }
}

// NewManager creates a key manager backed by the given store and vault.
func NewManager(st store.Store, v *vault.Vault, opts ...Option) *Manager {
	m := &Manager{
		store:           st,
		vault:           v,
		defaultCooldown: DefaultCooldown,
		nowFunc:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lockFor(keyID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(keyID))
	return &m.locks[h.Sum32()%lockStripes]
}

// Register encrypts the raw material and stores a new key in the
// Available state. The plaintext is never persisted or logged.
func (m *Manager) Register(ctx context.Context, providerID, material string, metadata map[string]string) (*store.KeyRecord, error) {
	if providerID == "" {
		return nil, fmt.Errorf("keys: provider id required")
	}
	if material == "" {
		return nil, fmt.Errorf("keys: key material required")
	}

	enc, err := m.vault.EncryptString(material)
	if err != nil {
		return nil, fmt.Errorf("keys: encrypt material: %w", err)
	}

	now := m.nowFunc().UTC()
	rec := store.KeyRecord{
		ID:                uuid.NewString(),
		ProviderID:        providerID,
		EncryptedMaterial: enc,
		State:             store.KeyAvailable,
		StateUpdatedAt:    now,
		CreatedAt:         now,
		Metadata:          metadata,
	}
	if err := m.store.SaveKey(ctx, rec); err != nil {
		return nil, err
	}

	m.recordTransition(ctx, rec.ID, "", store.KeyAvailable, store.TriggerManual, "key registered")
	return rec.Clone(), nil
}

// Get returns a copy of the key record.
func (m *Manager) Get(ctx context.Context, id string) (*store.KeyRecord, error) {
	rec, err := m.store.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &NotFoundError{KeyID: id}
	}
	return rec, nil
}

// List returns all keys, or only those for providerID when non-empty.
func (m *Manager) List(ctx context.Context, providerID string) ([]store.KeyRecord, error) {
	return m.store.ListKeys(ctx, providerID)
}

// Material decrypts and returns the raw key material. Every access is
// audited through a key_access event, whether it succeeds or not.
// Material of disabled or invalid keys is never released.
func (m *Manager) Material(ctx context.Context, id string) (string, error) {
	rec, err := m.store.GetKey(ctx, id)
	if err != nil {
		m.recordAccess(id, "", "decrypt", "error")
		return "", err
	}
	if rec == nil {
		m.recordAccess(id, "", "decrypt", "not_found")
		return "", &NotFoundError{KeyID: id}
	}
	if rec.State == store.KeyDisabled || rec.State == store.KeyInvalid {
		m.recordAccess(id, rec.ProviderID, "decrypt", "denied")
		return "", &AccessDeniedError{KeyID: id, State: rec.State}
	}

	plain, err := m.vault.DecryptString(rec.EncryptedMaterial)
	if err != nil {
		m.recordAccess(id, rec.ProviderID, "decrypt", "error")
		return "", fmt.Errorf("keys: decrypt material: %w", err)
	}
	m.recordAccess(id, rec.ProviderID, "decrypt", "success")
	return plain, nil
}

// Eligible returns the keys that may serve a request for the provider:
// Available and Recovering keys, plus Throttled keys whose cooldown has
// expired, which are flipped back to Available on the way out.
func (m *Manager) Eligible(ctx context.Context, providerID string) ([]store.KeyRecord, error) {
	all, err := m.store.ListKeys(ctx, providerID)
	if err != nil {
		return nil, err
	}

	now := m.nowFunc()
	out := make([]store.KeyRecord, 0, len(all))
	for i := range all {
		k := all[i]
		switch k.State {
		case store.KeyAvailable, store.KeyRecovering:
			out = append(out, k)
		case store.KeyThrottled:
			if k.CooldownUntil != nil && !now.Before(*k.CooldownUntil) {
				if err := m.Transition(ctx, k.ID, store.KeyAvailable, store.TriggerAutomatic, "cooldown expired"); err == nil {
					refreshed, gerr := m.store.GetKey(ctx, k.ID)
					if gerr == nil && refreshed != nil {
						out = append(out, *refreshed)
					}
				}
			}
		}
	}
	return out, nil
}

// Transition moves a key to a new state if the state machine allows it.
// The change is persisted, recorded as a transition, and published on
// the event bus.
func (m *Manager) Transition(ctx context.Context, keyID string, to store.KeyState, trigger store.Trigger, reason string) error {
	mu := m.lockFor(keyID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if rec == nil {
		return &NotFoundError{KeyID: keyID}
	}
	if rec.State == to {
		return nil
	}
	// Entering Throttled requires a cooldown, which only Throttle sets.
	if to == store.KeyThrottled {
		return &IllegalTransitionError{KeyID: keyID, From: rec.State, To: to}
	}
	if !transitionAllowed(rec.State, to) {
		return &IllegalTransitionError{KeyID: keyID, From: rec.State, To: to}
	}

	from := rec.State
	rec.State = to
	rec.StateUpdatedAt = m.nowFunc().UTC()
	// cooldown_until is set iff the key is throttled.
	if to != store.KeyThrottled {
		rec.CooldownUntil = nil
	}
	if err := m.store.SaveKey(ctx, *rec); err != nil {
		return err
	}

	m.recordTransition(ctx, keyID, from, to, trigger, reason)
	return nil
}

// Throttle moves a key to Throttled and sets its cooldown in the same
// write, so no reader ever observes a throttled key without one. A zero
// retryAfter falls back to the configured default cooldown. Throttling
// an already throttled key extends the cooldown.
func (m *Manager) Throttle(ctx context.Context, keyID string, retryAfter time.Duration, reason string) error {
	if retryAfter <= 0 {
		retryAfter = m.defaultCooldown
	}

	mu := m.lockFor(keyID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if rec == nil {
		return &NotFoundError{KeyID: keyID}
	}
	if rec.State != store.KeyThrottled && !transitionAllowed(rec.State, store.KeyThrottled) {
		return &IllegalTransitionError{KeyID: keyID, From: rec.State, To: store.KeyThrottled}
	}

	from := rec.State
	now := m.nowFunc()
	until := now.Add(retryAfter)
	rec.State = store.KeyThrottled
	rec.StateUpdatedAt = now.UTC()
	rec.CooldownUntil = &until
	if err := m.store.SaveKey(ctx, *rec); err != nil {
		return err
	}

	if from != store.KeyThrottled {
		m.recordTransition(ctx, keyID, from, store.KeyThrottled, store.TriggerError, reason)
	}
	return nil
}

// Disable takes a key out of rotation until Enable is called.
func (m *Manager) Disable(ctx context.Context, keyID, reason string) error {
	return m.Transition(ctx, keyID, store.KeyDisabled, store.TriggerManual, reason)
}

// Enable returns a disabled key to rotation.
func (m *Manager) Enable(ctx context.Context, keyID, reason string) error {
	return m.Transition(ctx, keyID, store.KeyAvailable, store.TriggerManual, reason)
}

// MarkSuccess records a successful use of the key.
func (m *Manager) MarkSuccess(ctx context.Context, keyID string) error {
	mu := m.lockFor(keyID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if rec == nil {
		return &NotFoundError{KeyID: keyID}
	}
	now := m.nowFunc().UTC()
	rec.UsageCount++
	rec.LastUsedAt = &now
	return m.store.SaveKey(ctx, *rec)
}

// MarkFailure records a failed use of the key without changing state.
// State changes driven by the error class go through Transition.
func (m *Manager) MarkFailure(ctx context.Context, keyID string) error {
	mu := m.lockFor(keyID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if rec == nil {
		return &NotFoundError{KeyID: keyID}
	}
	rec.FailureCount++
	return m.store.SaveKey(ctx, *rec)
}

func transitionAllowed(from, to store.KeyState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (m *Manager) recordTransition(ctx context.Context, keyID string, from, to store.KeyState, trigger store.Trigger, reason string) {
	_ = m.store.SaveStateTransition(ctx, store.TransitionRecord{
		EntityType: "key",
		EntityID:   keyID,
		FromState:  string(from),
		ToState:    string(to),
		Timestamp:  m.nowFunc().UTC(),
		Trigger:    trigger,
		Context:    reason,
	})
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:     events.EventKeyTransition,
			KeyID:    keyID,
			OldState: string(from),
			NewState: string(to),
			Trigger:  string(trigger),
			Reason:   reason,
		})
	}
}

func (m *Manager) recordAccess(keyID, providerID, operation, outcome string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:       events.EventKeyAccess,
		KeyID:      keyID,
		ProviderID: providerID,
		Operation:  operation,
		Outcome:    outcome,
	})
}
