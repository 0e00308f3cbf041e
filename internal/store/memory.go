package store

import (
	"context"
	"errors"
	"sync"
)

const (
	// DefaultMaxDecisions bounds the in-memory routing decision log.
	DefaultMaxDecisions = 10000
	// DefaultMaxTransitions bounds the in-memory transition log.
	DefaultMaxTransitions = 10000
)

// MemoryStore is the default Store backend. Key and quota rows are held
// in maps behind a single RWMutex, which makes per-key upserts
// trivially linearizable. Decision and transition logs are append-only
// ring-like slices: when a cap is exceeded the oldest entries are
// evicted and the eviction is counted.
type MemoryStore struct {
	maxDecisions   int
	maxTransitions int
	onEvict        func(collection string, n int)

	mu          sync.RWMutex
	keys        map[string]*KeyRecord
	byProvider  map[string][]string // provider_id -> key ids, insertion order
	quotas      map[string]*QuotaRecord
	budgets     map[string]*BudgetRecord
	decisions   []DecisionRecord
	transitions []TransitionRecord
	nextTransID int64
	evictions   map[string]int64
	closed      bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxDecisions caps the in-memory decision log.
func WithMaxDecisions(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxDecisions = n
		}
	}
}

// WithMaxTransitions caps the in-memory transition log.
func WithMaxTransitions(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxTransitions = n
		}
	}
}

// WithEvictionCallback registers a callback fired whenever audit
// records are evicted; used to keep the eviction metric current.
func WithEvictionCallback(fn func(collection string, n int)) MemoryOption {
	return func(s *MemoryStore) { s.onEvict = fn }
}

// NewMemory creates an empty MemoryStore.
func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		maxDecisions:   DefaultMaxDecisions,
		maxTransitions: DefaultMaxTransitions,
		keys:           make(map[string]*KeyRecord),
		byProvider:     make(map[string][]string),
		quotas:         make(map[string]*QuotaRecord),
		budgets:        make(map[string]*BudgetRecord),
		evictions:      make(map[string]int64),
		nextTransID:    1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var errClosed = errors.New("store closed")

func (s *MemoryStore) SaveKey(_ context.Context, k KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StoreError{Op: "save_key", Err: errClosed}
	}

	existing, ok := s.keys[k.ID]
	if ok && k.StateUpdatedAt.Before(existing.StateUpdatedAt) {
		// state_updated_at is monotonic per key; never step backwards.
		k.StateUpdatedAt = existing.StateUpdatedAt
	}
	if !ok {
		s.byProvider[k.ProviderID] = append(s.byProvider[k.ProviderID], k.ID)
	}
	s.keys[k.ID] = k.Clone()
	return nil
}

func (s *MemoryStore) GetKey(_ context.Context, id string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, &StoreError{Op: "get_key", Err: errClosed}
	}
	k, ok := s.keys[id]
	if !ok {
		return nil, nil
	}
	return k.Clone(), nil
}

func (s *MemoryStore) ListKeys(_ context.Context, providerID string) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, &StoreError{Op: "list_keys", Err: errClosed}
	}

	if providerID != "" {
		ids := s.byProvider[providerID]
		out := make([]KeyRecord, 0, len(ids))
		for _, id := range ids {
			if k, ok := s.keys[id]; ok {
				out = append(out, *k.Clone())
			}
		}
		return out, nil
	}

	out := make([]KeyRecord, 0, len(s.keys))
	for _, ids := range s.byProvider {
		for _, id := range ids {
			if k, ok := s.keys[id]; ok {
				out = append(out, *k.Clone())
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveQuotaState(_ context.Context, q QuotaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StoreError{Op: "save_quota", Err: errClosed}
	}
	cp := q
	s.quotas[q.KeyID] = &cp
	return nil
}

func (s *MemoryStore) GetQuotaState(_ context.Context, keyID string) (*QuotaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, &StoreError{Op: "get_quota", Err: errClosed}
	}
	q, ok := s.quotas[keyID]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) SaveBudget(_ context.Context, b BudgetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StoreError{Op: "save_budget", Err: errClosed}
	}
	cp := b
	s.budgets[b.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBudget(_ context.Context, id string) (*BudgetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, &StoreError{Op: "get_budget", Err: errClosed}
	}
	b, ok := s.budgets[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBudgets(_ context.Context) ([]BudgetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, &StoreError{Op: "list_budgets", Err: errClosed}
	}
	out := make([]BudgetRecord, 0, len(s.budgets))
	for _, b := range s.budgets {
		out = append(out, *b)
	}
	return out, nil
}

func (s *MemoryStore) DeleteBudget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StoreError{Op: "delete_budget", Err: errClosed}
	}
	delete(s.budgets, id)
	return nil
}

func (s *MemoryStore) SaveRoutingDecision(_ context.Context, d DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StoreError{Op: "save_decision", Err: errClosed}
	}
	s.decisions = append(s.decisions, d)
	if over := len(s.decisions) - s.maxDecisions; over > 0 {
		s.decisions = append([]DecisionRecord(nil), s.decisions[over:]...)
		s.evictions["decisions"] += int64(over)
		if s.onEvict != nil {
			s.onEvict("decisions", over)
		}
	}
	return nil
}

func (s *MemoryStore) SaveStateTransition(_ context.Context, t TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StoreError{Op: "save_transition", Err: errClosed}
	}
	t.ID = s.nextTransID
	s.nextTransID++
	s.transitions = append(s.transitions, t)
	if over := len(s.transitions) - s.maxTransitions; over > 0 {
		s.transitions = append([]TransitionRecord(nil), s.transitions[over:]...)
		s.evictions["transitions"] += int64(over)
		if s.onEvict != nil {
			s.onEvict("transitions", over)
		}
	}
	return nil
}

func (s *MemoryStore) QueryState(_ context.Context, q StateQuery) (QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return QueryResult{}, &StoreError{Op: "query_state", Err: errClosed}
	}

	var res QueryResult
	if q.EntityType == "" || q.EntityType == "decision" {
		for _, d := range s.decisions {
			if q.EntityID != "" && d.KeyID != q.EntityID {
				continue
			}
			if q.ProviderID != "" && d.ProviderID != q.ProviderID {
				continue
			}
			if !q.Since.IsZero() && d.CreatedAt.Before(q.Since) {
				continue
			}
			if !q.Until.IsZero() && d.CreatedAt.After(q.Until) {
				continue
			}
			res.Decisions = append(res.Decisions, d)
			if q.Limit > 0 && len(res.Decisions) >= q.Limit {
				break
			}
		}
	}
	if q.EntityType == "" || q.EntityType == "transition" {
		for _, t := range s.transitions {
			if q.EntityID != "" && t.EntityID != q.EntityID {
				continue
			}
			if !q.Since.IsZero() && t.Timestamp.Before(q.Since) {
				continue
			}
			if !q.Until.IsZero() && t.Timestamp.After(q.Until) {
				continue
			}
			res.Transitions = append(res.Transitions, t)
			if q.Limit > 0 && len(res.Transitions) >= q.Limit {
				break
			}
		}
	}
	return res, nil
}

// Evictions returns the total number of evicted audit records per
// collection.
func (s *MemoryStore) Evictions() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.evictions))
	for k, v := range s.evictions {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
