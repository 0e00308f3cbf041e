// Package policy evaluates operator-defined routing constraints.
// Policies are configuration, held in memory and managed through the
// admin API; the audit trail of their effects lives in routing
// decisions, not here.
package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jordanhubbard/keymux/internal/store"
)

// Rules are the constraints a single policy contributes. Zero values
// mean "no constraint".
type Rules struct {
	MaxCostPerRequest float64          `json:"max_cost_per_request,omitempty"`
	MinReliability    float64          `json:"min_reliability,omitempty"`
	AllowedProviders  []string         `json:"allowed_providers,omitempty"`
	BlockedProviders  []string         `json:"blocked_providers,omitempty"`
	AllowedKeyStates  []store.KeyState `json:"allowed_key_states,omitempty"`
	BlockedKeys       []string         `json:"blocked_keys,omitempty"`
}

// Policy is a named, prioritized set of rules.
type Policy struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
	Rules    Rules  `json:"rules"`
}

// Constraints is the merged view of all enabled policies that the
// routing engine enforces on a single request.
type Constraints struct {
	MaxCostPerRequest float64 // 0 = unlimited
	MinReliability    float64
	AllowedProviders  map[string]bool // nil = all allowed
	BlockedProviders  map[string]bool
	AllowedKeyStates  map[store.KeyState]bool // nil = default eligibility
	BlockedKeys       map[string]bool
}

// AllowsProvider reports whether the provider passes the merged
// allow/block lists.
func (c *Constraints) AllowsProvider(providerID string) bool {
	if c.BlockedProviders[providerID] {
		return false
	}
	if c.AllowedProviders != nil && !c.AllowedProviders[providerID] {
		return false
	}
	return true
}

// AllowsKey reports whether a candidate key passes the key filters,
// with a short reason when it does not.
func (c *Constraints) AllowsKey(k *store.KeyRecord) (bool, string) {
	if c.BlockedKeys[k.ID] {
		return false, "key blocked by policy"
	}
	if c.AllowedKeyStates != nil && !c.AllowedKeyStates[k.State] {
		return false, fmt.Sprintf("state %s not allowed by policy", k.State)
	}
	return true, ""
}

// Engine holds the policy set and computes merged constraints.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewEngine creates an empty policy engine.
func NewEngine() *Engine {
	return &Engine{policies: make(map[string]Policy)}
}

// Upsert validates and stores a policy, assigning an id when missing.
func (e *Engine) Upsert(p Policy) (*Policy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy: name required")
	}
	if p.Rules.MaxCostPerRequest < 0 {
		return nil, fmt.Errorf("policy: max_cost_per_request must be non-negative")
	}
	if p.Rules.MinReliability < 0 || p.Rules.MinReliability > 1 {
		return nil, fmt.Errorf("policy: min_reliability must be in [0, 1]")
	}
	for _, s := range p.Rules.AllowedKeyStates {
		switch s {
		case store.KeyAvailable, store.KeyThrottled, store.KeyExhausted,
			store.KeyRecovering, store.KeyDisabled, store.KeyInvalid:
		default:
			return nil, fmt.Errorf("policy: unknown key state %q", s)
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	e.mu.Lock()
	e.policies[p.ID] = p
	e.mu.Unlock()
	return &p, nil
}

// Get returns a policy by id.
func (e *Engine) Get(id string) (*Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return nil, false
	}
	return &p, true
}

// Delete removes a policy.
func (e *Engine) Delete(id string) {
	e.mu.Lock()
	delete(e.policies, id)
	e.mu.Unlock()
}

// List returns all policies sorted by priority descending.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	out := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Constraints merges all enabled policies. Scalar constraints are taken
// from the highest-priority policy that sets them; when two policies at
// the same priority both set one, the tighter value wins. List
// constraints accumulate: blocks union, allow-lists intersect.
func (e *Engine) Constraints() Constraints {
	var c Constraints
	var costPrio, relPrio int
	costSet, relSet := false, false

	for _, p := range e.List() {
		if !p.Enabled {
			continue
		}
		r := p.Rules

		if r.MaxCostPerRequest > 0 {
			switch {
			case !costSet:
				c.MaxCostPerRequest, costPrio, costSet = r.MaxCostPerRequest, p.Priority, true
			case p.Priority == costPrio && r.MaxCostPerRequest < c.MaxCostPerRequest:
				c.MaxCostPerRequest = r.MaxCostPerRequest
			}
		}
		if r.MinReliability > 0 {
			switch {
			case !relSet:
				c.MinReliability, relPrio, relSet = r.MinReliability, p.Priority, true
			case p.Priority == relPrio && r.MinReliability > c.MinReliability:
				c.MinReliability = r.MinReliability
			}
		}

		for _, id := range r.BlockedProviders {
			if c.BlockedProviders == nil {
				c.BlockedProviders = make(map[string]bool)
			}
			c.BlockedProviders[id] = true
		}
		if len(r.AllowedProviders) > 0 {
			c.AllowedProviders = intersect(c.AllowedProviders, r.AllowedProviders)
		}
		for _, id := range r.BlockedKeys {
			if c.BlockedKeys == nil {
				c.BlockedKeys = make(map[string]bool)
			}
			c.BlockedKeys[id] = true
		}
		if len(r.AllowedKeyStates) > 0 {
			states := make([]string, len(r.AllowedKeyStates))
			for i, s := range r.AllowedKeyStates {
				states[i] = string(s)
			}
			merged := intersect(stateKeys(c.AllowedKeyStates), states)
			c.AllowedKeyStates = make(map[store.KeyState]bool, len(merged))
			for s := range merged {
				c.AllowedKeyStates[store.KeyState(s)] = true
			}
		}
	}
	return c
}

// intersect narrows an allow-set with a new list. A nil set means
// "everything allowed so far", so the list becomes the set.
func intersect(set map[string]bool, list []string) map[string]bool {
	if set == nil {
		out := make(map[string]bool, len(list))
		for _, v := range list {
			out[v] = true
		}
		return out
	}
	out := make(map[string]bool)
	for _, v := range list {
		if set[v] {
			out[v] = true
		}
	}
	return out
}

func stateKeys(set map[store.KeyState]bool) map[string]bool {
	if set == nil {
		return nil
	}
	out := make(map[string]bool, len(set))
	for s := range set {
		out[string(s)] = true
	}
	return out
}
