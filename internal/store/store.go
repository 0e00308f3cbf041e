package store

import (
	"context"
	"fmt"
	"time"
)

// KeyState is the lifecycle state of a managed provider key.
type KeyState string

const (
	KeyAvailable  KeyState = "available"
	KeyThrottled  KeyState = "throttled"
	KeyExhausted  KeyState = "exhausted"
	KeyRecovering KeyState = "recovering"
	KeyDisabled   KeyState = "disabled"
	KeyInvalid    KeyState = "invalid"
)

// CapacityState is the coarse bucket of a key's remaining quota.
type CapacityState string

const (
	CapacityAbundant    CapacityState = "abundant"
	CapacityConstrained CapacityState = "constrained"
	CapacityCritical    CapacityState = "critical"
	CapacityExhausted   CapacityState = "exhausted"
	CapacityRecovering  CapacityState = "recovering"
	CapacityUnknown     CapacityState = ""
)

// CapacityUnit identifies what a quota counts.
type CapacityUnit string

const (
	UnitRequests CapacityUnit = "requests"
	UnitTokens   CapacityUnit = "tokens"
	UnitMixed    CapacityUnit = "mixed"
)

// TimeWindow is a quota or budget accounting period.
type TimeWindow string

const (
	WindowMinute  TimeWindow = "minute"
	WindowHour    TimeWindow = "hour"
	WindowDaily   TimeWindow = "daily"
	WindowMonthly TimeWindow = "monthly"
)

// Trigger identifies what caused a state transition.
type Trigger string

const (
	TriggerRequest   Trigger = "request"
	TriggerError     Trigger = "error"
	TriggerPolicy    Trigger = "policy"
	TriggerManual    Trigger = "manual"
	TriggerAutomatic Trigger = "automatic"
)

// KeyRecord is the persisted form of a managed provider key. The secret
// material is stored only as authenticated ciphertext; plaintext never
// passes through this package.
type KeyRecord struct {
	ID                string            `json:"id"`
	ProviderID        string            `json:"provider_id"`
	EncryptedMaterial string            `json:"-"` // base64 AES-GCM ciphertext
	State             KeyState          `json:"state"`
	StateUpdatedAt    time.Time         `json:"state_updated_at"`
	CreatedAt         time.Time         `json:"created_at"`
	LastUsedAt        *time.Time        `json:"last_used_at,omitempty"`
	UsageCount        int64             `json:"usage_count"`
	FailureCount      int64             `json:"failure_count"`
	CooldownUntil     *time.Time        `json:"cooldown_until,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// SuccessRate returns the observed success ratio, or 0.95 when the key
// has no history yet.
func (k *KeyRecord) SuccessRate() float64 {
	total := k.UsageCount + k.FailureCount
	if total == 0 {
		return 0.95
	}
	return float64(k.UsageCount) / float64(total)
}

// FailureRatio returns failures over total attempts (0 with no history).
func (k *KeyRecord) FailureRatio() float64 {
	total := k.UsageCount + k.FailureCount
	if total == 0 {
		return 0
	}
	return float64(k.FailureCount) / float64(total)
}

// SafeDict returns a serializable view of the key with the encrypted
// material omitted. This is the only representation that may leave the
// process.
func (k *KeyRecord) SafeDict() map[string]any {
	d := map[string]any{
		"id":               k.ID,
		"provider_id":      k.ProviderID,
		"state":            string(k.State),
		"state_updated_at": k.StateUpdatedAt,
		"created_at":       k.CreatedAt,
		"usage_count":      k.UsageCount,
		"failure_count":    k.FailureCount,
	}
	if k.LastUsedAt != nil {
		d["last_used_at"] = *k.LastUsedAt
	}
	if k.CooldownUntil != nil {
		d["cooldown_until"] = *k.CooldownUntil
	}
	if len(k.Metadata) > 0 {
		md := make(map[string]string, len(k.Metadata))
		for mk, mv := range k.Metadata {
			md[mk] = mv
		}
		d["metadata"] = md
	}
	return d
}

// Clone returns a deep copy so callers cannot alias stored state.
func (k *KeyRecord) Clone() *KeyRecord {
	cp := *k
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	if k.CooldownUntil != nil {
		t := *k.CooldownUntil
		cp.CooldownUntil = &t
	}
	if k.Metadata != nil {
		cp.Metadata = make(map[string]string, len(k.Metadata))
		for mk, mv := range k.Metadata {
			cp.Metadata[mk] = mv
		}
	}
	return &cp
}

// QuotaRecord tracks observed capacity for a single key.
type QuotaRecord struct {
	KeyID         string        `json:"key_id"`
	ProviderID    string        `json:"provider_id"`
	CapacityState CapacityState `json:"capacity_state"`
	Unit          CapacityUnit  `json:"capacity_unit"`
	UsedCapacity  int64         `json:"used_capacity"`
	TotalCapacity int64         `json:"total_capacity"` // 0 = unknown
	Window        TimeWindow    `json:"time_window"`
	ResetAt       time.Time     `json:"reset_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Remaining returns total-used, clamped at zero. Returns -1 when the
// total is unknown.
func (q *QuotaRecord) Remaining() int64 {
	if q.TotalCapacity <= 0 {
		return -1
	}
	if q.UsedCapacity >= q.TotalCapacity {
		return 0
	}
	return q.TotalCapacity - q.UsedCapacity
}

// BudgetScope selects which requests a budget binds.
type BudgetScope string

const (
	ScopeGlobal      BudgetScope = "global"
	ScopePerProvider BudgetScope = "per_provider"
	ScopePerKey      BudgetScope = "per_key"
	ScopePerRoute    BudgetScope = "per_route"
)

// EnforcementMode controls whether a violated budget denies requests.
type EnforcementMode string

const (
	EnforceHard EnforcementMode = "hard"
	EnforceSoft EnforcementMode = "soft"
)

// BudgetRecord is a spending limit over a period.
type BudgetRecord struct {
	ID           string          `json:"id"`
	Scope        BudgetScope     `json:"scope"`
	ScopeID      string          `json:"scope_id,omitempty"` // required unless scope=global
	LimitAmount  float64         `json:"limit_amount"`
	CurrentSpend float64         `json:"current_spend"`
	Period       TimeWindow      `json:"period"`
	Enforcement  EnforcementMode `json:"enforcement_mode"`
	ResetAt      time.Time       `json:"reset_at"`
	WarningCount int64           `json:"warning_count"`
}

// IsExceeded reports whether current spend has reached the limit.
func (b *BudgetRecord) IsExceeded() bool {
	return b.CurrentSpend >= b.LimitAmount
}

// ObjectiveRecord is the persisted form of a routing objective.
type ObjectiveRecord struct {
	Primary     string             `json:"primary"`
	Secondary   []string           `json:"secondary,omitempty"`
	Weights     map[string]float64 `json:"weights,omitempty"`
	Constraints map[string]string  `json:"constraints,omitempty"`
}

// Alternative is a candidate that was scored but not selected.
type Alternative struct {
	KeyID             string  `json:"key_id"`
	Score             float64 `json:"score"`
	ReasonNotSelected string  `json:"reason_not_selected"`
}

// DecisionRecord is the immutable audit record of one routing choice.
type DecisionRecord struct {
	ID           string             `json:"id"`
	RequestID    string             `json:"request_id"`
	KeyID        string             `json:"selected_key_id"`
	ProviderID   string             `json:"selected_provider_id"`
	Objective    ObjectiveRecord    `json:"objective"`
	EligibleKeys []string           `json:"eligible_keys"`
	Scores       map[string]float64 `json:"evaluation_results"`
	Explanation  string             `json:"explanation"`
	Confidence   float64            `json:"confidence"`
	Alternatives []Alternative      `json:"alternatives_considered,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// TransitionRecord is the immutable audit record of one state change.
type TransitionRecord struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"` // "key" or "quota"
	EntityID   string    `json:"entity_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Timestamp  time.Time `json:"transition_timestamp"`
	Trigger    Trigger   `json:"trigger"`
	Context    string    `json:"context,omitempty"`
}

// StateQuery selects audit records by entity, provider, and time range.
type StateQuery struct {
	EntityType string // "decision", "transition", or "" for both
	EntityID   string
	ProviderID string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// QueryResult is the answer to a StateQuery.
type QueryResult struct {
	Decisions   []DecisionRecord `json:"decisions,omitempty"`
	Transitions []TransitionRecord `json:"transitions,omitempty"`
}

// Store is the persistence contract shared by all keymux components.
// Writes for a single key are linearizable; decisions and transitions
// are append-only.
type Store interface {
	SaveKey(ctx context.Context, k KeyRecord) error
	GetKey(ctx context.Context, id string) (*KeyRecord, error)
	// ListKeys returns all keys, or only those for providerID when non-empty.
	ListKeys(ctx context.Context, providerID string) ([]KeyRecord, error)

	SaveQuotaState(ctx context.Context, q QuotaRecord) error
	GetQuotaState(ctx context.Context, keyID string) (*QuotaRecord, error)

	SaveBudget(ctx context.Context, b BudgetRecord) error
	GetBudget(ctx context.Context, id string) (*BudgetRecord, error)
	ListBudgets(ctx context.Context) ([]BudgetRecord, error)
	DeleteBudget(ctx context.Context, id string) error

	SaveRoutingDecision(ctx context.Context, d DecisionRecord) error
	SaveStateTransition(ctx context.Context, t TransitionRecord) error
	QueryState(ctx context.Context, q StateQuery) (QueryResult, error)

	Close() error
}

// StoreError wraps connectivity or integrity failures. Callers treat it
// as fatal for the current request and must not mutate in-memory state
// based on a failed write.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
