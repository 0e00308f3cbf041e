// Package budget enforces spending limits before requests reach a
// provider and reconciles estimated against actual cost afterwards.
package budget

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/keymux/internal/events"
	"github.com/jordanhubbard/keymux/internal/metrics"
	"github.com/jordanhubbard/keymux/internal/store"
)

// Ref identifies the scopes a request touches, for budget matching.
type Ref struct {
	ProviderID string
	KeyID      string
	Route      string
}

// Warning reports a soft budget the request pushed over its limit.
type Warning struct {
	BudgetID  string  `json:"budget_id"`
	Limit     float64 `json:"limit"`
	Projected float64 `json:"projected_spend"`
}

// ExceededError denies a request that would breach a hard budget.
type ExceededError struct {
	ViolatedBudgets []string `json:"violated_budgets"`
	RemainingBudget float64  `json:"remaining_budget"`
	Estimate        float64  `json:"estimated_cost"`
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: estimated cost %.6f exceeds hard budget (remaining %.6f)", e.Estimate, e.RemainingBudget)
}

const lockStripes = 64

// Controller owns budget records and the admission gate. A request is
// checked against every matching budget; hard budgets deny, soft
// budgets warn and let the request through. Every read-modify-write of
// a budget runs under a per-budget striped lock, so concurrent spends
// against the same budget never lose updates.
type Controller struct {
	store   store.Store
	bus     *events.Bus
	metrics *metrics.Registry

	defaultEnforcement store.EnforcementMode

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time

	locks [lockStripes]sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithEventBus attaches an event bus for budget events.
func WithEventBus(bus *events.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithMetrics wires the prometheus registry for warning counters.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithDefaultEnforcement sets the enforcement mode applied to budgets
// created without one.
func WithDefaultEnforcement(m store.EnforcementMode) Option {
	return func(c *Controller) {
		if m == store.EnforceHard || m == store.EnforceSoft {
			c.defaultEnforcement = m
		}
	}
}

// WithNowFunc overrides the clock; test hook.
func WithNowFunc(fn func() time.Time) Option {
	return func(c *Controller) { c.nowFunc = fn }
}

// NewController creates a budget controller.
func NewController(st store.Store, opts ...Option) *Controller {
	c := &Controller{store: st, defaultEnforcement: store.EnforceHard, nowFunc: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create validates and stores a new budget.
func (c *Controller) Create(ctx context.Context, b store.BudgetRecord) (*store.BudgetRecord, error) {
	if b.LimitAmount <= 0 {
		return nil, fmt.Errorf("budget: limit must be positive")
	}
	switch b.Scope {
	case store.ScopeGlobal:
		b.ScopeID = ""
	case store.ScopePerProvider, store.ScopePerKey, store.ScopePerRoute:
		if b.ScopeID == "" {
			return nil, fmt.Errorf("budget: scope %s requires a scope id", b.Scope)
		}
	default:
		return nil, fmt.Errorf("budget: unknown scope %q", b.Scope)
	}
	switch b.Enforcement {
	case store.EnforceHard, store.EnforceSoft:
	case "":
		b.Enforcement = c.defaultEnforcement
	default:
		return nil, fmt.Errorf("budget: unknown enforcement mode %q", b.Enforcement)
	}
	switch b.Period {
	case store.WindowMinute, store.WindowHour, store.WindowDaily, store.WindowMonthly:
	case "":
		b.Period = store.WindowDaily
	default:
		return nil, fmt.Errorf("budget: unknown period %q", b.Period)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.ResetAt.IsZero() {
		b.ResetAt = nextReset(c.nowFunc(), b.Period)
	}
	if err := c.store.SaveBudget(ctx, b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Controller) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &c.locks[h.Sum32()%lockStripes]
}

// withBudget re-reads the budget under its lock, applies the lazy
// period reset, and runs fn on the fresh record. A budget deleted since
// the caller listed it is skipped silently.
func (c *Controller) withBudget(ctx context.Context, id string, fn func(b *store.BudgetRecord) error) error {
	mu := c.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := c.store.GetBudget(ctx, id)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}
	c.maybeReset(ctx, b)
	return fn(b)
}

// Get returns a budget by id.
func (c *Controller) Get(ctx context.Context, id string) (*store.BudgetRecord, error) {
	mu := c.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := c.store.GetBudget(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("budget: %s not found", id)
	}
	c.maybeReset(ctx, b)
	return b, nil
}

// List returns all budgets with lazy period resets applied.
func (c *Controller) List(ctx context.Context) ([]store.BudgetRecord, error) {
	all, err := c.store.ListBudgets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]store.BudgetRecord, 0, len(all))
	for i := range all {
		err := c.withBudget(ctx, all[i].ID, func(b *store.BudgetRecord) error {
			out = append(out, *b)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Delete removes a budget.
func (c *Controller) Delete(ctx context.Context, id string) error {
	return c.store.DeleteBudget(ctx, id)
}

// Check gates a request with the given estimated cost. Hard budget
// violations return an ExceededError; soft violations are returned as
// warnings, counted, and published, and the request proceeds.
func (c *Controller) Check(ctx context.Context, ref Ref, estimate float64) ([]Warning, error) {
	all, err := c.store.ListBudgets(ctx)
	if err != nil {
		return nil, err
	}

	var warnings []Warning
	var violated []string
	remaining := math.MaxFloat64

	for i := range all {
		// Scope fields are immutable after Create, so matching on the
		// listed snapshot is safe; spend and reset state are re-read
		// under the budget's lock.
		if !matches(&all[i], ref) {
			continue
		}
		err := c.withBudget(ctx, all[i].ID, func(b *store.BudgetRecord) error {
			left := b.LimitAmount - b.CurrentSpend
			if b.Enforcement == store.EnforceHard && left < remaining {
				remaining = left
			}
			if b.CurrentSpend+estimate <= b.LimitAmount {
				return nil
			}

			switch b.Enforcement {
			case store.EnforceHard:
				violated = append(violated, b.ID)
			case store.EnforceSoft:
				warnings = append(warnings, Warning{
					BudgetID:  b.ID,
					Limit:     b.LimitAmount,
					Projected: b.CurrentSpend + estimate,
				})
				b.WarningCount++
				_ = c.store.SaveBudget(ctx, *b)
				if c.metrics != nil {
					c.metrics.BudgetWarnings.WithLabelValues(b.ID).Inc()
				}
				if c.bus != nil {
					c.bus.Publish(events.Event{
						Type:     events.EventBudgetWarning,
						BudgetID: b.ID,
						CostUSD:  estimate,
					})
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if len(violated) > 0 {
		if remaining == math.MaxFloat64 || remaining < 0 {
			remaining = 0
		}
		if c.bus != nil {
			for _, id := range violated {
				c.bus.Publish(events.Event{
					Type:     events.EventBudgetExceeded,
					BudgetID: id,
					CostUSD:  estimate,
				})
			}
		}
		return warnings, &ExceededError{
			ViolatedBudgets: violated,
			RemainingBudget: remaining,
			Estimate:        estimate,
		}
	}
	return warnings, nil
}

// Spend records actual cost against every matching budget.
func (c *Controller) Spend(ctx context.Context, ref Ref, amount float64) error {
	if amount <= 0 {
		return nil
	}
	all, err := c.store.ListBudgets(ctx)
	if err != nil {
		return err
	}
	for i := range all {
		if !matches(&all[i], ref) {
			continue
		}
		err := c.withBudget(ctx, all[i].ID, func(b *store.BudgetRecord) error {
			b.CurrentSpend += amount
			return c.store.SaveBudget(ctx, *b)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateSpending adds to a single budget's spend by id.
func (c *Controller) UpdateSpending(ctx context.Context, budgetID string, amount float64) error {
	mu := c.lockFor(budgetID)
	mu.Lock()
	defer mu.Unlock()

	b, err := c.store.GetBudget(ctx, budgetID)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("budget: %s not found", budgetID)
	}
	c.maybeReset(ctx, b)
	b.CurrentSpend += amount
	return c.store.SaveBudget(ctx, *b)
}

// Reconciliation reports how far an estimate missed the actual cost.
type Reconciliation struct {
	RequestID       string  `json:"request_id"`
	EstimatedCost   float64 `json:"estimated_cost"`
	ActualCost      float64 `json:"actual_cost"`
	ErrorAmount     float64 `json:"error_amount"`
	ErrorPercentage float64 `json:"error_percentage"`
}

// Reconcile compares an estimate with the actual cost after the
// provider call completed. The caller is expected to have recorded the
// actual amount via Spend.
func (c *Controller) Reconcile(requestID string, estimated, actual float64) Reconciliation {
	r := Reconciliation{
		RequestID:     requestID,
		EstimatedCost: estimated,
		ActualCost:    actual,
		ErrorAmount:   actual - estimated,
	}
	if estimated > 0 {
		r.ErrorPercentage = (actual - estimated) / estimated * 100
	}
	return r
}

// matches reports whether a budget binds the given request scopes.
func matches(b *store.BudgetRecord, ref Ref) bool {
	switch b.Scope {
	case store.ScopeGlobal:
		return true
	case store.ScopePerProvider:
		return ref.ProviderID != "" && b.ScopeID == ref.ProviderID
	case store.ScopePerKey:
		return ref.KeyID != "" && b.ScopeID == ref.KeyID
	case store.ScopePerRoute:
		return ref.Route != "" && b.ScopeID == ref.Route
	}
	return false
}

// maybeReset starts a fresh period when ResetAt has passed. Callers
// hold the budget's lock. Warning counts survive resets; they are a
// lifetime counter.
func (c *Controller) maybeReset(ctx context.Context, b *store.BudgetRecord) {
	now := c.nowFunc()
	if b.ResetAt.IsZero() || now.Before(b.ResetAt) {
		return
	}
	b.CurrentSpend = 0
	b.ResetAt = nextReset(now, b.Period)
	_ = c.store.SaveBudget(ctx, *b)
}

func nextReset(now time.Time, period store.TimeWindow) time.Time {
	switch period {
	case store.WindowMinute:
		return now.Add(time.Minute)
	case store.WindowHour:
		return now.Add(time.Hour)
	case store.WindowMonthly:
		return now.AddDate(0, 1, 0)
	default:
		return now.AddDate(0, 0, 1)
	}
}
