package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "keymux.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteKeyRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	used := now.Add(time.Minute)

	k := KeyRecord{
		ID:                "k1",
		ProviderID:        "openai",
		EncryptedMaterial: "Y2lwaGVydGV4dA==",
		State:             KeyThrottled,
		StateUpdatedAt:    now,
		CreatedAt:         now,
		LastUsedAt:        &used,
		UsageCount:        7,
		FailureCount:      2,
		Metadata:          map[string]string{"cost_per_1k": "0.01"},
	}
	require.NoError(t, s.SaveKey(ctx, k))

	got, err := s.GetKey(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, KeyThrottled, got.State)
	assert.Equal(t, int64(7), got.UsageCount)
	assert.Equal(t, int64(2), got.FailureCount)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.LastUsedAt.Equal(used))
	assert.Equal(t, "0.01", got.Metadata["cost_per_1k"])

	missing, err := s.GetKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteUpsertMonotonic(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveKey(ctx, KeyRecord{ID: "k1", ProviderID: "p", State: KeyAvailable, StateUpdatedAt: base.Add(time.Hour), CreatedAt: base}))
	require.NoError(t, s.SaveKey(ctx, KeyRecord{ID: "k1", ProviderID: "p", State: KeyThrottled, StateUpdatedAt: base, CreatedAt: base}))

	got, err := s.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, KeyThrottled, got.State, "newer write's state should win")
	assert.True(t, got.StateUpdatedAt.Equal(base.Add(time.Hour)), "state_updated_at regressed to %v", got.StateUpdatedAt)
}

func TestSQLiteQuotaAndBudget(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	q := QuotaRecord{
		KeyID:         "k1",
		ProviderID:    "openai",
		CapacityState: CapacityConstrained,
		Unit:          UnitTokens,
		UsedCapacity:  600,
		TotalCapacity: 1000,
		Window:        WindowDaily,
		ResetAt:       now.Add(24 * time.Hour),
		UpdatedAt:     now,
	}
	require.NoError(t, s.SaveQuotaState(ctx, q))

	gq, err := s.GetQuotaState(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, gq)
	assert.Equal(t, CapacityConstrained, gq.CapacityState)
	assert.Equal(t, int64(400), gq.Remaining())

	b := BudgetRecord{
		ID:          "b1",
		Scope:       ScopePerProvider,
		ScopeID:     "openai",
		LimitAmount: 10,
		Period:      WindowMonthly,
		Enforcement: EnforceSoft,
		ResetAt:     now.AddDate(0, 1, 0),
	}
	require.NoError(t, s.SaveBudget(ctx, b))

	list, err := s.ListBudgets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, EnforceSoft, list[0].Enforcement)

	require.NoError(t, s.DeleteBudget(ctx, "b1"))
	gone, err := s.GetBudget(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSQLiteAuditQuery(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	d := DecisionRecord{
		ID:           "d1",
		RequestID:    "req-1",
		KeyID:        "k1",
		ProviderID:   "openai",
		Objective:    ObjectiveRecord{Primary: "cost"},
		EligibleKeys: []string{"k1", "k2"},
		Scores:       map[string]float64{"k1": 0.9, "k2": 0.5},
		Explanation:  "selected k1",
		Confidence:   0.9,
		Alternatives: []Alternative{{KeyID: "k2", Score: 0.5, ReasonNotSelected: "lower score"}},
		CreatedAt:    now,
	}
	require.NoError(t, s.SaveRoutingDecision(ctx, d))
	require.NoError(t, s.SaveStateTransition(ctx, TransitionRecord{
		EntityType: "key", EntityID: "k1",
		FromState: "available", ToState: "throttled",
		Timestamp: now, Trigger: TriggerError,
	}))

	res, err := s.QueryState(ctx, StateQuery{})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	require.Len(t, res.Transitions, 1)

	gd := res.Decisions[0]
	assert.Equal(t, 0.9, gd.Scores["k1"])
	assert.Len(t, gd.Alternatives, 1)
	assert.Len(t, gd.EligibleKeys, 2)
	assert.Equal(t, "throttled", res.Transitions[0].ToState)
}
