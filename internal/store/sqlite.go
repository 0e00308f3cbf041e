package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
// SQLite's single-writer model gives us the linearizable per-key upsert
// the Store contract requires.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "pragmas", Err: err}
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS keys (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			encrypted_material TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'available',
			state_updated_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			cooldown_until TEXT,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_keys_provider ON keys(provider_id)`,
		`CREATE TABLE IF NOT EXISTS quota_states (
			key_id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			capacity_state TEXT NOT NULL DEFAULT 'abundant',
			capacity_unit TEXT NOT NULL DEFAULT 'requests',
			used_capacity INTEGER NOT NULL DEFAULT 0,
			total_capacity INTEGER NOT NULL DEFAULT 0,
			time_window TEXT NOT NULL DEFAULT 'daily',
			reset_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			scope_id TEXT NOT NULL DEFAULT '',
			limit_amount REAL NOT NULL DEFAULT 0,
			current_spend REAL NOT NULL DEFAULT 0,
			period TEXT NOT NULL DEFAULT 'monthly',
			enforcement_mode TEXT NOT NULL DEFAULT 'hard',
			reset_at TEXT NOT NULL,
			warning_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS routing_decisions (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			selected_key_id TEXT NOT NULL,
			selected_provider_id TEXT NOT NULL,
			objective TEXT NOT NULL DEFAULT '{}',
			eligible_keys TEXT NOT NULL DEFAULT '[]',
			scores TEXT NOT NULL DEFAULT '{}',
			explanation TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			alternatives TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_created ON routing_decisions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_key ON routing_decisions(selected_key_id)`,
		`CREATE TABLE IF NOT EXISTS state_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			transition_timestamp TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_entity ON state_transitions(entity_id, transition_timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return &StoreError{Op: "migrate", Err: err}
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := fmtTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// Keys

func (s *SQLiteStore) SaveKey(ctx context.Context, k KeyRecord) error {
	md, err := json.Marshal(k.Metadata)
	if err != nil {
		return &StoreError{Op: "save_key", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO keys (id, provider_id, encrypted_material, state, state_updated_at, created_at, last_used_at, usage_count, failure_count, cooldown_until, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   provider_id=excluded.provider_id,
		   encrypted_material=excluded.encrypted_material,
		   state=excluded.state,
		   state_updated_at=MAX(keys.state_updated_at, excluded.state_updated_at),
		   last_used_at=excluded.last_used_at,
		   usage_count=excluded.usage_count,
		   failure_count=excluded.failure_count,
		   cooldown_until=excluded.cooldown_until,
		   metadata=excluded.metadata`,
		k.ID, k.ProviderID, k.EncryptedMaterial, string(k.State),
		fmtTime(k.StateUpdatedAt), fmtTime(k.CreatedAt), fmtTimePtr(k.LastUsedAt),
		k.UsageCount, k.FailureCount, fmtTimePtr(k.CooldownUntil), string(md))
	if err != nil {
		return &StoreError{Op: "save_key", Err: err}
	}
	return nil
}

const keyColumns = `id, provider_id, encrypted_material, state, state_updated_at, created_at, last_used_at, usage_count, failure_count, cooldown_until, metadata`

func scanKey(row interface{ Scan(...any) error }) (*KeyRecord, error) {
	var k KeyRecord
	var state, stateUpdated, created, md string
	var lastUsed, cooldown sql.NullString
	if err := row.Scan(&k.ID, &k.ProviderID, &k.EncryptedMaterial, &state,
		&stateUpdated, &created, &lastUsed, &k.UsageCount, &k.FailureCount,
		&cooldown, &md); err != nil {
		return nil, err
	}
	k.State = KeyState(state)
	k.StateUpdatedAt = parseTime(stateUpdated)
	k.CreatedAt = parseTime(created)
	k.LastUsedAt = parseTimePtr(lastUsed)
	k.CooldownUntil = parseTimePtr(cooldown)
	if err := json.Unmarshal([]byte(md), &k.Metadata); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQLiteStore) GetKey(ctx context.Context, id string) (*KeyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM keys WHERE id = ?`, id)
	k, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get_key", Err: err}
	}
	return k, nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context, providerID string) ([]KeyRecord, error) {
	q := `SELECT ` + keyColumns + ` FROM keys ORDER BY created_at`
	args := []any{}
	if providerID != "" {
		q = `SELECT ` + keyColumns + ` FROM keys WHERE provider_id = ? ORDER BY created_at`
		args = append(args, providerID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &StoreError{Op: "list_keys", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var keys []KeyRecord
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, &StoreError{Op: "list_keys", Err: err}
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list_keys", Err: err}
	}
	return keys, nil
}

// Quota states

func (s *SQLiteStore) SaveQuotaState(ctx context.Context, q QuotaRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_states (key_id, provider_id, capacity_state, capacity_unit, used_capacity, total_capacity, time_window, reset_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET
		   provider_id=excluded.provider_id,
		   capacity_state=excluded.capacity_state,
		   capacity_unit=excluded.capacity_unit,
		   used_capacity=excluded.used_capacity,
		   total_capacity=excluded.total_capacity,
		   time_window=excluded.time_window,
		   reset_at=excluded.reset_at,
		   updated_at=excluded.updated_at`,
		q.KeyID, q.ProviderID, string(q.CapacityState), string(q.Unit),
		q.UsedCapacity, q.TotalCapacity, string(q.Window),
		fmtTime(q.ResetAt), fmtTime(q.UpdatedAt))
	if err != nil {
		return &StoreError{Op: "save_quota", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetQuotaState(ctx context.Context, keyID string) (*QuotaRecord, error) {
	var q QuotaRecord
	var capState, unit, window, resetAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT key_id, provider_id, capacity_state, capacity_unit, used_capacity, total_capacity, time_window, reset_at, updated_at
		 FROM quota_states WHERE key_id = ?`, keyID).
		Scan(&q.KeyID, &q.ProviderID, &capState, &unit, &q.UsedCapacity,
			&q.TotalCapacity, &window, &resetAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get_quota", Err: err}
	}
	q.CapacityState = CapacityState(capState)
	q.Unit = CapacityUnit(unit)
	q.Window = TimeWindow(window)
	q.ResetAt = parseTime(resetAt)
	q.UpdatedAt = parseTime(updatedAt)
	return &q, nil
}

// Budgets

func (s *SQLiteStore) SaveBudget(ctx context.Context, b BudgetRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (id, scope, scope_id, limit_amount, current_spend, period, enforcement_mode, reset_at, warning_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   scope=excluded.scope,
		   scope_id=excluded.scope_id,
		   limit_amount=excluded.limit_amount,
		   current_spend=excluded.current_spend,
		   period=excluded.period,
		   enforcement_mode=excluded.enforcement_mode,
		   reset_at=excluded.reset_at,
		   warning_count=excluded.warning_count`,
		b.ID, string(b.Scope), b.ScopeID, b.LimitAmount, b.CurrentSpend,
		string(b.Period), string(b.Enforcement), fmtTime(b.ResetAt), b.WarningCount)
	if err != nil {
		return &StoreError{Op: "save_budget", Err: err}
	}
	return nil
}

func scanBudget(row interface{ Scan(...any) error }) (*BudgetRecord, error) {
	var b BudgetRecord
	var scope, period, mode, resetAt string
	if err := row.Scan(&b.ID, &scope, &b.ScopeID, &b.LimitAmount,
		&b.CurrentSpend, &period, &mode, &resetAt, &b.WarningCount); err != nil {
		return nil, err
	}
	b.Scope = BudgetScope(scope)
	b.Period = TimeWindow(period)
	b.Enforcement = EnforcementMode(mode)
	b.ResetAt = parseTime(resetAt)
	return &b, nil
}

func (s *SQLiteStore) GetBudget(ctx context.Context, id string) (*BudgetRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope, scope_id, limit_amount, current_spend, period, enforcement_mode, reset_at, warning_count
		 FROM budgets WHERE id = ?`, id)
	b, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get_budget", Err: err}
	}
	return b, nil
}

func (s *SQLiteStore) ListBudgets(ctx context.Context) ([]BudgetRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, scope_id, limit_amount, current_spend, period, enforcement_mode, reset_at, warning_count
		 FROM budgets ORDER BY id`)
	if err != nil {
		return nil, &StoreError{Op: "list_budgets", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var budgets []BudgetRecord
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, &StoreError{Op: "list_budgets", Err: err}
		}
		budgets = append(budgets, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list_budgets", Err: err}
	}
	return budgets, nil
}

func (s *SQLiteStore) DeleteBudget(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM budgets WHERE id = ?`, id); err != nil {
		return &StoreError{Op: "delete_budget", Err: err}
	}
	return nil
}

// Audit records

func (s *SQLiteStore) SaveRoutingDecision(ctx context.Context, d DecisionRecord) error {
	obj, err := json.Marshal(d.Objective)
	if err != nil {
		return &StoreError{Op: "save_decision", Err: err}
	}
	eligible, err := json.Marshal(d.EligibleKeys)
	if err != nil {
		return &StoreError{Op: "save_decision", Err: err}
	}
	scores, err := json.Marshal(d.Scores)
	if err != nil {
		return &StoreError{Op: "save_decision", Err: err}
	}
	alts, err := json.Marshal(d.Alternatives)
	if err != nil {
		return &StoreError{Op: "save_decision", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO routing_decisions (id, request_id, selected_key_id, selected_provider_id, objective, eligible_keys, scores, explanation, confidence, alternatives, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RequestID, d.KeyID, d.ProviderID, string(obj), string(eligible),
		string(scores), d.Explanation, d.Confidence, string(alts), fmtTime(d.CreatedAt))
	if err != nil {
		return &StoreError{Op: "save_decision", Err: err}
	}
	return nil
}

func (s *SQLiteStore) SaveStateTransition(ctx context.Context, t TransitionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_transitions (entity_type, entity_id, from_state, to_state, transition_timestamp, trigger_kind, context)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.EntityType, t.EntityID, t.FromState, t.ToState,
		fmtTime(t.Timestamp), string(t.Trigger), t.Context)
	if err != nil {
		return &StoreError{Op: "save_transition", Err: err}
	}
	return nil
}

func (s *SQLiteStore) QueryState(ctx context.Context, q StateQuery) (QueryResult, error) {
	var res QueryResult
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	if q.EntityType == "" || q.EntityType == "decision" {
		query := `SELECT id, request_id, selected_key_id, selected_provider_id, objective, eligible_keys, scores, explanation, confidence, alternatives, created_at
			 FROM routing_decisions WHERE 1=1`
		args := []any{}
		if q.EntityID != "" {
			query += ` AND selected_key_id = ?`
			args = append(args, q.EntityID)
		}
		if q.ProviderID != "" {
			query += ` AND selected_provider_id = ?`
			args = append(args, q.ProviderID)
		}
		if !q.Since.IsZero() {
			query += ` AND created_at >= ?`
			args = append(args, fmtTime(q.Since))
		}
		if !q.Until.IsZero() {
			query += ` AND created_at <= ?`
			args = append(args, fmtTime(q.Until))
		}
		query += ` ORDER BY created_at LIMIT ?`
		args = append(args, limit)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return QueryResult{}, &StoreError{Op: "query_state", Err: err}
		}
		for rows.Next() {
			var d DecisionRecord
			var obj, eligible, scores, alts, created string
			if err := rows.Scan(&d.ID, &d.RequestID, &d.KeyID, &d.ProviderID,
				&obj, &eligible, &scores, &d.Explanation, &d.Confidence,
				&alts, &created); err != nil {
				_ = rows.Close()
				return QueryResult{}, &StoreError{Op: "query_state", Err: err}
			}
			_ = json.Unmarshal([]byte(obj), &d.Objective)
			_ = json.Unmarshal([]byte(eligible), &d.EligibleKeys)
			_ = json.Unmarshal([]byte(scores), &d.Scores)
			_ = json.Unmarshal([]byte(alts), &d.Alternatives)
			d.CreatedAt = parseTime(created)
			res.Decisions = append(res.Decisions, d)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return QueryResult{}, &StoreError{Op: "query_state", Err: err}
		}
		_ = rows.Close()
	}

	if q.EntityType == "" || q.EntityType == "transition" {
		query := `SELECT id, entity_type, entity_id, from_state, to_state, transition_timestamp, trigger_kind, context
			 FROM state_transitions WHERE 1=1`
		args := []any{}
		if q.EntityID != "" {
			query += ` AND entity_id = ?`
			args = append(args, q.EntityID)
		}
		if !q.Since.IsZero() {
			query += ` AND transition_timestamp >= ?`
			args = append(args, fmtTime(q.Since))
		}
		if !q.Until.IsZero() {
			query += ` AND transition_timestamp <= ?`
			args = append(args, fmtTime(q.Until))
		}
		query += ` ORDER BY transition_timestamp LIMIT ?`
		args = append(args, limit)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return QueryResult{}, &StoreError{Op: "query_state", Err: err}
		}
		for rows.Next() {
			var t TransitionRecord
			var ts, trig string
			if err := rows.Scan(&t.ID, &t.EntityType, &t.EntityID, &t.FromState,
				&t.ToState, &ts, &trig, &t.Context); err != nil {
				_ = rows.Close()
				return QueryResult{}, &StoreError{Op: "query_state", Err: err}
			}
			t.Timestamp = parseTime(ts)
			t.Trigger = Trigger(trig)
			res.Transitions = append(res.Transitions, t)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return QueryResult{}, &StoreError{Op: "query_state", Err: err}
		}
		_ = rows.Close()
	}

	return res, nil
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
