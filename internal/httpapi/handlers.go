package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/keymux/internal/budget"
	"github.com/jordanhubbard/keymux/internal/keys"
	"github.com/jordanhubbard/keymux/internal/policy"
	"github.com/jordanhubbard/keymux/internal/routing"
	"github.com/jordanhubbard/keymux/internal/store"
)

// handleRoute executes a request through the router and maps failure
// modes to status codes: 400 for malformed intents, 402 when a hard
// budget denies, 503 with Retry-After when no key can serve, 502 when
// the provider side failed.
func (a *API) handleRoute(w http.ResponseWriter, r *http.Request) {
	var intent routing.RequestIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	resp, err := a.router.Execute(r.Context(), &intent)
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	var verr *routing.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, "invalid request", verr.Error())
		return
	}
	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":            "budget exceeded",
			"violated_budgets": exceeded.ViolatedBudgets,
			"remaining_budget": exceeded.RemainingBudget,
			"estimated_cost":   exceeded.Estimate,
		})
		return
	}
	var none *routing.NoEligibleKeysError
	if errors.As(err, &none) {
		if none.RetryAfter > 0 {
			secs := int(none.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, http.StatusServiceUnavailable, "no eligible keys", none.Error())
		return
	}
	var sysErr *routing.SystemError
	if errors.As(err, &sysErr) && sysErr.Category == routing.ErrValidation {
		writeError(w, http.StatusBadRequest, "provider rejected request", sysErr.Error())
		return
	}
	writeError(w, http.StatusBadGateway, "request failed", err.Error())
}

type registerKeyRequest struct {
	ProviderID string            `json:"provider_id"`
	Material   string            `json:"material"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// handleRegisterKey stores a new key. The response is the safe view;
// the material is never echoed back.
func (a *API) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req registerKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	rec, err := a.keys.Register(r.Context(), req.ProviderID, req.Material, req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, "registration failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec.SafeDict())
}

func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	all, err := a.keys.List(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed", err.Error())
		return
	}
	views := make([]map[string]any, len(all))
	for i := range all {
		views[i] = all[i].SafeDict()
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

func (a *API) handleGetKey(w http.ResponseWriter, r *http.Request) {
	rec, err := a.keys.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.SafeDict())
}

func (a *API) handleDisableKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.keys.Disable(r.Context(), id, "disabled via api"); err != nil {
		a.writeKeyError(w, err)
		return
	}
	rec, err := a.keys.Get(r.Context(), id)
	if err != nil {
		a.writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.SafeDict())
}

func (a *API) handleEnableKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.keys.Enable(r.Context(), id, "enabled via api"); err != nil {
		a.writeKeyError(w, err)
		return
	}
	rec, err := a.keys.Get(r.Context(), id)
	if err != nil {
		a.writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.SafeDict())
}

func (a *API) writeKeyError(w http.ResponseWriter, err error) {
	var notFound *keys.NotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, "key not found", notFound.KeyID)
		return
	}
	var illegal *keys.IllegalTransitionError
	if errors.As(err, &illegal) {
		writeError(w, http.StatusConflict, "illegal state transition", illegal.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "key operation failed", err.Error())
}

func (a *API) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	rec, err := a.quota.State(r.Context(), chi.URLParam(r, "keyID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quota read failed", err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no quota state", chi.URLParam(r, "keyID"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type setQuotaRequest struct {
	ProviderID    string             `json:"provider_id"`
	TotalCapacity int64              `json:"total_capacity"`
	Unit          store.CapacityUnit `json:"capacity_unit"`
	Window        store.TimeWindow   `json:"time_window"`
	ResetAt       time.Time          `json:"reset_at"`
}

func (a *API) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req setQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	keyID := chi.URLParam(r, "keyID")
	if err := a.quota.SetLimits(r.Context(), keyID, req.ProviderID, req.TotalCapacity, req.Unit, req.Window, req.ResetAt); err != nil {
		writeError(w, http.StatusInternalServerError, "quota update failed", err.Error())
		return
	}
	rec, err := a.quota.State(r.Context(), keyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quota read failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	all, err := a.budgets.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": all})
}

func (a *API) handleCreateBudget(w http.ResponseWriter, r *http.Request) {
	var req store.BudgetRecord
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	b, err := a.budgets.Create(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "budget rejected", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := a.budgets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "budget not found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleBudgetSpend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.budgets.UpdateSpending(r.Context(), id, req.Amount); err != nil {
		writeError(w, http.StatusNotFound, "budget not found", err.Error())
		return
	}
	b, err := a.budgets.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleDeleteBudget(w http.ResponseWriter, r *http.Request) {
	if err := a.budgets.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": a.policies.List()})
}

func (a *API) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	var req policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	p, err := a.policies.Upsert(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "policy rejected", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	a.policies.Delete(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// handleQueryDecisions serves the routing audit trail.
func (a *API) handleQueryDecisions(w http.ResponseWriter, r *http.Request) {
	q := queryFromRequest(r)
	q.EntityType = "decision"
	res, err := a.store.QueryState(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": res.Decisions})
}

// handleQueryTransitions serves the state transition audit trail.
func (a *API) handleQueryTransitions(w http.ResponseWriter, r *http.Request) {
	q := queryFromRequest(r)
	q.EntityType = "transition"
	res, err := a.store.QueryState(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": res.Transitions})
}

func queryFromRequest(r *http.Request) store.StateQuery {
	q := store.StateQuery{
		EntityID:   r.URL.Query().Get("entity_id"),
		ProviderID: r.URL.Query().Get("provider"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Since = t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Until = t
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.Limit = n
		}
	}
	return q
}

// handleProviders reports adapter capabilities and cached health.
func (a *API) handleProviders(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for id, adapter := range a.router.Adapters() {
		out[id] = map[string]any{
			"capabilities": adapter.Capabilities(),
			"health":       string(adapter.Health(r.Context())),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}
