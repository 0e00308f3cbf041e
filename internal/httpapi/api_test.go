package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jordanhubbard/keymux/internal/budget"
	"github.com/jordanhubbard/keymux/internal/events"
	"github.com/jordanhubbard/keymux/internal/health"
	"github.com/jordanhubbard/keymux/internal/keys"
	"github.com/jordanhubbard/keymux/internal/policy"
	"github.com/jordanhubbard/keymux/internal/quota"
	"github.com/jordanhubbard/keymux/internal/routing"
	"github.com/jordanhubbard/keymux/internal/store"
	"github.com/jordanhubbard/keymux/internal/vault"
)

// scriptedAdapter lets tests control provider behavior.
type scriptedAdapter struct {
	exec func(ctx context.Context, intent *routing.RequestIntent, material string) (*routing.SystemResponse, error)
}

func (s *scriptedAdapter) ID() string { return "openai" }

func (s *scriptedAdapter) Execute(ctx context.Context, intent *routing.RequestIntent, material string) (*routing.SystemResponse, error) {
	if s.exec != nil {
		return s.exec(ctx, intent, material)
	}
	return &routing.SystemResponse{
		Content: "ok",
		Tokens:  routing.TokensUsed{Input: 5, Output: 5, Total: 10},
		CostUSD: 0.0001,
	}, nil
}

func (s *scriptedAdapter) EstimateCost(intent *routing.RequestIntent) routing.CostEstimate {
	return routing.CostEstimate{AmountUSD: 0.0001, Confidence: 0.85}
}

func (s *scriptedAdapter) Capabilities() routing.Capabilities {
	return routing.Capabilities{Models: []string{"test-model"}}
}

func (s *scriptedAdapter) Health(context.Context) health.Status { return health.StatusHealthy }

type testAPI struct {
	api     *API
	srv     *httptest.Server
	keys    *keys.Manager
	budgets *budget.Controller
	adapter *scriptedAdapter
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	v, err := vault.New("test-passphrase", "test-salt")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	st := store.NewMemory()
	bus := events.NewBus()
	km := keys.NewManager(st, v, keys.WithEventBus(bus))
	qe := quota.NewEngine(st, km, quota.WithEventBus(bus))
	bc := budget.NewController(st, budget.WithEventBus(bus))
	pe := policy.NewEngine()
	engine := routing.NewEngine(km, qe, pe, st, routing.WithEngineEventBus(bus))
	router := routing.NewRouter(engine, km, qe, bc, routing.WithRouterEventBus(bus))

	adapter := &scriptedAdapter{}
	router.RegisterAdapter(adapter)

	api := New(Deps{
		Router:   router,
		Keys:     km,
		Quota:    qe,
		Budgets:  bc,
		Policies: pe,
		Store:    st,
		Bus:      bus,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testAPI{api: api, srv: srv, keys: km, budgets: bc, adapter: adapter}
}

func (ta *testAPI) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(ta.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (ta *testAPI) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ta.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func routeBody() map[string]any {
	return map[string]any{
		"provider": "openai",
		"model":    "test-model",
		"messages": []map[string]any{{"role": "user", "content": "hello"}},
	}
}

func TestRouteSuccess(t *testing.T) {
	ta := newTestAPI(t)
	ctx := context.Background()
	_, _ = ta.keys.Register(ctx, "openai", "sk-x", nil)

	resp := ta.post(t, "/v1/route", routeBody())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out routing.SystemResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out.Content != "ok" || out.KeyID == "" || out.DecisionID == "" {
		t.Errorf("response = %+v, missing content or audit ids", out)
	}
}

func TestRouteNoKeysIs503WithRetryAfter(t *testing.T) {
	ta := newTestAPI(t)
	ctx := context.Background()

	k, _ := ta.keys.Register(ctx, "openai", "sk-x", nil)
	_ = ta.keys.Throttle(ctx, k.ID, 30*time.Second, "rate limited")

	resp := ta.post(t, "/v1/route", routeBody())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestRouteBudgetDeniedIs402(t *testing.T) {
	ta := newTestAPI(t)
	ctx := context.Background()

	_, _ = ta.keys.Register(ctx, "openai", "sk-x", nil)
	_, _ = ta.budgets.Create(ctx, store.BudgetRecord{
		Scope:       store.ScopeGlobal,
		LimitAmount: 0.00001,
		Enforcement: store.EnforceHard,
	})

	resp := ta.post(t, "/v1/route", routeBody())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if _, ok := out["violated_budgets"]; !ok {
		t.Errorf("body = %v, want violated_budgets", out)
	}
}

func TestRouteValidationIs400(t *testing.T) {
	ta := newTestAPI(t)

	body := routeBody()
	body["temperature"] = 5.0
	resp := ta.post(t, "/v1/route", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestKeyLifecycleEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	// Register.
	resp := ta.post(t, "/v1/keys", map[string]any{
		"provider_id": "openai",
		"material":    "sk-live-secret",
		"metadata":    map[string]string{"tier": "prod"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	var created map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("no id in response")
	}
	if _, leaked := created["material"]; leaked {
		t.Error("material echoed back in response")
	}
	raw, _ := json.Marshal(created)
	if strings.Contains(string(raw), "sk-live-secret") {
		t.Error("raw material leaked in response body")
	}

	// Disable and enable.
	resp = ta.post(t, "/v1/keys/"+id+"/disable", nil)
	var view map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&view)
	resp.Body.Close()
	if view["state"] != "disabled" {
		t.Errorf("state = %v, want disabled", view["state"])
	}

	resp = ta.post(t, "/v1/keys/"+id+"/enable", nil)
	_ = json.NewDecoder(resp.Body).Decode(&view)
	resp.Body.Close()
	if view["state"] != "available" {
		t.Errorf("state = %v, want available", view["state"])
	}

	// Unknown key is 404.
	resp = ta.post(t, "/v1/keys/nope/disable", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDecisionAuditEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	ctx := context.Background()
	_, _ = ta.keys.Register(ctx, "openai", "sk-x", nil)

	ta.post(t, "/v1/route", routeBody()).Body.Close()

	resp := ta.get(t, "/v1/decisions?provider=openai")
	defer resp.Body.Close()
	var out struct {
		Decisions []store.DecisionRecord `json:"decisions"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(out.Decisions))
	}
	if out.Decisions[0].Explanation == "" {
		t.Error("decision explanation empty")
	}
}

func TestBudgetEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.post(t, "/v1/budgets", map[string]any{
		"scope":            "per_provider",
		"scope_id":         "openai",
		"limit_amount":     5.0,
		"enforcement_mode": "soft",
		"period":           "daily",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var b store.BudgetRecord
	_ = json.NewDecoder(resp.Body).Decode(&b)
	resp.Body.Close()

	resp = ta.get(t, "/v1/budgets/"+b.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d, want 200", resp.StatusCode)
	}

	resp = ta.post(t, "/v1/budgets/"+b.ID+"/spend", map[string]any{"amount": 1.25})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("spend status = %d, want 200", resp.StatusCode)
	}
	var updated store.BudgetRecord
	_ = json.NewDecoder(resp.Body).Decode(&updated)
	resp.Body.Close()
	if updated.CurrentSpend != 1.25 {
		t.Errorf("current_spend = %v, want 1.25", updated.CurrentSpend)
	}

	resp = ta.post(t, "/v1/budgets/missing/spend", map[string]any{"amount": 1})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("spend on missing budget status = %d, want 404", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ta.srv.URL+"/v1/budgets/"+b.ID, nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", dresp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ta := newTestAPI(t)
	resp := ta.get(t, "/healthz")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
