// Package httpapi exposes the routing, key, quota, budget, and policy
// surfaces over HTTP.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/keymux/internal/budget"
	"github.com/jordanhubbard/keymux/internal/events"
	"github.com/jordanhubbard/keymux/internal/keys"
	"github.com/jordanhubbard/keymux/internal/logging"
	"github.com/jordanhubbard/keymux/internal/metrics"
	"github.com/jordanhubbard/keymux/internal/policy"
	"github.com/jordanhubbard/keymux/internal/quota"
	"github.com/jordanhubbard/keymux/internal/routing"
	"github.com/jordanhubbard/keymux/internal/store"
	"github.com/jordanhubbard/keymux/internal/tracing"
)

// API bundles the handlers over the service components.
type API struct {
	router   *routing.Router
	keys     *keys.Manager
	quota    *quota.Engine
	budgets  *budget.Controller
	policies *policy.Engine
	store    store.Store
	bus      *events.Bus
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// Deps are the components the API serves.
type Deps struct {
	Router   *routing.Router
	Keys     *keys.Manager
	Quota    *quota.Engine
	Budgets  *budget.Controller
	Policies *policy.Engine
	Store    store.Store
	Bus      *events.Bus
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

// New creates the API.
func New(d Deps) *API {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		router:   d.Router,
		keys:     d.Keys,
		quota:    d.Quota,
		budgets:  d.Budgets,
		policies: d.Policies,
		store:    d.Store,
		bus:      d.Bus,
		metrics:  d.Metrics,
		logger:   logger,
	}
}

// Handler builds the chi router with the standard middleware stack.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(a.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
	}))

	r.Get("/healthz", a.handleHealthz)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/route", a.handleRoute)

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", a.handleListKeys)
			r.Post("/", a.handleRegisterKey)
			r.Get("/{id}", a.handleGetKey)
			r.Post("/{id}/disable", a.handleDisableKey)
			r.Post("/{id}/enable", a.handleEnableKey)
		})

		r.Route("/quotas", func(r chi.Router) {
			r.Get("/{keyID}", a.handleGetQuota)
			r.Put("/{keyID}", a.handleSetQuota)
		})

		r.Route("/budgets", func(r chi.Router) {
			r.Get("/", a.handleListBudgets)
			r.Post("/", a.handleCreateBudget)
			r.Get("/{id}", a.handleGetBudget)
			r.Delete("/{id}", a.handleDeleteBudget)
			r.Post("/{id}/spend", a.handleBudgetSpend)
		})

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", a.handleListPolicies)
			r.Post("/", a.handleUpsertPolicy)
			r.Delete("/{id}", a.handleDeletePolicy)
		})

		r.Get("/decisions", a.handleQueryDecisions)
		r.Get("/transitions", a.handleQueryTransitions)
		r.Get("/providers", a.handleProviders)
		r.Get("/events", a.handleEvents)
	})

	return r
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the error envelope all endpoints share.
type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, apiError{Error: msg, Detail: detail})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
