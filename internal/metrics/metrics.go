package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the prometheus collectors keymux exports.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	BudgetWarnings  *prometheus.CounterVec
	StoreEvictions  *prometheus.CounterVec
	CostUSD         *prometheus.CounterVec
	KeyState        *prometheus.GaugeVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keymux_requests_total",
			Help: "Total requests routed through keymux",
		}, []string{"provider", "objective", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keymux_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"provider", "objective"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keymux_retries_total",
			Help: "Failover retries performed per provider and error class",
		}, []string{"provider", "error_class"}),
		BudgetWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keymux_budget_warnings_total",
			Help: "Soft-budget violations that were allowed through",
		}, []string{"budget"}),
		StoreEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keymux_store_evictions_total",
			Help: "Audit records evicted from bounded in-memory collections",
		}, []string{"collection"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keymux_cost_usd_total",
			Help: "Estimated USD cost of routed requests",
		}, []string{"provider"}),
		KeyState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keymux_key_state",
			Help: "Number of keys per provider and lifecycle state",
		}, []string{"provider", "state"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.RetriesTotal,
		m.BudgetWarnings, m.StoreEvictions, m.CostUSD, m.KeyState)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
