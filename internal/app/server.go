package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jordanhubbard/keymux/internal/adapters/anthropic"
	"github.com/jordanhubbard/keymux/internal/adapters/openai"
	"github.com/jordanhubbard/keymux/internal/budget"
	"github.com/jordanhubbard/keymux/internal/events"
	"github.com/jordanhubbard/keymux/internal/health"
	"github.com/jordanhubbard/keymux/internal/httpapi"
	"github.com/jordanhubbard/keymux/internal/keys"
	"github.com/jordanhubbard/keymux/internal/logging"
	"github.com/jordanhubbard/keymux/internal/metrics"
	"github.com/jordanhubbard/keymux/internal/policy"
	"github.com/jordanhubbard/keymux/internal/quota"
	"github.com/jordanhubbard/keymux/internal/routing"
	"github.com/jordanhubbard/keymux/internal/store"
	"github.com/jordanhubbard/keymux/internal/tracing"
	"github.com/jordanhubbard/keymux/internal/vault"
)

// Server owns the component graph and the HTTP listener.
type Server struct {
	cfg    Config
	logger *slog.Logger

	store        store.Store
	bus          *events.Bus
	keySub       *events.Subscriber
	httpServer   *http.Server
	traceCleanup func(context.Context) error
}

// watchKeyStates keeps the per-provider key state gauge in sync by
// recounting keys whenever a lifecycle transition is published.
func watchKeyStates(sub *events.Subscriber, st store.Store, reg *metrics.Registry) {
	for {
		select {
		case <-sub.Done():
			return
		case e := <-sub.C:
			if e.Type != events.EventKeyTransition {
				continue
			}
			all, err := st.ListKeys(context.Background(), "")
			if err != nil {
				continue
			}
			counts := make(map[[2]string]int, len(all))
			for i := range all {
				counts[[2]string{all[i].ProviderID, string(all[i].State)}]++
			}
			reg.KeyState.Reset()
			for k, n := range counts {
				reg.KeyState.WithLabelValues(k[0], k[1]).Set(float64(n))
			}
		}
	}
}

// NewServer constructs every component from the configuration.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Setup(cfg.LogLevel)

	traceCleanup, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "keymux",
	})
	if err != nil {
		return nil, err
	}

	v, err := vault.New(cfg.EncryptionKey, cfg.EncryptionSalt)
	if err != nil {
		return nil, err
	}

	reg := metrics.New()
	bus := events.NewBus()

	var st store.Store
	if cfg.DBPath != "" {
		sq, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := sq.Migrate(context.Background()); err != nil {
			sq.Close()
			return nil, err
		}
		st = sq
	} else {
		var memOpts []store.MemoryOption
		if cfg.MaxDecisions > 0 {
			memOpts = append(memOpts, store.WithMaxDecisions(cfg.MaxDecisions))
		}
		if cfg.MaxTransitions > 0 {
			memOpts = append(memOpts, store.WithMaxTransitions(cfg.MaxTransitions))
		}
		memOpts = append(memOpts, store.WithEvictionCallback(func(collection string, n int) {
			reg.StoreEvictions.WithLabelValues(collection).Add(float64(n))
			bus.Publish(events.Event{Type: events.EventStoreEviction, Reason: collection})
		}))
		st = store.NewMemory(memOpts...)
	}

	km := keys.NewManager(st, v,
		keys.WithEventBus(bus),
		keys.WithDefaultCooldown(cfg.DefaultCooldown))
	qe := quota.NewEngine(st, km, quota.WithEventBus(bus))
	bc := budget.NewController(st,
		budget.WithEventBus(bus),
		budget.WithMetrics(reg),
		budget.WithDefaultEnforcement(store.EnforcementMode(cfg.BudgetMode)))
	pe := policy.NewEngine()
	tracker := health.NewTracker()

	engine := routing.NewEngine(km, qe, pe, st,
		routing.WithEngineEventBus(bus),
		routing.WithEngineLogger(logger),
		routing.WithLatencyTracker(tracker))
	router := routing.NewRouter(engine, km, qe, bc,
		routing.WithMaxAttempts(cfg.MaxRetries),
		routing.WithRouterEventBus(bus),
		routing.WithMetrics(reg),
		routing.WithTracker(tracker),
		routing.WithRouterLogger(logger))

	healthCache := health.NewCache(
		health.WithTTL(cfg.HealthTTL),
		health.WithEventBus(bus))
	router.RegisterAdapter(openai.New(
		openai.WithTimeout(cfg.ProviderTimeout),
		openai.WithHealthCache(healthCache)))
	router.RegisterAdapter(anthropic.New(
		anthropic.WithTimeout(cfg.ProviderTimeout),
		anthropic.WithHealthCache(healthCache)))

	keySub := bus.Subscribe(64)
	go watchKeyStates(keySub, st, reg)

	api := httpapi.New(httpapi.Deps{
		Router:   router,
		Keys:     km,
		Quota:    qe,
		Budgets:  bc,
		Policies: pe,
		Store:    st,
		Bus:      bus,
		Metrics:  reg,
		Logger:   logger,
	})

	return &Server{
		cfg:    cfg,
		logger: logger,
		store:  st,
		bus:    bus,
		keySub: keySub,
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		traceCleanup: traceCleanup,
	}, nil
}

// Run serves until the context is cancelled, then drains in-flight
// requests within the shutdown timeout and closes the store.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.cfg.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", slog.Duration("timeout", s.cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.bus.Unsubscribe(s.keySub)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	if s.traceCleanup != nil {
		if terr := s.traceCleanup(shutdownCtx); err == nil {
			err = terr
		}
	}
	return err
}
