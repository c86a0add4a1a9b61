package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/listingsync/pkg/api"
	"github.com/mihaimyh/listingsync/pkg/billing"
	billingprom "github.com/mihaimyh/listingsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/listingsync/pkg/billing/revenuecat"
	"github.com/mihaimyh/listingsync/pkg/entitlement"
	zlog "github.com/mihaimyh/listingsync/pkg/entitlement/logger/zerolog"
	entprom "github.com/mihaimyh/listingsync/pkg/entitlement/metrics/prometheus"
)

const metricsNamespace = "listingsync"

// server wires storage, reconciler, provider and HTTP routing
type server struct {
	cfg        *Config
	log        zerolog.Logger
	store      *backend
	reconciler *entitlement.Reconciler
	provider   billing.Provider
	registry   *prometheus.Registry
	router     chi.Router
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func newLogger(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("component", "listingsync").Logger()
}

// newServer opens storage and builds the handler tree
func newServer(ctx context.Context, cfg *Config, log zerolog.Logger) (*server, error) {
	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logger := zlog.NewLogger(&log)

	policy, err := entitlement.ParseRevokePolicy(cfg.RevokePolicy)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	entConfig := &entitlement.Config{
		RevokePolicy: policy,
		Metrics:      entprom.NewMetrics(registry, metricsNamespace),
		Logger:       logger,
	}
	if cfg.CBThreshold > 0 {
		entConfig.CircuitBreakerConfig = &entitlement.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: cfg.CBThreshold,
			ResetTimeout:     cfg.CBReset,
		}
	}
	reconciler, err := entitlement.NewReconciler(store, entConfig)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.WebhookSecret == "" {
		log.Warn().Msg("LISTINGSYNC_WEBHOOK_SECRET is empty; every webhook delivery will be rejected")
	}
	provider, err := revenuecat.NewProvider(billing.Config{
		Reconciler:     reconciler,
		PlanMapping:    cfg.PlanMapping(),
		OneOffProducts: cfg.OneOffProducts,
		FarFuture:      cfg.FarFuture(),
		WebhookSecret:  cfg.WebhookSecret,
		APIKey:         cfg.RevenueCatAPIKey,
		APIBaseURL:     cfg.RevenueCatAPIURL,
		RateLimit: billing.RateLimitConfig{
			Disabled: cfg.RateLimit == 0,
			Requests: cfg.RateLimit,
			Window:   time.Minute,
		},
		Metrics: billingprom.NewMetrics(registry, metricsNamespace),
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	entitlementAPI, err := api.NewHandler(api.Config{
		Reconciler: reconciler,
		PlanID:     cfg.PlanID,
		GetUserID:  api.FromHeader(api.DefaultUserIDHeader),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s := &server{
		cfg:        cfg,
		log:        log,
		store:      store,
		reconciler: reconciler,
		provider:   provider,
		registry:   registry,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))

	r.Handle("/webhooks/"+provider.Name(), provider.WebhookHandler())
	r.Handle("/v1/entitlement", entitlementAPI)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	s.router = r

	return s, nil
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(ctx); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("storage", s.store.name).Msg("health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Handler returns the root HTTP handler
func (s *server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests
func (s *server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().Str("addr", s.cfg.Addr).Str("storage", s.store.name).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if closeErr := s.store.Close(); closeErr != nil {
		s.log.Error().Err(closeErr).Msg("closing storage")
	}
	return err
}

// SyncUsers pulls each user from the provider API and prints one line per plan.
// It keeps going after a failed user and returns every failure joined.
func (s *server) SyncUsers(ctx context.Context, out io.Writer, userIDs []string) error {
	var errs []error
	for _, userID := range userIDs {
		res, err := s.provider.SyncUser(ctx, userID)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("sync failed")
			errs = append(errs, fmt.Errorf("sync %s: %w", userID, err))
			continue
		}
		for _, plan := range sortedPlans(res) {
			fmt.Fprintf(out, "%s\t%s\t%s\tfound=%t\n", res.UserID, plan, res.Plans[plan].Outcome, res.Found)
		}
	}
	return errors.Join(errs...)
}

// Close releases the storage without serving
func (s *server) Close() error {
	return s.store.Close()
}

func sortedPlans(res *billing.SyncResult) []string {
	plans := make([]string, 0, len(res.Plans))
	for plan := range res.Plans {
		plans = append(plans, plan)
	}
	sort.Strings(plans)
	return plans
}
