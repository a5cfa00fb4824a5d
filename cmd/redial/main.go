package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redialhq/redial/internal/agent"
	"github.com/redialhq/redial/internal/api"
	"github.com/redialhq/redial/internal/bridge"
	"github.com/redialhq/redial/internal/carrier"
	"github.com/redialhq/redial/internal/config"
	"github.com/redialhq/redial/internal/crm"
	"github.com/redialhq/redial/internal/database"
	"github.com/redialhq/redial/internal/dialer"
	"github.com/redialhq/redial/internal/metrics"
	"github.com/redialhq/redial/internal/notify"
	"github.com/redialhq/redial/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting redial",
		"listen_addr", cfg.ListenAddr,
		"public_url", cfg.PublicURL,
		"max_active_calls", cfg.MaxActiveCalls,
		"queue_interval", cfg.QueueInterval(),
	)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	queue := database.NewCallQueueRepository(db)
	states := database.NewCallStateRepository(db)

	notifier := notify.New(cfg.NotifyWebhookURL, logger)
	gateway := carrier.New(cfg.TwilioAccountSID, cfg.TwilioAuthToken, logger)
	validator := carrier.NewValidator(cfg.TwilioAuthToken)
	agents := agent.NewClient(cfg.AgentBaseURL, cfg.AgentID, cfg.AgentAPIKey, logger)

	var contacts api.ContactSource
	if cfg.CRMEnabled() {
		tokens := database.NewTokenRepository(db)
		contacts = crm.NewClient(cfg.CRMBaseURL, cfg.CRMClientID, cfg.CRMClientSecret, cfg.CRMLocationID, tokens, logger)
		slog.Info("crm integration enabled", "location_id", cfg.CRMLocationID)
	}

	loc, err := cfg.CivilLocation()
	if err != nil {
		slog.Error("failed to load civil timezone", "error", err)
		os.Exit(1)
	}
	policy := schedule.NewPolicy(loc)

	registry := prometheus.NewRegistry()
	counters := metrics.NewCounters(registry)

	planner := dialer.NewPlanner(queue, policy, cfg.MaxAttempts, notifier, counters, logger)
	initiator := dialer.NewInitiator(states, gateway, agents, notifier, logger,
		cfg.SourcePhone,
		cfg.CallbackURL("/outbound-call-twiml"),
		cfg.CallbackURL("/call-status"))
	processor := dialer.NewProcessor(states, gateway, planner, notifier, counters, logger)
	scheduler := dialer.NewScheduler(queue, gateway, initiator, notifier, counters, logger,
		cfg.QueueInterval(), cfg.MaxActiveCalls, cfg.StaleInFlightAfter)

	bridges := bridge.NewRegistry()
	streams := bridge.NewHandler(states, agents, notifier, bridges, logger)

	registry.MustRegister(metrics.NewCollector(queue, states, bridges, time.Now()))
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	go scheduler.Run(appCtx)

	handler := api.NewServer(db, cfg, queue, states, processor, streams, contacts, validator, metricsHandler, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown: stop accepting HTTP first, then the scheduler, then
	// let pending notifications drain.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	appCancel()

	if err := notifier.Flush(ctx); err != nil {
		slog.Warn("notifier flush incomplete", "error", err)
	}

	slog.Info("redial stopped")
}
