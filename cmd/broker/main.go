// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Command broker runs the job broker: the janitor, aging loop, stream
// retention trim, gauge sampler, config watcher, webhook cache refresh, and
// the ingress and metrics HTTP servers all supervised as one goroutine
// group so a fatal error in any of them brings the whole process down
// cleanly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stakeordie/emp-job-broker/internal/config"
	"github.com/stakeordie/emp-job-broker/pkg/broker/egress/alert"
	"github.com/stakeordie/emp-job-broker/pkg/broker/eventbus"
	"github.com/stakeordie/emp-job-broker/pkg/broker/ingress"
	"github.com/stakeordie/emp-job-broker/pkg/broker/jobs"
	"github.com/stakeordie/emp-job-broker/pkg/broker/match"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/broker/worker"
	"github.com/stakeordie/emp-job-broker/pkg/broker/workflow"
	"github.com/stakeordie/emp-job-broker/pkg/idgen"
	"github.com/stakeordie/emp-job-broker/pkg/metrics"
	"github.com/stakeordie/emp-job-broker/pkg/shared/circuitbreaker"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the broker's YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	configLoaded := err == nil
	if !configLoaded {
		cfg = config.Default()
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer zapLogger.Sync() //nolint:errcheck
	log := zapr.NewLogger(zapLogger)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB, PoolSize: cfg.Redis.PoolSize})
	defer redisClient.Close()

	breaker := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())

	st, err := store.New(redisClient, log, breaker)
	if err != nil {
		return fmt.Errorf("building store: %w", err)
	}

	ids := idgen.NewGenerator()
	retention := eventbus.StreamRetention{
		MaxLenApprox: int64(cfg.Timers.StreamRetentionCount),
		MaxAge:       time.Duration(cfg.Timers.StreamRetentionSec) * time.Second,
	}
	bus := eventbus.New(st, log, retention)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	matchCfg := match.DefaultConfig()
	matchCfg.LeaseDuration = time.Duration(cfg.Timers.LeaseDurationSec) * time.Second
	matchCfg.ScanCap = int64(cfg.Timers.MatchScanCap)
	matchCfg.AgeBoostPerMinute = cfg.Timers.AgingBoostPerMinute
	matchCfg.AgeBoostCap = cfg.Timers.AgingBoostCap
	kernel := match.New(st, bus, ids, log, matchCfg)
	kernel.SetMetrics(m)

	jobsCfg := jobs.DefaultConfig()
	jobsCfg.IdempotencyTTL = time.Duration(cfg.Timers.IdempotencyTTLSec) * time.Second
	registry := jobs.New(st, bus, ids, log, jobsCfg)

	session := worker.New(st, kernel, bus, ids, log)
	registry.SetCancellationNotifier(session.MarkCancellationIntent)
	janitorCfg := worker.DefaultJanitorConfig()
	janitorCfg.Period = time.Duration(cfg.Timers.JanitorPeriodSec) * time.Second
	janitorCfg.DeadAfter = time.Duration(cfg.Timers.WorkerDeadAfterSec) * time.Second
	janitorCfg.CancelGrace = time.Duration(cfg.Timers.CancelGraceSec) * time.Second
	janitorCfg.TerminalRetention = time.Duration(cfg.Timers.TerminalRetentionSec) * time.Second
	janitor := worker.NewJanitor(st, session, registry, log, janitorCfg)
	janitor.SetMetrics(m)

	webhooks := ingress.NewWebhookRegistry(st)
	workflowCfg := workflow.DefaultConfig()
	if cfg.Workflow.ModeDefault != "" {
		workflowCfg.DefaultMode = types.WorkflowMode(cfg.Workflow.ModeDefault)
	}
	aggregator := workflow.New(st, bus, ids, log, workflowCfg)
	aggregator.SetCanceler(registry.Cancel)
	aggregator.SetMetrics(m)
	api := ingress.New(registry, aggregator, webhooks, session, log)

	alertOrchestrator := alert.New(breaker, log, alert.NewConsoleChannel(log))
	if cfg.Alerting.SlackToken != "" {
		alertOrchestrator = alert.New(breaker, log, alert.NewConsoleChannel(log), alert.NewSlackChannel(cfg.Alerting.SlackToken, cfg.Alerting.SlackChannelID))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	var watcher *config.Watcher
	if configLoaded {
		watcher = config.NewWatcher(configPath, cfg, log)
		group.Go(func() error { return watcher.Run(groupCtx.Done()) })
	}

	group.Go(func() error { return janitor.Run(groupCtx) })
	group.Go(func() error { return runAging(groupCtx, kernel, watcher) })
	group.Go(func() error { return bus.RunRetention(groupCtx, time.Hour) })
	group.Go(func() error { return runGaugeSampler(groupCtx, st, m) })
	group.Go(func() error { return api.RunCacheRefresh(groupCtx, ingress.DefaultConfig().WebhookCacheRefresh) })

	httpServer := &http.Server{Addr: cfg.Server.IngressAddr, Handler: api.Router(ingress.Config{AllowedOrigins: cfg.AllowedOrigins})}
	group.Go(func() error { return runHTTPServer(groupCtx, httpServer) })

	metricsServer := metrics.NewServer(cfg.Server.MetricsAddr, metrics.Handler(reg))
	group.Go(func() error { return metricsServer.Run(groupCtx) })

	bus.Subscribe(types.EventJobFailed, func(ctx context.Context, event types.Event) {
		var payload struct {
			WillRetry bool `json:"will_retry"`
		}
		if err := json.Unmarshal(event.Payload, &payload); err == nil && !payload.WillRetry {
			alertOrchestrator.Fire(ctx, alert.Alert{Kind: "job_failed_terminal", Message: "job reached a terminal failure", Fields: map[string]any{"job_id": event.AggregateID}})
		}
	})

	return group.Wait()
}

func runAging(ctx context.Context, kernel *match.Kernel, watcher *config.Watcher) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if watcher != nil {
				timers := watcher.Current().Timers
				kernel.SetAging(timers.AgingBoostPerMinute, timers.AgingBoostCap)
			}
			if _, err := kernel.AgeBoost(ctx); err != nil {
				return err
			}
		}
	}
}

func runGaugeSampler(ctx context.Context, st *store.Store, m *metrics.Registry) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if depth, err := st.SortedSetCard(ctx, store.PendingIndexKey()); err == nil {
				m.QueueDepth.Set(float64(depth))
			}
			if active, err := st.SetCard(ctx, store.ActiveIndexKey()); err == nil {
				m.ActiveJobs.Set(float64(active))
			}
		}
	}
}

func runHTTPServer(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
