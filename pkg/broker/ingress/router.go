// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"

	"github.com/stakeordie/emp-job-broker/pkg/broker/jobs"
	"github.com/stakeordie/emp-job-broker/pkg/broker/worker"
	"github.com/stakeordie/emp-job-broker/pkg/broker/workflow"
)

// Config tunes CORS and the webhook cache refresh interval (spec §6.5, §9).
type Config struct {
	AllowedOrigins      []string
	WebhookCacheRefresh time.Duration
}

// DefaultConfig matches the teacher's permissive local-dev CORS defaults.
func DefaultConfig() Config {
	return Config{AllowedOrigins: []string{"*"}, WebhookCacheRefresh: 30 * time.Second}
}

// API wires the job registry, workflow aggregator, webhook registry, and
// worker session behind a chi router.
type API struct {
	registry  *jobs.Registry
	workflows *workflow.Aggregator
	webhooks  *WebhookRegistry
	session   *worker.Session
	validate  *validator.Validate
	log       logr.Logger
}

// New builds an API.
func New(registry *jobs.Registry, workflows *workflow.Aggregator, webhooks *WebhookRegistry, session *worker.Session, log logr.Logger) *API {
	return &API{registry: registry, workflows: workflows, webhooks: webhooks, session: session, validate: validator.New(), log: log.WithName("ingress")}
}

// Router builds the chi router serving the ingress surface.
func (a *API) Router(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.submitJob)
		r.Get("/{jobID}", a.getJob)
		r.Post("/{jobID}:cancel", a.cancelJob)
	})

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", a.submitWorkflow)
		r.Get("/{workflowID}", a.getWorkflow)
		r.Post("/{workflowID}:cancel", a.cancelWorkflow)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", a.registerWebhook)
		r.Get("/", a.listWebhooks)
		r.Delete("/{webhookID}", a.deleteWebhook)
		r.Patch("/{webhookID}", a.patchWebhook)
	})

	r.Route("/workers", func(r chi.Router) {
		r.Post("/register", a.registerWorker)
		r.Post("/{workerID}/heartbeat", a.workerHeartbeat)
		r.Post("/{workerID}/request_work", a.requestWork)
		r.Post("/{workerID}/report_progress", a.reportProgress)
		r.Post("/{workerID}/complete", a.completeJob)
		r.Post("/{workerID}/fail", a.failJob)
		r.Post("/{workerID}/release", a.releaseWorker)
	})

	return r
}

// RunCacheRefresh periodically reloads the webhook cache until ctx is
// cancelled (spec §9: the refresh must load the full population, not just
// active endpoints).
func (a *API) RunCacheRefresh(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.webhooks.RefreshCache(ctx); err != nil {
				a.log.Error(err, "webhook cache refresh failed")
			}
		}
	}
}
