// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/stakeordie/emp-job-broker/pkg/broker/jobs"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/metrics"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

// JanitorConfig tunes the sweep's timers (spec §6.5).
type JanitorConfig struct {
	Period            time.Duration
	Grace             time.Duration
	DeadAfter         time.Duration
	CancelGrace       time.Duration
	TerminalRetention time.Duration
}

// DefaultJanitorConfig matches the spec's indicative defaults.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Period:            10 * time.Second,
		Grace:             5 * time.Second,
		DeadAfter:         60 * time.Second,
		CancelGrace:       30 * time.Second,
		TerminalRetention: 72 * time.Hour,
	}
}

// Janitor is the background process that reclaims expired leases and
// detects dead workers (spec §4.5 "Lease expiration").
type Janitor struct {
	store    *store.Store
	session  *Session
	registry *jobs.Registry
	log      logr.Logger
	cfg      JanitorConfig
	metrics  *metrics.Registry
}

// NewJanitor builds a Janitor.
func NewJanitor(st *store.Store, session *Session, registry *jobs.Registry, log logr.Logger, cfg JanitorConfig) *Janitor {
	return &Janitor{store: st, session: session, registry: registry, log: log.WithName("janitor"), cfg: cfg}
}

// SetMetrics wires the broker's metric registry in; nil leaves the janitor
// uninstrumented.
func (j *Janitor) SetMetrics(m *metrics.Registry) {
	j.metrics = m
}

// Run executes the janitor sweep on cfg.Period until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.log.Error(err, "sweep failed")
			}
		}
	}
}

// Sweep runs a single janitor pass over the active index.
func (j *Janitor) Sweep(ctx context.Context) error {
	active, err := j.store.SetMembers(ctx, store.ActiveIndexKey())
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for _, jobID := range active {
		if err := j.sweepJob(ctx, jobID, now); err != nil {
			j.log.Error(err, "sweeping job", "job_id", jobID)
		}
	}

	return j.collectTerminal(ctx, now)
}

// collectTerminal garbage-collects terminal jobs older than the retention
// window: the job hash is deleted and its id dropped from the terminal index.
func (j *Janitor) collectTerminal(ctx context.Context, now time.Time) error {
	if j.cfg.TerminalRetention <= 0 {
		return nil
	}

	terminal, err := j.store.SetMembers(ctx, store.TerminalIndexKey())
	if err != nil {
		return err
	}

	cutoff := now.Add(-j.cfg.TerminalRetention)
	for _, jobID := range terminal {
		fields, ok, err := j.store.HashGetAll(ctx, store.JobKey(jobID))
		if err != nil {
			return err
		}
		if !ok {
			// Hash already gone; drop the dangling index entry.
			if err := j.store.SetRemove(ctx, store.TerminalIndexKey(), jobID); err != nil {
				return err
			}
			continue
		}

		finishedAt, ok := store.FinishedAt(fields)
		if !ok || finishedAt.After(cutoff) {
			continue
		}

		if err := j.store.SetRemove(ctx, store.TerminalIndexKey(), jobID); err != nil {
			return err
		}
		if err := j.store.Delete(ctx, store.JobKey(jobID)); err != nil {
			return err
		}
		j.log.V(1).Info("collected terminal job past retention", "job_id", jobID)
	}
	return nil
}

func (j *Janitor) sweepJob(ctx context.Context, jobID string, now time.Time) error {
	fields, ok, err := j.store.HashGetAll(ctx, store.JobKey(jobID))
	if err != nil || !ok {
		return err
	}
	job := store.JobFromFields(fields)
	if job.Lease == nil {
		return nil
	}

	cancelRequestedAt, hasCancelIntent := store.CancelRequestedAt(fields)

	if hasCancelIntent && now.Sub(cancelRequestedAt) > j.cfg.CancelGrace {
		// A cancellation intent outranks a retry: the janitor finalizes the
		// job as cancelled directly rather than requeuing it, since the
		// caller's cancel request should win even if the worker never acks.
		if err := j.registry.FinalizeOwnerless(ctx, jobID, types.JobStatusCancelled, nil); err != nil {
			return err
		}
		return j.checkWorkerLiveness(ctx, job.Lease.WorkerID, now)
	}

	if now.Before(job.Lease.ExpiresAt.Add(j.cfg.Grace)) {
		return nil
	}

	if job.Attempt < job.MaxAttempts {
		if err := j.registry.Requeue(ctx, jobID, types.JobError{Kind: "lease_expired", Message: "worker lease expired", Retryable: true}); err != nil {
			return err
		}
	} else {
		if err := j.registry.FinalizeOwnerless(ctx, jobID, types.JobStatusFailed, &types.JobError{Kind: "lease_expired", Message: "worker lease expired and max attempts exhausted", Retryable: false}); err != nil {
			return err
		}
	}
	if j.metrics != nil {
		j.metrics.LeaseExpirations.Inc()
	}

	return j.checkWorkerLiveness(ctx, job.Lease.WorkerID, now)
}

func (j *Janitor) checkWorkerLiveness(ctx context.Context, workerID string, now time.Time) error {
	if workerID == "" {
		return nil
	}
	session, err := j.session.Get(ctx, workerID)
	if err != nil {
		return nil // worker record gone; nothing to mark
	}
	if session.Status == types.WorkerStatusDead {
		return nil
	}
	if now.Sub(session.LastHeartbeatAt) <= j.cfg.DeadAfter {
		return nil
	}

	if err := j.store.HashUpdate(ctx, store.WorkerKey(workerID), map[string]any{"status": string(types.WorkerStatusDead)}); err != nil {
		return err
	}
	if j.metrics != nil {
		j.metrics.WorkersDead.Inc()
	}

	eventID := j.session.ids.New(uint64(now.UnixMilli()))
	payload := mustJSON(map[string]any{"worker_id": workerID})
	return j.session.bus.PublishDurable(ctx, types.Event{ID: eventID, Type: types.EventWorkerLost, EmittedAt: now, AggregateID: workerID, Payload: payload})
}
