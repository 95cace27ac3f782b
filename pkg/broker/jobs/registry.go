// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package jobs is the Job Registry (spec C3): the sole component that
// creates jobs and drives their state machine from pending through a
// terminal state. Every mutation it performs runs as a single atomic Store
// script so concurrent callers (submit retries, a worker's report and the
// janitor's reclaim) can never interleave into an inconsistent hash.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
	"github.com/stakeordie/emp-job-broker/pkg/broker/eventbus"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/idgen"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

// Config tunes retry/backoff behavior and the correlation_id idempotency
// window (spec §6.5, §7).
type Config struct {
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	StreamMaxLen   int64
	IdempotencyTTL time.Duration
}

// DefaultConfig matches the spec's indicative defaults.
func DefaultConfig() Config {
	return Config{BaseBackoff: 2 * time.Second, MaxBackoff: 5 * time.Minute, StreamMaxLen: 10_000, IdempotencyTTL: 24 * time.Hour}
}

// Registry implements submit/mark_started/report_progress/complete/fail/cancel.
type Registry struct {
	store *store.Store
	bus   *eventbus.Bus
	ids   *idgen.Generator
	log   logr.Logger
	cfg   Config

	notifyCancellation func(ctx context.Context, workerID, jobID string) error
}

// New builds a Registry.
func New(st *store.Store, bus *eventbus.Bus, ids *idgen.Generator, log logr.Logger, cfg Config) *Registry {
	return &Registry{store: st, bus: bus, ids: ids, log: log.WithName("job-registry"), cfg: cfg}
}

// SetCancellationNotifier wires the Worker Session's cancellation-intent
// marker into the registry so Cancel's active-job path surfaces on the
// owning worker's next heartbeat reply (spec §4.5/§6.2 "cancellation_request
// piggy-backed on heartbeat reply"). Split from New to avoid an import
// cycle: worker.Session already depends on jobs for janitor reclaim, so the
// notify path is handed in as a function rather than jobs importing worker.
func (r *Registry) SetCancellationNotifier(fn func(ctx context.Context, workerID, jobID string) error) {
	r.notifyCancellation = fn
}

// Submit creates a new job from spec, honoring correlation_id idempotency:
// a repeat submission with the same correlation_id within the TTL returns
// the existing job id rather than creating a duplicate (spec §4.3 submit,
// invariant 7). A repeat with the same correlation_id but a different
// request body is a conflict, not a silent dedupe (spec §6.1, scenario S5).
func (r *Registry) Submit(ctx context.Context, spec types.JobSpec) (*types.Job, error) {
	now := time.Now().UTC()
	specHash := jobSpecHash(spec)
	jobID := uuid.NewString()

	var idempotencyKey string
	if spec.CorrelationID != "" {
		idempotencyKey = store.IdempotencyKey(correlationHash(spec.CorrelationID))
		claimed, err := r.store.SetNX(ctx, idempotencyKey, jobID+"|"+specHash, r.cfg.IdempotencyTTL)
		if err != nil {
			return nil, err
		}
		if !claimed {
			existing, ok, err := r.store.Get(ctx, idempotencyKey)
			if err != nil {
				return nil, err
			}
			if ok && existing != "" {
				existingID, existingHash := splitIdempotencyValue(existing)
				if existingHash != "" && existingHash != specHash {
					return nil, brokererrors.NewConflictError(
						fmt.Sprintf("correlation_id %q was already used with a different job spec", spec.CorrelationID))
				}
				fields, ok, err := r.store.HashGetAll(ctx, store.JobKey(existingID))
				if err != nil {
					return nil, err
				}
				if ok {
					return store.JobFromFields(fields), nil
				}
			}
		}
	}

	job := &types.Job{
		ID:            jobID,
		ServiceType:   spec.ServiceType,
		Requirements:  spec.Requirements,
		Payload:       spec.Payload,
		Priority:      clampPriority(spec.Priority),
		SubmittedAt:   now,
		Status:        types.JobStatusPending,
		MaxAttempts:   maxAttemptsOrDefault(spec.MaxAttempts),
		WorkflowRef:   spec.WorkflowRef,
		WebhookRef:    spec.WebhookRef,
		CorrelationID: spec.CorrelationID,
	}

	fields, err := store.JobToFields(job)
	if err != nil {
		return nil, fmt.Errorf("flattening job: %w", err)
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal job fields: %w", err)
	}

	score := store.BaseScore(job.Priority, job.SubmittedAt.Unix())
	eventID := r.ids.New(uint64(now.UnixMilli()))
	payload := mustJSON(map[string]any{
		"job_id":       job.ID,
		"service_type": job.ServiceType,
		"priority":     job.Priority,
	})

	result, err := r.store.ScriptCall(ctx, "job_submit",
		[]string{store.JobKey(job.ID), store.PendingIndexKey()},
		job.ID, score, string(fieldsJSON), eventID, now.Unix(),
		store.StreamKey(string(types.EventJobSubmitted)), r.cfg.StreamMaxLen, string(payload),
	)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, brokererrors.New(brokererrors.ErrorTypeInternal, "job_submit rejected unexpectedly")
	}

	if err := r.bus.Publish(ctx, types.Event{ID: eventID, Type: types.EventJobSubmitted, EmittedAt: now, AggregateID: job.ID, Payload: payload}); err != nil {
		r.log.Error(err, "publishing job.submitted", "job_id", job.ID)
	}

	return job, nil
}

// splitIdempotencyValue parses the "jobID|specHash" value the SetNX claim in
// Submit writes. A value with no separator (from a schema predating the
// hash) is treated as a bare job id with an empty hash, which never conflicts.
func splitIdempotencyValue(value string) (jobID, specHash string) {
	idx := strings.LastIndexByte(value, '|')
	if idx < 0 {
		return value, ""
	}
	return value[:idx], value[idx+1:]
}

// jobSpecHash hashes the fields that define a job's identity for idempotency
// collision detection (spec §4.7 "hashed from (service_type, payload,
// customer_id, requirements) when the caller does not supply one" — used
// here to additionally detect a reused correlation_id on a different spec).
func jobSpecHash(spec types.JobSpec) string {
	h := sha256.New()
	h.Write([]byte(spec.ServiceType))
	h.Write([]byte{0})
	h.Write(spec.Payload)
	h.Write([]byte{0})
	h.Write([]byte(spec.CustomerID))
	h.Write([]byte{0})
	reqJSON, _ := json.Marshal(spec.Requirements)
	h.Write(reqJSON)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a job's current projection.
func (r *Registry) Get(ctx context.Context, jobID string) (*types.Job, error) {
	fields, ok, err := r.store.HashGetAll(ctx, store.JobKey(jobID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, brokererrors.NewNotFoundError(fmt.Sprintf("job %s", jobID))
	}
	return store.JobFromFields(fields), nil
}

// MarkStarted transitions assigned -> running (spec §4.3 mark_started).
func (r *Registry) MarkStarted(ctx context.Context, jobID, workerID string) error {
	now := time.Now().UTC()
	result, err := r.store.ScriptCall(ctx, "job_mark_started", []string{store.JobKey(jobID)}, workerID, now.Unix())
	if err != nil {
		return err
	}
	return resultToErr(result, jobID)
}

// ReportProgress records monotone progress and heartbeats the lease (spec §4.3 report_progress).
func (r *Registry) ReportProgress(ctx context.Context, jobID, workerID string, fraction float64, message string) error {
	now := time.Now().UTC()
	eventID := r.ids.New(uint64(now.UnixMilli()))

	result, err := r.store.ScriptCall(ctx, "job_report_progress", []string{store.JobKey(jobID)},
		workerID, now.Unix(), fraction, message, jobID, eventID,
		store.StreamKey(string(types.EventJobProgress)), r.cfg.StreamMaxLen,
	)
	if err != nil {
		return err
	}
	if err := resultToErr(result, jobID); err != nil {
		return err
	}

	var data struct {
		Dropped bool `json:"dropped"`
	}
	_ = json.Unmarshal(result.Data, &data)
	if data.Dropped {
		return nil
	}

	payload := mustJSON(map[string]any{"job_id": jobID, "fraction": fraction, "message": message})
	return r.bus.Publish(ctx, types.Event{ID: eventID, Type: types.EventJobProgress, EmittedAt: now, AggregateID: jobID, Payload: payload})
}

// Complete finalizes a job as completed. Idempotent: a repeat call carrying
// the same result is a no-op success (spec §4.3 complete).
func (r *Registry) Complete(ctx context.Context, jobID, workerID string, result []byte) error {
	hash := sha256.Sum256(result)
	return r.finalize(ctx, jobID, workerID, false, types.JobStatusCompleted, result, hex.EncodeToString(hash[:]), nil)
}

// Fail transitions an active job to failed: requeued if the error is
// retryable and attempts remain, terminal otherwise (spec §4.3 fail).
func (r *Registry) Fail(ctx context.Context, jobID, workerID string, jobErr types.JobError) error {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if jobErr.Retryable && job.Attempt < job.MaxAttempts {
		return r.requeue(ctx, jobID, workerID, false, jobErr)
	}
	return r.finalize(ctx, jobID, workerID, false, types.JobStatusFailed, nil, "", &jobErr)
}

// Cancel requests cancellation of jobID. Pending jobs cancel immediately;
// active jobs record an intent the owning worker is expected to observe and
// ack on its next heartbeat (spec §4.3 cancel).
func (r *Registry) Cancel(ctx context.Context, jobID string) error {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	switch {
	case job.Status == types.JobStatusPending:
		eventID := r.ids.New(uint64(now.UnixMilli()))
		payload := mustJSON(map[string]any{"job_id": jobID})
		result, err := r.store.ScriptCall(ctx, "job_cancel_pending",
			[]string{store.JobKey(jobID), store.PendingIndexKey(), store.TerminalIndexKey()},
			now.Unix(), jobID, eventID, store.StreamKey(string(types.EventJobCancelled)), r.cfg.StreamMaxLen, string(payload),
		)
		if err != nil {
			return err
		}
		if err := resultToErr(result, jobID); err != nil {
			return err
		}
		return r.bus.Publish(ctx, types.Event{ID: eventID, Type: types.EventJobCancelled, EmittedAt: now, AggregateID: jobID, Payload: payload})

	case job.Status.Active():
		result, err := r.store.ScriptCall(ctx, "job_cancel_active_intent", []string{store.JobKey(jobID)}, now.Unix())
		if err != nil {
			return err
		}
		if err := resultToErr(result, jobID); err != nil {
			return err
		}
		if r.notifyCancellation != nil && job.Lease != nil && job.Lease.WorkerID != "" {
			if err := r.notifyCancellation(ctx, job.Lease.WorkerID, jobID); err != nil {
				r.log.V(1).Info("failed to notify worker of cancellation intent", "job_id", jobID, "worker_id", job.Lease.WorkerID, "error", err.Error())
			}
		}
		return nil

	default:
		return brokererrors.NewConflictError(fmt.Sprintf("job %s is already terminal", jobID))
	}
}

func (r *Registry) requeue(ctx context.Context, jobID, workerID string, skipOwnerCheck bool, jobErr types.JobError) error {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	backoff := r.backoffFor(job.Attempt)
	newScore := store.BackoffScore(job.Priority, job.SubmittedAt.Unix(), int64(backoff.Seconds()))
	eventID := r.ids.New(uint64(now.UnixMilli()))
	payload := mustJSON(map[string]any{"job_id": jobID, "will_retry": true, "error": jobErr})

	ownerArg := workerID
	skipArg := "0"
	if skipOwnerCheck {
		ownerArg = ""
		skipArg = "1"
	}

	result, err := r.store.ScriptCall(ctx, "job_requeue",
		[]string{store.JobKey(jobID), store.ActiveIndexKey(), store.PendingIndexKey()},
		ownerArg, skipArg, now.Unix(), newScore, jobErr.Kind, jobErr.Message, jobID,
		eventID, store.StreamKey(string(types.EventJobFailed)), r.cfg.StreamMaxLen, string(payload),
	)
	if err != nil {
		return err
	}
	if err := resultToErr(result, jobID); err != nil {
		return err
	}
	return r.bus.Publish(ctx, types.Event{ID: eventID, Type: types.EventJobFailed, EmittedAt: now, AggregateID: jobID, Payload: payload})
}

// Requeue is the janitor's lease-expiry reclaim path: requeues jobID without
// checking lease ownership, since the owning worker is presumed gone.
func (r *Registry) Requeue(ctx context.Context, jobID string, jobErr types.JobError) error {
	return r.requeue(ctx, jobID, "", true, jobErr)
}

// FinalizeOwnerless finalizes jobID to status without an owner check, used
// by the janitor when a cancellation-intent deadline elapses without an ack
// (a pending cancel wins over a retry) or when max attempts are exhausted.
func (r *Registry) FinalizeOwnerless(ctx context.Context, jobID string, status types.JobStatus, jobErr *types.JobError) error {
	return r.finalize(ctx, jobID, "", true, status, nil, "", jobErr)
}

func (r *Registry) finalize(ctx context.Context, jobID, workerID string, skipOwnerCheck bool, status types.JobStatus, result []byte, resultHash string, jobErr *types.JobError) error {
	now := time.Now().UTC()
	eventID := r.ids.New(uint64(now.UnixMilli()))

	eventType := types.EventJobCompleted
	errKind, errMsg, errRetryable := "", "", "0"
	if jobErr != nil {
		errKind, errMsg = jobErr.Kind, jobErr.Message
		if jobErr.Retryable {
			errRetryable = "1"
		}
	}
	switch status {
	case types.JobStatusFailed:
		eventType = types.EventJobFailed
	case types.JobStatusCancelled:
		eventType = types.EventJobCancelled
	}

	payload := mustJSON(map[string]any{"job_id": jobID, "status": status, "error": jobErr})

	ownerArg := workerID
	skipArg := "0"
	if skipOwnerCheck {
		ownerArg = ""
		skipArg = "1"
	}

	scriptResult, err := r.store.ScriptCall(ctx, "job_finalize",
		[]string{store.JobKey(jobID), store.ActiveIndexKey(), store.TerminalIndexKey()},
		ownerArg, skipArg, string(status), now.Unix(),
		encodeResult(result), resultHash, errKind, errMsg, errRetryable,
		jobID, string(eventType), eventID,
		store.StreamKey(string(eventType)), r.cfg.StreamMaxLen, string(payload),
	)
	if err != nil {
		return err
	}
	if err := resultToErr(scriptResult, jobID); err != nil {
		return err
	}

	var data struct {
		Idempotent bool `json:"idempotent"`
	}
	_ = json.Unmarshal(scriptResult.Data, &data)
	if data.Idempotent {
		return nil
	}

	return r.bus.Publish(ctx, types.Event{ID: eventID, Type: eventType, EmittedAt: now, AggregateID: jobID, Payload: payload})
}

func (r *Registry) backoffFor(attempt int) time.Duration {
	d := r.cfg.BaseBackoff << uint(attempt)
	if d > r.cfg.MaxBackoff || d <= 0 {
		return r.cfg.MaxBackoff
	}
	return d
}

func resultToErr(result *store.ScriptResult, jobID string) error {
	if result.OK {
		return nil
	}
	switch result.Reason {
	case "not_found":
		return brokererrors.NewNotFoundError(fmt.Sprintf("job %s", jobID))
	case "conflict":
		return brokererrors.NewConflictError(fmt.Sprintf("job %s is not in the expected state", jobID))
	default:
		return brokererrors.New(brokererrors.ErrorTypeInternal, fmt.Sprintf("unexpected outcome %q for job %s", result.Reason, jobID))
	}
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 1000 {
		return 1000
	}
	return p
}

func maxAttemptsOrDefault(n int) int {
	if n <= 0 {
		return 3
	}
	return n
}

func correlationHash(correlationID string) string {
	sum := sha256.Sum256([]byte(correlationID))
	return hex.EncodeToString(sum[:])
}

func encodeResult(result []byte) string {
	if len(result) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(result)
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
