// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package worker is the Worker Session component (spec C5): per-worker
// registration, heartbeat, request_work delegation to the Match Kernel, and
// draining/release. The janitor's lease-expiry and dead-worker detection
// sweep lives alongside it in janitor.go since both operate on the same
// worker/job state.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
	"github.com/stakeordie/emp-job-broker/pkg/broker/eventbus"
	"github.com/stakeordie/emp-job-broker/pkg/broker/match"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/idgen"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

// Session implements register/heartbeat/request_work/release/Drain.
type Session struct {
	store  *store.Store
	kernel *match.Kernel
	bus    *eventbus.Bus
	ids    *idgen.Generator
	log    logr.Logger
}

// New builds a Session.
func New(st *store.Store, kernel *match.Kernel, bus *eventbus.Bus, ids *idgen.Generator, log logr.Logger) *Session {
	return &Session{store: st, kernel: kernel, bus: bus, ids: ids, log: log.WithName("worker-session")}
}

// Register upserts a worker's capability descriptor and emits worker.registered.
func (s *Session) Register(ctx context.Context, descriptor types.CapabilityDescriptor) error {
	now := time.Now().UTC()

	session := types.WorkerSession{
		Descriptor:      descriptor,
		Status:          types.WorkerStatusIdle,
		LastHeartbeatAt: now,
		RegisteredAt:    now,
	}

	fields, err := sessionToFields(session)
	if err != nil {
		return err
	}
	if err := s.store.HashPut(ctx, store.WorkerKey(descriptor.WorkerID), fields); err != nil {
		return err
	}

	eventID := s.ids.New(uint64(now.UnixMilli()))
	payload := mustJSON(map[string]any{"worker_id": descriptor.WorkerID, "service_types": descriptor.ServiceTypes})
	return s.bus.PublishDurable(ctx, types.Event{ID: eventID, Type: types.EventWorkerRegistered, EmittedAt: now, AggregateID: descriptor.WorkerID, Payload: payload})
}

// HeartbeatResult carries the broker's piggy-backed reply to a heartbeat
// (spec §4.9 "cancellation_request(job_id) piggy-backed on heartbeat reply").
type HeartbeatResult struct {
	CancellationRequested bool
	JobID                 string
}

// Heartbeat refreshes a worker's liveness timestamp and, if assertActive is
// set, the current job's lease progress too (spec §4.5 heartbeat). cancelAck
// carries the job id the worker is acknowledging cancellation of, if any.
func (s *Session) Heartbeat(ctx context.Context, workerID string, assertActive bool, cancelAck string) (HeartbeatResult, error) {
	now := time.Now().UTC()

	session, err := s.Get(ctx, workerID)
	if err != nil {
		return HeartbeatResult{}, err
	}
	if session.Status == types.WorkerStatusDead {
		return HeartbeatResult{}, brokererrors.NewWorkerProtocolViolationError(fmt.Sprintf("worker %s is dead; re-register before heartbeating", workerID))
	}

	updates := map[string]any{"last_heartbeat_at": strconv.FormatInt(now.Unix(), 10)}
	if err := s.store.HashUpdate(ctx, store.WorkerKey(workerID), updates); err != nil {
		return HeartbeatResult{}, err
	}

	if assertActive && session.CurrentJobID != "" {
		if err := s.store.HashUpdate(ctx, store.JobKey(session.CurrentJobID), map[string]any{"lease_last_progress_at": strconv.FormatInt(now.Unix(), 10)}); err != nil {
			s.log.V(1).Info("failed to refresh lease on heartbeat", "worker_id", workerID, "error", err.Error())
		}
	}

	if cancelAck != "" && cancelAck == session.CancellationIntent {
		if err := s.store.HashUpdate(ctx, store.WorkerKey(workerID), map[string]any{"cancellation_intent": ""}); err != nil {
			s.log.V(1).Info("failed to clear cancellation intent", "worker_id", workerID, "error", err.Error())
		}
	}

	// Heartbeats are chatty and carry no durable state transition, so they
	// ride the live tiers only; a missed one is superseded by the next.
	eventID := s.ids.New(uint64(now.UnixMilli()))
	payload := mustJSON(map[string]any{"worker_id": workerID})
	if err := s.bus.Publish(ctx, types.Event{ID: eventID, Type: types.EventWorkerHeartbeat, EmittedAt: now, AggregateID: workerID, Payload: payload}); err != nil {
		s.log.V(1).Info("failed to publish worker.heartbeat", "worker_id", workerID, "error", err.Error())
	}

	if session.CancellationIntent != "" && session.CancellationIntent != cancelAck {
		return HeartbeatResult{CancellationRequested: true, JobID: session.CancellationIntent}, nil
	}
	return HeartbeatResult{}, nil
}

// RequestWork delegates to the Match Kernel. A draining worker is told
// "idle" (spec §5 "refuses new request_work"); a dead worker is a protocol
// violation and must re-register first.
func (s *Session) RequestWork(ctx context.Context, workerID string) (*match.Claim, error) {
	session, err := s.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if session.Status == types.WorkerStatusDead {
		return nil, brokererrors.NewWorkerProtocolViolationError(fmt.Sprintf("worker %s is dead; re-register before requesting work", workerID))
	}
	if session.Status == types.WorkerStatusDraining {
		return nil, nil
	}

	claim, err := s.kernel.RequestWork(ctx, session.Descriptor)
	if err != nil || claim == nil {
		return claim, err
	}

	if err := s.store.HashUpdate(ctx, store.WorkerKey(workerID), map[string]any{
		"status":         string(types.WorkerStatusBusy),
		"current_job_id": claim.JobID,
	}); err != nil {
		s.log.V(1).Info("failed to record claimed job on worker", "worker_id", workerID, "error", err.Error())
	}

	return claim, nil
}

// Release voluntarily relinquishes an unclaimed worker slot (spec §4.5
// release): a worker with no current job goes straight to dead, otherwise it
// starts draining so its in-flight job can finish or lease-expire.
func (s *Session) Release(ctx context.Context, workerID string) error {
	session, err := s.Get(ctx, workerID)
	if err != nil {
		return err
	}
	if session.CurrentJobID == "" {
		return s.store.HashUpdate(ctx, store.WorkerKey(workerID), map[string]any{"status": string(types.WorkerStatusDead)})
	}
	return s.Drain(ctx, workerID)
}

// Drain flips status to draining: new request_work calls are refused while
// the worker's in-flight job is allowed to complete or lease-expire (spec §5,
// expanded into an explicit operation since the Worker Session must expose
// this transition as a first-class call, not just inline release logic).
func (s *Session) Drain(ctx context.Context, workerID string) error {
	session, err := s.Get(ctx, workerID)
	if err != nil {
		return err
	}
	if session.Status == types.WorkerStatusDraining || session.Status == types.WorkerStatusDead {
		return nil
	}
	return s.store.HashUpdate(ctx, store.WorkerKey(workerID), map[string]any{"status": string(types.WorkerStatusDraining)})
}

// RecordFailure appends to the worker's bounded failure-attestation ring
// buffer (spec §4.5).
func (s *Session) RecordFailure(ctx context.Context, workerID string, record types.FailureRecord) error {
	session, err := s.Get(ctx, workerID)
	if err != nil {
		return err
	}

	session.Failures = append(session.Failures, record)
	if len(session.Failures) > types.MaxFailureRingSize {
		session.Failures = session.Failures[len(session.Failures)-types.MaxFailureRingSize:]
	}

	fields, err := sessionToFields(session)
	if err != nil {
		return err
	}
	return s.store.HashPut(ctx, store.WorkerKey(workerID), fields)
}

// Get returns a worker's current session state.
func (s *Session) Get(ctx context.Context, workerID string) (types.WorkerSession, error) {
	fields, ok, err := s.store.HashGetAll(ctx, store.WorkerKey(workerID))
	if err != nil {
		return types.WorkerSession{}, err
	}
	if !ok {
		return types.WorkerSession{}, brokererrors.NewNotFoundError(fmt.Sprintf("worker %s", workerID))
	}
	return fieldsToSession(fields)
}

// MarkCancellationIntent records that jobID has been requested for
// cancellation while workerID holds its lease, surfaced on the worker's next
// heartbeat reply (spec §4.5 cancellation signal).
func (s *Session) MarkCancellationIntent(ctx context.Context, workerID, jobID string) error {
	return s.store.HashUpdate(ctx, store.WorkerKey(workerID), map[string]any{"cancellation_intent": jobID})
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
