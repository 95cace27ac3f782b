// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package workflow is the Workflow Aggregator (spec C4): the sole writer of
// a workflow's canonical per-step StepDetail records. It subscribes to job
// terminal events, fills in the step they belong to exactly once even under
// at-least-once delivery, and emits the workflow's own terminal event once
// every step has reached a final state (or, in abort_on_failure mode, as
// soon as the first step fails).
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
	"github.com/stakeordie/emp-job-broker/pkg/broker/eventbus"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/idgen"
	"github.com/stakeordie/emp-job-broker/pkg/metrics"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

// Config tunes stream retention for the aggregator's own terminal events
// and the mode applied to workflows submitted without one.
type Config struct {
	StreamMaxLen int64
	DefaultMode  types.WorkflowMode
}

// DefaultConfig matches the spec's indicative defaults.
func DefaultConfig() Config {
	return Config{StreamMaxLen: 10_000, DefaultMode: types.WorkflowModeAbortOnFailure}
}

// Aggregator implements workflow creation and step-completion aggregation.
type Aggregator struct {
	store     *store.Store
	bus       *eventbus.Bus
	ids       *idgen.Generator
	log       logr.Logger
	cfg       Config
	metrics   *metrics.Registry
	cancelJob func(ctx context.Context, jobID string) error

	finalizeMu sync.Mutex
	finalizing map[string]bool
}

// New builds an Aggregator and wires it to receive job terminal events.
func New(st *store.Store, bus *eventbus.Bus, ids *idgen.Generator, log logr.Logger, cfg Config) *Aggregator {
	a := &Aggregator{store: st, bus: bus, ids: ids, log: log.WithName("workflow-aggregator"), cfg: cfg, finalizing: make(map[string]bool)}

	bus.Subscribe(types.EventJobCompleted, a.onJobTerminal)
	bus.Subscribe(types.EventJobFailed, a.onJobTerminal)
	bus.Subscribe(types.EventJobCancelled, a.onJobTerminal)

	return a
}

// SetCanceler wires the Job Registry's Cancel operation into the aggregator
// so abort_on_failure mode can cancel still-pending sibling steps (spec §4.4
// item 4, scenario S4). The cancel path is handed in as a function, so the
// workflow package does not import the jobs package.
func (a *Aggregator) SetCanceler(cancelJob func(ctx context.Context, jobID string) error) {
	a.cancelJob = cancelJob
}

// SetMetrics wires the broker's metric registry in; nil leaves the
// aggregator uninstrumented.
func (a *Aggregator) SetMetrics(m *metrics.Registry) {
	a.metrics = m
}

// Create persists a new workflow and its constituent job specs, submitting
// each step via submitStep (spec §4.4 workflow submission).
func (a *Aggregator) Create(ctx context.Context, spec types.WorkflowSpec, submitStep func(ctx context.Context, step types.JobSpec, ref types.WorkflowRef) (*types.Job, error)) (*types.Workflow, error) {
	mode := spec.Mode
	if mode == "" {
		mode = a.cfg.DefaultMode
	}
	if mode == "" {
		mode = types.WorkflowModeAbortOnFailure
	}

	wf := &types.Workflow{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Mode:        mode,
		TotalSteps:  len(spec.Steps),
		WebhookRef:  spec.WebhookRef,
		CreatedAt:   time.Now().UTC(),
		Status:      types.WorkflowStatusRunning,
		StepJobs:    make([]string, len(spec.Steps)),
		StepDetails: make([]types.StepDetail, len(spec.Steps)),
	}
	for i := range wf.StepDetails {
		wf.StepDetails[i] = types.StepDetail{StepIndex: i}
	}

	if err := a.save(ctx, wf); err != nil {
		return nil, err
	}

	for i, stepSpec := range spec.Steps {
		job, err := submitStep(ctx, stepSpec, types.WorkflowRef{WorkflowID: wf.ID, StepIndex: i})
		if err != nil {
			a.rollbackCreate(ctx, wf)
			return nil, fmt.Errorf("submitting step %d: %w", i, err)
		}
		wf.StepJobs[i] = job.ID
	}

	if err := a.save(ctx, wf); err != nil {
		a.rollbackCreate(ctx, wf)
		return nil, err
	}

	now := time.Now().UTC()
	payload := mustJSON(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"total_steps": wf.TotalSteps,
		"mode":        wf.Mode,
		"job_ids":     wf.StepJobs,
	})
	if err := a.bus.PublishDurable(ctx, types.Event{
		ID:          a.ids.New(uint64(now.UnixMilli())),
		Type:        types.EventWorkflowSubmitted,
		EmittedAt:   now,
		AggregateID: wf.ID,
		Payload:     payload,
	}); err != nil {
		a.log.Error(err, "publishing workflow.submitted", "workflow_id", wf.ID)
	}

	return wf, nil
}

// rollbackCreate undoes a partially persisted submission so the caller sees
// a clean failure with nothing left behind (spec §4.7 "all or nothing"). The
// workflow hash is deleted first: the step cancellations below publish
// job.cancelled synchronously, and with the hash already gone onJobTerminal
// has nothing to fill or finalize.
func (a *Aggregator) rollbackCreate(ctx context.Context, wf *types.Workflow) {
	if err := a.store.Delete(ctx, store.WorkflowKey(wf.ID)); err != nil {
		a.log.Error(err, "rolling back workflow record", "workflow_id", wf.ID)
	}

	for _, jobID := range wf.StepJobs {
		if jobID == "" || a.cancelJob == nil {
			continue
		}
		if err := a.cancelJob(ctx, jobID); err != nil {
			a.log.Error(err, "cancelling step job during submission rollback", "workflow_id", wf.ID, "job_id", jobID)
		}
	}
}

// Get returns a workflow's current projection.
func (a *Aggregator) Get(ctx context.Context, workflowID string) (*types.Workflow, error) {
	fields, ok, err := a.store.HashGetAll(ctx, store.WorkflowKey(workflowID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, brokererrors.NewNotFoundError(fmt.Sprintf("workflow %s", workflowID))
	}
	return fieldsToWorkflow(fields)
}

func (a *Aggregator) save(ctx context.Context, wf *types.Workflow) error {
	fields, err := workflowToFields(wf)
	if err != nil {
		return err
	}
	return a.store.HashPut(ctx, store.WorkflowKey(wf.ID), fields)
}

// onJobTerminal is the Event Bus handler that fills a job's step slot. It is
// idempotent: a duplicate delivery for an already-Filled step is a no-op,
// which is what makes the aggregator safe under the bus's at-least-once
// guarantee (spec §4.4, §4.6).
func (a *Aggregator) onJobTerminal(ctx context.Context, event types.Event) {
	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		a.log.Error(err, "decoding job terminal event payload", "event_id", event.ID)
		return
	}

	job, err := a.jobFor(ctx, payload.JobID)
	if err != nil {
		return // job not found is possible on replay after retention expiry; nothing to aggregate
	}
	if job.WorkflowRef == nil {
		return
	}

	wf, err := a.Get(ctx, job.WorkflowRef.WorkflowID)
	if err != nil {
		// A missing workflow is expected when a submission rollback cancels
		// its step jobs, or on replay after the record was garbage-collected.
		if !brokererrors.IsType(err, brokererrors.ErrorTypeNotFound) {
			a.log.Error(err, "loading workflow for step completion", "workflow_id", job.WorkflowRef.WorkflowID)
		}
		return
	}
	if wf.TerminalEmitted {
		return
	}

	idx := job.WorkflowRef.StepIndex
	if idx < 0 || idx >= len(wf.StepDetails) {
		a.log.Error(fmt.Errorf("step index %d out of range", idx), "malformed workflow ref", "workflow_id", wf.ID)
		return
	}
	if wf.StepDetails[idx].Filled {
		return
	}

	wf.StepDetails[idx] = types.StepDetail{
		StepIndex:   idx,
		JobID:       job.ID,
		Status:      job.Status,
		Result:      job.Result,
		Error:       job.Error,
		CompletedAt: time.Now().UTC(),
		Filled:      true,
	}

	switch job.Status {
	case types.JobStatusCompleted:
		wf.CompletedCount++
	default:
		wf.FailedCount++
	}

	if err := a.save(ctx, wf); err != nil {
		a.log.Error(err, "saving workflow after step completion", "workflow_id", wf.ID)
		return
	}

	stepPayload := mustJSON(map[string]any{"workflow_id": wf.ID, "step_index": idx, "status": job.Status})
	_ = a.bus.PublishDurable(ctx, types.Event{
		ID:          a.ids.New(uint64(time.Now().UnixMilli())),
		Type:        types.EventWorkflowStepDone,
		EmittedAt:   time.Now().UTC(),
		AggregateID: wf.ID,
		Payload:     stepPayload,
	})

	a.maybeFinalize(ctx, wf)
}

// maybeFinalize decides whether wf has reached a terminal state and, if so,
// commits and emits it. Cancelling abort_on_failure's remaining siblings
// re-enters this same method synchronously (the in-process bus tier is
// synchronous, spec §4.6): a pending sibling's cancellation publishes
// job.cancelled before cancelRemainingSteps returns, which calls back into
// onJobTerminal -> maybeFinalize for the same workflow. The finalizing guard
// makes every such reentrant call a no-op (it only fills its own step and
// saves), so only the original, outermost call performs the terminal
// save+publish — after reloading the workflow fresh from the store so it
// picks up every step the reentrant calls filled in the meantime.
func (a *Aggregator) maybeFinalize(ctx context.Context, wf *types.Workflow) {
	a.finalizeMu.Lock()
	if a.finalizing[wf.ID] {
		a.finalizeMu.Unlock()
		return
	}
	a.finalizing[wf.ID] = true
	a.finalizeMu.Unlock()
	defer func() {
		a.finalizeMu.Lock()
		delete(a.finalizing, wf.ID)
		a.finalizeMu.Unlock()
	}()

	allFilled := true
	for _, sd := range wf.StepDetails {
		if !sd.Filled {
			allFilled = false
			break
		}
	}

	abortNow := wf.Mode == types.WorkflowModeAbortOnFailure && wf.FailedCount > 0

	if !allFilled && !abortNow {
		return
	}

	if abortNow && !allFilled {
		a.cancelRemainingSteps(ctx, wf)

		reloaded, err := a.Get(ctx, wf.ID)
		if err != nil {
			a.log.Error(err, "reloading workflow after cancelling siblings", "workflow_id", wf.ID)
			return
		}
		if reloaded.TerminalEmitted {
			return
		}
		wf = reloaded
	}

	wf.Status = types.WorkflowStatusCompleted
	if wf.FailedCount > 0 {
		wf.Status = types.WorkflowStatusFailed
	}
	wf.TerminalEmitted = true

	if err := a.save(ctx, wf); err != nil {
		a.log.Error(err, "saving workflow terminal state", "workflow_id", wf.ID)
		return
	}

	payload := types.WorkflowTerminalPayload{
		WorkflowID:     wf.ID,
		Name:           wf.Name,
		Status:         wf.Status,
		TotalSteps:     wf.TotalSteps,
		CompletedCount: wf.CompletedCount,
		FailedCount:    wf.FailedCount,
		StepDetails:    wf.StepDetails,
	}
	raw := mustJSON(payload)

	eventType := types.EventWorkflowCompleted
	if wf.Status == types.WorkflowStatusFailed {
		eventType = types.EventWorkflowFailed
	}

	if err := a.bus.PublishDurable(ctx, types.Event{
		ID:          a.ids.New(uint64(time.Now().UnixMilli())),
		Type:        eventType,
		EmittedAt:   time.Now().UTC(),
		AggregateID: wf.ID,
		Payload:     raw,
	}); err != nil {
		a.log.Error(err, "publishing workflow terminal event", "workflow_id", wf.ID)
	}

	if a.metrics != nil {
		a.metrics.WorkflowsTerminal.WithLabelValues(string(wf.Status)).Inc()
	}
}

// cancelRemainingSteps signals cancellation for every step that has not yet
// reached a terminal state when abort_on_failure fires. Already-terminal
// siblings are left untouched: the spec treats them as final, not subject to
// revision (spec §9 Open Questions).
func (a *Aggregator) cancelRemainingSteps(ctx context.Context, wf *types.Workflow) {
	if a.cancelJob == nil {
		return
	}
	for i, sd := range wf.StepDetails {
		if sd.Filled {
			continue
		}
		jobID := wf.StepJobs[i]
		if jobID == "" {
			continue
		}
		if err := a.cancelJob(ctx, jobID); err != nil {
			a.log.Error(err, "cancelling sibling step after abort_on_failure", "workflow_id", wf.ID, "job_id", jobID)
		}
	}
}

func (a *Aggregator) jobFor(ctx context.Context, jobID string) (*types.Job, error) {
	fields, ok, err := a.store.HashGetAll(ctx, store.JobKey(jobID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, brokererrors.NewNotFoundError(fmt.Sprintf("job %s", jobID))
	}
	return store.JobFromFields(fields), nil
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
