// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
	"github.com/stakeordie/emp-job-broker/pkg/broker/eventbus"
	"github.com/stakeordie/emp-job-broker/pkg/broker/jobs"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/broker/workflow"
	"github.com/stakeordie/emp-job-broker/pkg/idgen"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

func TestWorkflow(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "workflow suite")
}

func newTestStore() (*store.Store, func()) {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st, err := store.New(client, logr.Discard(), nil)
	Expect(err).NotTo(HaveOccurred())
	return st, func() {
		_ = client.Close()
		mr.Close()
	}
}

var _ = Describe("Aggregator", func() {
	var (
		st         *store.Store
		cleanup    func()
		bus        *eventbus.Bus
		registry   *jobs.Registry
		aggregator *workflow.Aggregator
		ctx        context.Context
		submitStep func(ctx context.Context, step types.JobSpec, ref types.WorkflowRef) (*types.Job, error)
	)

	BeforeEach(func() {
		st, cleanup = newTestStore()
		ctx = context.Background()
		bus = eventbus.New(st, logr.Discard(), eventbus.DefaultRetention())
		registry = jobs.New(st, bus, idgen.NewGenerator(), logr.Discard(), jobs.DefaultConfig())
		aggregator = workflow.New(st, bus, idgen.NewGenerator(), logr.Discard(), workflow.DefaultConfig())
		aggregator.SetCanceler(registry.Cancel)

		submitStep = func(ctx context.Context, step types.JobSpec, ref types.WorkflowRef) (*types.Job, error) {
			step.WorkflowRef = &ref
			return registry.Submit(ctx, step)
		}
	})

	AfterEach(func() {
		cleanup()
	})

	// claim moves a pending step job under a lease held by workerID, the
	// state Complete and Fail require of the job they finalize.
	claim := func(jobID, workerID string) {
		Expect(st.SortedSetRemove(ctx, store.PendingIndexKey(), jobID)).To(Succeed())
		Expect(st.SetAdd(ctx, store.ActiveIndexKey(), jobID)).To(Succeed())
		Expect(st.HashUpdate(ctx, store.JobKey(jobID), map[string]any{
			"status":          string(types.JobStatusAssigned),
			"lease_worker_id": workerID,
		})).To(Succeed())
	}

	It("aggregates every step and terminates completed in run_to_completion mode", func() {
		wf, err := aggregator.Create(ctx, types.WorkflowSpec{
			Name: "pipeline",
			Mode: types.WorkflowModeRunToCompletion,
			Steps: []types.JobSpec{
				{ServiceType: "gpu-inference"},
				{ServiceType: "gpu-inference"},
			},
		}, submitStep)
		Expect(err).NotTo(HaveOccurred())
		Expect(wf.StepJobs).To(HaveLen(2))

		var terminal types.Event
		bus.Subscribe(types.EventWorkflowCompleted, func(_ context.Context, event types.Event) { terminal = event })

		claim(wf.StepJobs[0], "worker-1")
		claim(wf.StepJobs[1], "worker-1")
		Expect(registry.Complete(ctx, wf.StepJobs[0], "worker-1", []byte(`{}`))).To(Succeed())
		Expect(registry.Complete(ctx, wf.StepJobs[1], "worker-1", []byte(`{}`))).To(Succeed())

		fetched, err := aggregator.Get(ctx, wf.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched.Status).To(Equal(types.WorkflowStatusCompleted))
		Expect(fetched.CompletedCount).To(Equal(2))
		Expect(terminal.AggregateID).To(Equal(wf.ID))
	})

	It("terminates as failed as soon as the first step fails in abort_on_failure mode", func() {
		wf, err := aggregator.Create(ctx, types.WorkflowSpec{
			Name: "pipeline",
			Mode: types.WorkflowModeAbortOnFailure,
			Steps: []types.JobSpec{
				{ServiceType: "gpu-inference"},
				{ServiceType: "gpu-inference"},
			},
		}, submitStep)
		Expect(err).NotTo(HaveOccurred())

		claim(wf.StepJobs[0], "worker-1")
		Expect(registry.Fail(ctx, wf.StepJobs[0], "worker-1", types.JobError{Kind: "validation_error", Message: "bad", Retryable: false})).To(Succeed())

		fetched, err := aggregator.Get(ctx, wf.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched.Status).To(Equal(types.WorkflowStatusFailed))
		Expect(fetched.TerminalEmitted).To(BeTrue())
	})

	It("cancels still-pending siblings exactly once when abort_on_failure fires (scenario S4)", func() {
		var terminal types.Event
		bus.Subscribe(types.EventWorkflowFailed, func(_ context.Context, event types.Event) { terminal = event })

		wf, err := aggregator.Create(ctx, types.WorkflowSpec{
			Name: "pipeline",
			Mode: types.WorkflowModeAbortOnFailure,
			Steps: []types.JobSpec{
				{ServiceType: "gpu-inference"},
				{ServiceType: "gpu-inference"},
				{ServiceType: "gpu-inference"},
			},
		}, submitStep)
		Expect(err).NotTo(HaveOccurred())

		claim(wf.StepJobs[0], "worker-1")
		claim(wf.StepJobs[1], "worker-1")
		Expect(registry.Complete(ctx, wf.StepJobs[0], "worker-1", []byte(`{}`))).To(Succeed())
		Expect(registry.Fail(ctx, wf.StepJobs[1], "worker-1", types.JobError{Kind: "validation_error", Message: "bad", Retryable: false})).To(Succeed())

		fetched, err := aggregator.Get(ctx, wf.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched.Status).To(Equal(types.WorkflowStatusFailed))
		Expect(fetched.StepDetails).To(HaveLen(3))
		Expect(fetched.StepDetails[0].Status).To(Equal(types.JobStatusCompleted))
		Expect(fetched.StepDetails[1].Status).To(Equal(types.JobStatusFailed))
		Expect(fetched.StepDetails[2].Status).To(Equal(types.JobStatusCancelled))

		step3, err := registry.Get(ctx, wf.StepJobs[2])
		Expect(err).NotTo(HaveOccurred())
		Expect(step3.Status).To(Equal(types.JobStatusCancelled))

		Expect(terminal.AggregateID).To(Equal(wf.ID))

		var payload types.WorkflowTerminalPayload
		Expect(json.Unmarshal(terminal.Payload, &payload)).To(Succeed())
		Expect(payload.StepDetails).To(HaveLen(3))
	})

	It("rolls back the workflow record and persisted steps when a step submission fails", func() {
		var firstJob *types.Job
		failingStep := func(ctx context.Context, step types.JobSpec, ref types.WorkflowRef) (*types.Job, error) {
			if ref.StepIndex == 1 {
				return nil, errors.New("spec rejected")
			}
			step.WorkflowRef = &ref
			job, err := registry.Submit(ctx, step)
			firstJob = job
			return job, err
		}

		_, err := aggregator.Create(ctx, types.WorkflowSpec{
			Name: "pipeline",
			Mode: types.WorkflowModeRunToCompletion,
			Steps: []types.JobSpec{
				{ServiceType: "gpu-inference"},
				{ServiceType: "gpu-inference"},
			},
		}, failingStep)
		Expect(err).To(HaveOccurred())

		// Nothing is left behind: the step that did persist is cancelled and
		// the half-built workflow record is gone.
		Expect(firstJob).NotTo(BeNil())
		cancelled, err := registry.Get(ctx, firstJob.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(cancelled.Status).To(Equal(types.JobStatusCancelled))

		_, err = aggregator.Get(ctx, cancelled.WorkflowRef.WorkflowID)
		Expect(brokererrors.IsType(err, brokererrors.ErrorTypeNotFound)).To(BeTrue())
	})

	It("fills a step exactly once under duplicate event delivery", func() {
		wf, err := aggregator.Create(ctx, types.WorkflowSpec{
			Name:  "pipeline",
			Mode:  types.WorkflowModeRunToCompletion,
			Steps: []types.JobSpec{{ServiceType: "gpu-inference"}},
		}, submitStep)
		Expect(err).NotTo(HaveOccurred())

		var stepEvents int
		bus.Subscribe(types.EventWorkflowStepDone, func(_ context.Context, _ types.Event) { stepEvents++ })

		jobFields, ok, err := st.HashGetAll(ctx, store.JobKey(wf.StepJobs[0]))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		job := store.JobFromFields(jobFields)

		duplicate := types.Event{
			ID:          "replay-1",
			Type:        types.EventJobCompleted,
			AggregateID: job.ID,
			Payload:     []byte(`{"job_id":"` + job.ID + `"}`),
		}

		claim(wf.StepJobs[0], "worker-1")
		Expect(registry.Complete(ctx, wf.StepJobs[0], "worker-1", []byte(`{}`))).To(Succeed())
		Expect(stepEvents).To(Equal(1))

		// Simulate a replayed delivery of the same terminal event: the
		// aggregator's Filled check must make this a no-op.
		bus.Publish(ctx, duplicate)
		Expect(stepEvents).To(Equal(1))

		fetched, err := aggregator.Get(ctx, wf.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched.CompletedCount).To(Equal(1))
	})
})
