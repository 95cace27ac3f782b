// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package worker_test

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stakeordie/emp-job-broker/pkg/broker/eventbus"
	"github.com/stakeordie/emp-job-broker/pkg/broker/jobs"
	"github.com/stakeordie/emp-job-broker/pkg/broker/match"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/broker/worker"
	"github.com/stakeordie/emp-job-broker/pkg/idgen"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

var _ = Describe("Janitor", func() {
	var (
		st       *store.Store
		cleanup  func()
		bus      *eventbus.Bus
		registry *jobs.Registry
		kernel   *match.Kernel
		session  *worker.Session
		janitor  *worker.Janitor
		cfg      worker.JanitorConfig
		ctx      context.Context
	)

	BeforeEach(func() {
		st, _, cleanup = newTestStore()
		ctx = context.Background()
		bus = eventbus.New(st, logr.Discard(), eventbus.DefaultRetention())
		registry = jobs.New(st, bus, idgen.NewGenerator(), logr.Discard(), jobs.DefaultConfig())
		kernel = match.New(st, bus, idgen.NewGenerator(), logr.Discard(), match.DefaultConfig())
		session = worker.New(st, kernel, bus, idgen.NewGenerator(), logr.Discard())

		cfg = worker.DefaultJanitorConfig()
		cfg.Grace = 0
		cfg.DeadAfter = 30 * time.Second
		cfg.CancelGrace = 0
		janitor = worker.NewJanitor(st, session, registry, logr.Discard(), cfg)
	})

	AfterEach(func() {
		cleanup()
	})

	claimJob := func(workerID string) *types.Job {
		Expect(session.Register(ctx, types.CapabilityDescriptor{WorkerID: workerID, ServiceTypes: []string{"gpu-inference"}})).To(Succeed())
		job, err := registry.Submit(ctx, types.JobSpec{ServiceType: "gpu-inference"})
		Expect(err).NotTo(HaveOccurred())
		_, err = session.RequestWork(ctx, workerID)
		Expect(err).NotTo(HaveOccurred())
		return job
	}

	expireLease := func(jobID string) {
		Expect(st.HashUpdate(ctx, store.JobKey(jobID), map[string]any{
			"lease_expires_at": time.Now().Add(-time.Hour).Unix(),
		})).To(Succeed())
	}

	It("requeues a job whose lease expired while attempts remain", func() {
		job := claimJob("worker-1")
		expireLease(job.ID)

		Expect(janitor.Sweep(ctx)).To(Succeed())

		fetched, err := registry.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched.Status).To(Equal(types.JobStatusPending))
	})

	It("finalizes as failed once max attempts are exhausted on lease expiry", func() {
		job := claimJob("worker-1")

		for i := 0; i < job.MaxAttempts; i++ {
			expireLease(job.ID)
			Expect(janitor.Sweep(ctx)).To(Succeed())
			_, err := session.RequestWork(ctx, "worker-1")
			Expect(err).NotTo(HaveOccurred())
		}

		fetched, err := registry.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched.Status).To(Equal(types.JobStatusFailed))
	})

	It("a cancellation intent past grace wins over a pending retry", func() {
		job := claimJob("worker-1")
		Expect(registry.Cancel(ctx, job.ID)).To(Succeed())
		expireLease(job.ID)

		Expect(janitor.Sweep(ctx)).To(Succeed())

		fetched, err := registry.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched.Status).To(Equal(types.JobStatusCancelled))
	})

	It("garbage-collects terminal jobs past the retention window", func() {
		job := claimJob("worker-1")
		Expect(registry.Complete(ctx, job.ID, "worker-1", []byte(`{}`))).To(Succeed())

		// Push the terminal timestamp past the retention window.
		Expect(st.HashUpdate(ctx, store.JobKey(job.ID), map[string]any{
			"finished_at": time.Now().Add(-cfg.TerminalRetention - time.Hour).Unix(),
		})).To(Succeed())

		Expect(janitor.Sweep(ctx)).To(Succeed())

		_, ok, err := st.HashGetAll(ctx, store.JobKey(job.ID))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())

		members, err := st.SetMembers(ctx, store.TerminalIndexKey())
		Expect(err).NotTo(HaveOccurred())
		Expect(members).NotTo(ContainElement(job.ID))
	})

	It("retains a terminal job still inside the retention window", func() {
		job := claimJob("worker-1")
		Expect(registry.Complete(ctx, job.ID, "worker-1", []byte(`{}`))).To(Succeed())

		Expect(janitor.Sweep(ctx)).To(Succeed())

		fetched, err := registry.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched.Status).To(Equal(types.JobStatusCompleted))
	})

	It("marks a worker dead when reclaiming its expired lease after its heartbeat has been silent past DeadAfter", func() {
		job := claimJob("worker-1")
		expireLease(job.ID)
		Expect(st.HashUpdate(ctx, store.WorkerKey("worker-1"), map[string]any{
			"last_heartbeat_at": time.Now().Add(-time.Hour).Unix(),
		})).To(Succeed())

		var lost types.Event
		bus.Subscribe(types.EventWorkerLost, func(_ context.Context, event types.Event) { lost = event })

		Expect(janitor.Sweep(ctx)).To(Succeed())

		got, err := session.Get(ctx, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(types.WorkerStatusDead))
		Expect(lost.AggregateID).To(Equal("worker-1"))
	})
})
