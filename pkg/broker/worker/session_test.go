// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
	"github.com/stakeordie/emp-job-broker/pkg/broker/eventbus"
	"github.com/stakeordie/emp-job-broker/pkg/broker/jobs"
	"github.com/stakeordie/emp-job-broker/pkg/broker/match"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/broker/worker"
	"github.com/stakeordie/emp-job-broker/pkg/idgen"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

func TestWorker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "worker suite")
}

func newTestStore() (*store.Store, *miniredis.Miniredis, func()) {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st, err := store.New(client, logr.Discard(), nil)
	Expect(err).NotTo(HaveOccurred())
	return st, mr, func() {
		_ = client.Close()
		mr.Close()
	}
}

var _ = Describe("Session", func() {
	var (
		st      *store.Store
		cleanup func()
		bus     *eventbus.Bus
		session *worker.Session
		kernel  *match.Kernel
		ctx     context.Context
	)

	BeforeEach(func() {
		st, _, cleanup = newTestStore()
		ctx = context.Background()
		bus = eventbus.New(st, logr.Discard(), eventbus.DefaultRetention())
		kernel = match.New(st, bus, idgen.NewGenerator(), logr.Discard(), match.DefaultConfig())
		session = worker.New(st, kernel, bus, idgen.NewGenerator(), logr.Discard())
	})

	AfterEach(func() {
		cleanup()
	})

	It("registers a worker idle and emits worker.registered", func() {
		var received types.Event
		bus.Subscribe(types.EventWorkerRegistered, func(_ context.Context, event types.Event) { received = event })

		Expect(session.Register(ctx, types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}})).To(Succeed())

		got, err := session.Get(ctx, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(types.WorkerStatusIdle))
		Expect(received.AggregateID).To(Equal("worker-1"))
	})

	It("RequestWork assigns a job and transitions the worker to busy", func() {
		Expect(session.Register(ctx, types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}})).To(Succeed())

		registry := jobs.New(st, bus, idgen.NewGenerator(), logr.Discard(), jobs.DefaultConfig())
		job, err := registry.Submit(ctx, types.JobSpec{ServiceType: "gpu-inference"})
		Expect(err).NotTo(HaveOccurred())

		claim, err := session.RequestWork(ctx, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(claim).NotTo(BeNil())
		Expect(claim.JobID).To(Equal(job.ID))

		got, err := session.Get(ctx, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(types.WorkerStatusBusy))
		Expect(got.CurrentJobID).To(Equal(job.ID))
	})

	It("refuses RequestWork once the worker is draining", func() {
		Expect(session.Register(ctx, types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}})).To(Succeed())
		Expect(session.Drain(ctx, "worker-1")).To(Succeed())

		registry := jobs.New(st, bus, idgen.NewGenerator(), logr.Discard(), jobs.DefaultConfig())
		_, err := registry.Submit(ctx, types.JobSpec{ServiceType: "gpu-inference"})
		Expect(err).NotTo(HaveOccurred())

		claim, err := session.RequestWork(ctx, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(claim).To(BeNil())
	})

	It("Release goes straight to dead for a worker with no current job", func() {
		Expect(session.Register(ctx, types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}})).To(Succeed())
		Expect(session.Release(ctx, "worker-1")).To(Succeed())

		got, err := session.Get(ctx, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(types.WorkerStatusDead))
	})

	It("Release drains a worker with a current job instead of killing it outright", func() {
		Expect(session.Register(ctx, types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}})).To(Succeed())
		registry := jobs.New(st, bus, idgen.NewGenerator(), logr.Discard(), jobs.DefaultConfig())
		_, err := registry.Submit(ctx, types.JobSpec{ServiceType: "gpu-inference"})
		Expect(err).NotTo(HaveOccurred())
		_, err = session.RequestWork(ctx, "worker-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(session.Release(ctx, "worker-1")).To(Succeed())

		got, err := session.Get(ctx, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(types.WorkerStatusDraining))
	})

	It("rejects heartbeat and request_work from a dead worker", func() {
		Expect(session.Register(ctx, types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}})).To(Succeed())
		Expect(session.Release(ctx, "worker-1")).To(Succeed())

		_, err := session.Heartbeat(ctx, "worker-1", false, "")
		Expect(brokererrors.IsType(err, brokererrors.ErrorTypeWorkerProtocolViolation)).To(BeTrue())

		_, err = session.RequestWork(ctx, "worker-1")
		Expect(brokererrors.IsType(err, brokererrors.ErrorTypeWorkerProtocolViolation)).To(BeTrue())
	})

	It("Heartbeat reports an unacked cancellation intent so the worker can abort", func() {
		Expect(session.Register(ctx, types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}})).To(Succeed())
		registry := jobs.New(st, bus, idgen.NewGenerator(), logr.Discard(), jobs.DefaultConfig())
		job, err := registry.Submit(ctx, types.JobSpec{ServiceType: "gpu-inference"})
		Expect(err).NotTo(HaveOccurred())
		_, err = session.RequestWork(ctx, "worker-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(session.MarkCancellationIntent(ctx, "worker-1", job.ID)).To(Succeed())

		result, err := session.Heartbeat(ctx, "worker-1", true, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.CancellationRequested).To(BeTrue())
		Expect(result.JobID).To(Equal(job.ID))

		acked, err := session.Heartbeat(ctx, "worker-1", true, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(acked.CancellationRequested).To(BeFalse())
	})

	It("RecordFailure bounds the failure ring buffer to the last 50 entries", func() {
		Expect(session.Register(ctx, types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}})).To(Succeed())

		for i := 0; i < 60; i++ {
			Expect(session.RecordFailure(ctx, "worker-1", types.FailureRecord{JobID: "job-x", Kind: "worker_error", Message: "oom", OccurredAt: time.Now().UTC()})).To(Succeed())
		}

		got, err := session.Get(ctx, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Failures).To(HaveLen(types.MaxFailureRingSize))
	})
})
