// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package ingress_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/stakeordie/emp-job-broker/pkg/broker/eventbus"
	"github.com/stakeordie/emp-job-broker/pkg/broker/ingress"
	"github.com/stakeordie/emp-job-broker/pkg/broker/jobs"
	"github.com/stakeordie/emp-job-broker/pkg/broker/match"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/broker/worker"
	"github.com/stakeordie/emp-job-broker/pkg/broker/workflow"
	"github.com/stakeordie/emp-job-broker/pkg/idgen"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

var _ = Describe("Worker protocol HTTP surface", func() {
	var (
		st       *store.Store
		cleanup  func()
		router   http.Handler
		registry *jobs.Registry
		ctx      context.Context
	)

	BeforeEach(func() {
		mr, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		st, err = store.New(client, logr.Discard(), nil)
		Expect(err).NotTo(HaveOccurred())
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}

		ctx = context.Background()
		bus := eventbus.New(st, logr.Discard(), eventbus.DefaultRetention())
		ids := idgen.NewGenerator()
		kernel := match.New(st, bus, ids, logr.Discard(), match.DefaultConfig())
		registry = jobs.New(st, bus, ids, logr.Discard(), jobs.DefaultConfig())
		session := worker.New(st, kernel, bus, ids, logr.Discard())
		registry.SetCancellationNotifier(session.MarkCancellationIntent)
		webhooks := ingress.NewWebhookRegistry(st)
		aggregator := workflow.New(st, bus, ids, logr.Discard(), workflow.DefaultConfig())
		aggregator.SetCanceler(registry.Cancel)

		api := ingress.New(registry, aggregator, webhooks, session, logr.Discard())
		router = api.Router(ingress.DefaultConfig())
	})

	AfterEach(func() {
		cleanup()
	})

	post := func(path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(http.MethodPost, path, &buf)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("registers a worker over HTTP", func() {
		rec := post("/workers/register", types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}})
		Expect(rec.Code).To(Equal(http.StatusCreated))
	})

	It("claims work, reports progress, and completes a job through the worker protocol", func() {
		Expect(post("/workers/register", types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}}).Code).To(Equal(http.StatusCreated))

		job, err := registry.Submit(ctx, types.JobSpec{ServiceType: "gpu-inference"})
		Expect(err).NotTo(HaveOccurred())

		claimRec := post("/workers/worker-1/request_work", nil)
		Expect(claimRec.Code).To(Equal(http.StatusOK))
		var claim struct {
			JobID string `json:"JobID"`
		}
		Expect(json.Unmarshal(claimRec.Body.Bytes(), &claim)).To(Succeed())
		Expect(claim.JobID).To(Equal(job.ID))

		progressRec := post("/workers/worker-1/report_progress", types.ReportProgressRequest{JobID: job.ID, Fraction: 0.5, Message: "halfway"})
		Expect(progressRec.Code).To(Equal(http.StatusOK))

		completeRec := post("/workers/worker-1/complete", types.CompleteRequest{JobID: job.ID, Result: []byte(`{"ok":true}`)})
		Expect(completeRec.Code).To(Equal(http.StatusOK))

		fetched, err := registry.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fetched.Status).To(Equal(types.JobStatusCompleted))
	})

	It("surfaces a cancellation request issued through /jobs on the worker's next heartbeat", func() {
		Expect(post("/workers/register", types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}}).Code).To(Equal(http.StatusCreated))

		job, err := registry.Submit(ctx, types.JobSpec{ServiceType: "gpu-inference"})
		Expect(err).NotTo(HaveOccurred())
		Expect(post("/workers/worker-1/request_work", nil).Code).To(Equal(http.StatusOK))

		Expect(registry.Cancel(ctx, job.ID)).To(Succeed())

		heartbeatRec := post("/workers/worker-1/heartbeat", types.HeartbeatRequest{AssertActive: true})
		Expect(heartbeatRec.Code).To(Equal(http.StatusOK))

		var result struct {
			CancellationRequested bool   `json:"cancellation_requested"`
			JobID                 string `json:"job_id"`
		}
		Expect(json.Unmarshal(heartbeatRec.Body.Bytes(), &result)).To(Succeed())
		Expect(result.CancellationRequested).To(BeTrue())
		Expect(result.JobID).To(Equal(job.ID))
	})

	It("releases a worker over HTTP", func() {
		Expect(post("/workers/register", types.CapabilityDescriptor{WorkerID: "worker-1", ServiceTypes: []string{"gpu-inference"}}).Code).To(Equal(http.StatusCreated))
		rec := post("/workers/worker-1/release", nil)
		Expect(rec.Code).To(Equal(http.StatusAccepted))
	})
})
