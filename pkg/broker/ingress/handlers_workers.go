// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
)

// registerWorker is the worker→broker register message (spec §6.2 register).
func (a *API) registerWorker(w http.ResponseWriter, r *http.Request) {
	var descriptor types.CapabilityDescriptor
	if err := decodeJSON(r, &descriptor); err != nil {
		writeError(w, brokererrors.NewValidationError("malformed request body").WithDetailsf("%v", err))
		return
	}
	if err := a.validate.Struct(descriptor); err != nil {
		writeError(w, brokererrors.NewValidationError("invalid capability descriptor").WithDetailsf("%v", err))
		return
	}

	if err := a.session.Register(r.Context(), descriptor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"worker_id": descriptor.WorkerID, "status": types.WorkerStatusIdle})
}

// workerHeartbeat is the worker→broker heartbeat message (spec §6.2
// heartbeat), replying with any piggy-backed cancellation request.
func (a *API) workerHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	var req types.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, brokererrors.NewValidationError("malformed request body").WithDetailsf("%v", err))
		return
	}

	result, err := a.session.Heartbeat(r.Context(), workerID, req.AssertActive, req.CancelAck)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cancellation_requested": result.CancellationRequested,
		"job_id":                 result.JobID,
	})
}

// requestWork is the worker→broker request_work message (spec §6.2
// request_work), delegating to the Match Kernel through the worker session.
func (a *API) requestWork(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	claim, err := a.session.RequestWork(r.Context(), workerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if claim == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// reportProgress is the worker→broker report_progress message (spec §6.2
// report_progress). It is a Job Registry operation since progress and lease
// heartbeating live on the job, not the worker session.
func (a *API) reportProgress(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	var req types.ReportProgressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, brokererrors.NewValidationError("malformed request body").WithDetailsf("%v", err))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, brokererrors.NewValidationError("invalid report_progress request").WithDetailsf("%v", err))
		return
	}

	if err := a.registry.ReportProgress(r.Context(), req.JobID, workerID, req.Fraction, req.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": req.JobID, "accepted": true})
}

// completeJob is the worker→broker complete message (spec §6.2 complete).
func (a *API) completeJob(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	var req types.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, brokererrors.NewValidationError("malformed request body").WithDetailsf("%v", err))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, brokererrors.NewValidationError("invalid complete request").WithDetailsf("%v", err))
		return
	}

	if err := a.registry.Complete(r.Context(), req.JobID, workerID, req.Result); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": req.JobID, "status": types.JobStatusCompleted})
}

// failJob is the worker→broker fail message (spec §6.2 fail).
func (a *API) failJob(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	var req types.FailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, brokererrors.NewValidationError("malformed request body").WithDetailsf("%v", err))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, brokererrors.NewValidationError("invalid fail request").WithDetailsf("%v", err))
		return
	}

	if err := a.registry.Fail(r.Context(), req.JobID, workerID, req.Error); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": req.JobID})
}

// releaseWorker is the worker→broker release message (spec §6.2 release).
func (a *API) releaseWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	if err := a.session.Release(r.Context(), workerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"worker_id": workerID})
}
