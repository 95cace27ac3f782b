// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
)

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var spec types.JobSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, brokererrors.NewValidationError("malformed request body").WithDetailsf("%v", err))
		return
	}
	if err := a.validate.Struct(spec); err != nil {
		writeError(w, brokererrors.NewValidationError("invalid job spec").WithDetailsf("%v", err))
		return
	}

	job, err := a.registry.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": job.ID, "status": job.Status})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := a.registry.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := a.registry.Cancel(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "cancellation": "requested"})
}
