// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
)

func (a *API) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec types.WorkflowSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, brokererrors.NewValidationError("malformed request body").WithDetailsf("%v", err))
		return
	}
	if err := a.validate.Struct(spec); err != nil {
		writeError(w, brokererrors.NewValidationError("invalid workflow spec").WithDetailsf("%v", err))
		return
	}

	submitStep := func(ctx context.Context, step types.JobSpec, ref types.WorkflowRef) (*types.Job, error) {
		step.WorkflowRef = &ref
		return a.registry.Submit(ctx, step)
	}

	// A partial failure is rolled back inside Create: the workflow record is
	// deleted and any already-persisted step jobs cancelled (spec §4.7
	// "all or nothing").
	wf, err := a.workflows.Create(r.Context(), spec, submitStep)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"workflow_id": wf.ID, "job_ids": wf.StepJobs, "status": wf.Status})
}

func (a *API) getWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	wf, err := a.workflows.Get(r.Context(), workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *API) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	wf, err := a.workflows.Get(r.Context(), workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, jobID := range wf.StepJobs {
		if jobID == "" {
			continue
		}
		if err := a.registry.Cancel(r.Context(), jobID); err != nil && !brokererrors.IsType(err, brokererrors.ErrorTypeConflict) {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": workflowID, "cancellation": "requested"})
}
