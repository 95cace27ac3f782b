// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
)

// workflowToFields flattens a Workflow into a hash representation. Unlike
// jobs, a workflow's StepDetails and StepJobs are stored as a single JSON
// blob each: the aggregator is the only writer, so there is no need to make
// individual steps independently addressable at the store layer.
func workflowToFields(wf *types.Workflow) (map[string]any, error) {
	stepJobs, err := json.Marshal(wf.StepJobs)
	if err != nil {
		return nil, err
	}
	stepDetails, err := json.Marshal(wf.StepDetails)
	if err != nil {
		return nil, err
	}

	terminalEmitted := "0"
	if wf.TerminalEmitted {
		terminalEmitted = "1"
	}

	return map[string]any{
		"id":               wf.ID,
		"name":             wf.Name,
		"mode":             string(wf.Mode),
		"total_steps":      strconv.Itoa(wf.TotalSteps),
		"webhook_ref":      wf.WebhookRef,
		"created_at":       strconv.FormatInt(wf.CreatedAt.Unix(), 10),
		"step_jobs":        string(stepJobs),
		"completed_count":  strconv.Itoa(wf.CompletedCount),
		"failed_count":     strconv.Itoa(wf.FailedCount),
		"status":           string(wf.Status),
		"step_details":     string(stepDetails),
		"terminal_emitted": terminalEmitted,
	}, nil
}

func fieldsToWorkflow(fields map[string]string) (*types.Workflow, error) {
	wf := &types.Workflow{
		ID:         fields["id"],
		Name:       fields["name"],
		Mode:       types.WorkflowMode(fields["mode"]),
		WebhookRef: fields["webhook_ref"],
		Status:     types.WorkflowStatus(fields["status"]),
	}

	wf.TotalSteps, _ = strconv.Atoi(fields["total_steps"])
	wf.CompletedCount, _ = strconv.Atoi(fields["completed_count"])
	wf.FailedCount, _ = strconv.Atoi(fields["failed_count"])
	wf.TerminalEmitted = fields["terminal_emitted"] == "1"

	if sec, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		wf.CreatedAt = time.Unix(sec, 0).UTC()
	}
	if raw, ok := fields["step_jobs"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &wf.StepJobs); err != nil {
			return nil, err
		}
	}
	if raw, ok := fields["step_details"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &wf.StepDetails); err != nil {
			return nil, err
		}
	}

	return wf, nil
}
