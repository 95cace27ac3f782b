// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// WorkflowMode selects the fan-out failure policy for a workflow's steps
// (spec §4.4).
type WorkflowMode string

const (
	WorkflowModeAbortOnFailure  WorkflowMode = "abort_on_failure"
	WorkflowModeRunToCompletion WorkflowMode = "run_to_completion"
)

// WorkflowStatus is the workflow-level lifecycle state.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// StepDetail is the canonical, single-source-of-truth per-step terminal
// record produced solely by the Workflow Aggregator (spec §4.4, §6.3). No
// other component may synthesize this shape.
type StepDetail struct {
	StepIndex   int       `json:"step_index"`
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	Result      []byte    `json:"result,omitempty"`
	Error       *JobError `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Filled      bool      `json:"filled"`
}

// Workflow is an ordered group of jobs with aggregated terminal reporting.
type Workflow struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Mode           WorkflowMode   `json:"mode"`
	TotalSteps     int            `json:"total_steps"`
	WebhookRef     string         `json:"webhook_ref,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StepJobs       []string       `json:"step_jobs"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	Status         WorkflowStatus `json:"status"`
	StepDetails    []StepDetail   `json:"step_details"`
	TerminalEmitted bool          `json:"terminal_emitted"`
}

// WorkflowSpec is the client-supplied shape for submitting a new workflow
// (spec §6.1).
type WorkflowSpec struct {
	Name       string       `json:"name" validate:"required"`
	Steps      []JobSpec    `json:"steps" validate:"required,min=1,dive"`
	WebhookRef string       `json:"webhook_ref,omitempty"`
	Mode       WorkflowMode `json:"mode"`
}
