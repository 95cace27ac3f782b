// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// EventType enumerates every lifecycle event the bus can carry (spec §3).
// The set is closed: adding a new kind requires updating this list,
// AllEventTypes, and every switch statement that dispatches on it. The
// compiler does not check switch coverage for this string type.
type EventType string

const (
	EventJobSubmitted        EventType = "job.submitted"
	EventJobAssigned         EventType = "job.assigned"
	EventJobProgress         EventType = "job.progress"
	EventJobCompleted        EventType = "job.completed"
	EventJobFailed           EventType = "job.failed"
	EventJobCancelled        EventType = "job.cancelled"
	EventWorkflowSubmitted   EventType = "workflow.submitted"
	EventWorkflowStepDone    EventType = "workflow.step_completed"
	EventWorkflowCompleted   EventType = "workflow.completed"
	EventWorkflowFailed      EventType = "workflow.failed"
	EventWorkerRegistered    EventType = "worker.registered"
	EventWorkerHeartbeat     EventType = "worker.heartbeat"
	EventWorkerLost          EventType = "worker.lost"
)

// AllEventTypes lists every member of the closed event set, in the order
// spec §3 enumerates them. Retention trimming and replay tooling iterate it
// so a newly added type cannot be silently skipped.
var AllEventTypes = []EventType{
	EventJobSubmitted,
	EventJobAssigned,
	EventJobProgress,
	EventJobCompleted,
	EventJobFailed,
	EventJobCancelled,
	EventWorkflowSubmitted,
	EventWorkflowStepDone,
	EventWorkflowCompleted,
	EventWorkflowFailed,
	EventWorkerRegistered,
	EventWorkerHeartbeat,
	EventWorkerLost,
}

// Event is a single fact published on the Event Bus (spec §3, §6.3).
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	EmittedAt     time.Time `json:"emitted_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	Payload       []byte    `json:"payload"`

	// AggregateID is the job_id or workflow_id this event is about. It is
	// not part of the wire payload (spec §6.3 enumerates the exact bit-exact
	// shape) but is used internally to route events to their per-aggregate
	// stream partition and to the Workflow Aggregator.
	AggregateID string `json:"-"`
}

// WorkflowTerminalPayload is the bit-exact shape of a workflow.completed or
// workflow.failed event payload (spec §6.3).
type WorkflowTerminalPayload struct {
	WorkflowID     string         `json:"workflow_id"`
	Name           string         `json:"name"`
	Status         WorkflowStatus `json:"status"`
	TotalSteps     int            `json:"total_steps"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	StepDetails    []StepDetail   `json:"step_details"`
}
