// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
)

// JobToFields flattens a Job into the hash field layout the Lua scripts and
// JobFromFields agree on. Nested structures (capability tags, model files)
// are JSON-encoded since Redis hash fields are flat strings.
func JobToFields(job *types.Job) (map[string]any, error) {
	fields := map[string]any{
		"id":             job.ID,
		"service_type":   job.ServiceType,
		"payload":        base64.StdEncoding.EncodeToString(job.Payload),
		"priority":       strconv.Itoa(job.Priority),
		"submitted_at":   strconv.FormatInt(job.SubmittedAt.Unix(), 10),
		"status":         string(job.Status),
		"attempt":        strconv.Itoa(job.Attempt),
		"max_attempts":   strconv.Itoa(job.MaxAttempts),
		"webhook_ref":    job.WebhookRef,
		"correlation_id": job.CorrelationID,
		"progress_fraction": "0",
	}

	if len(job.Requirements.CapabilityTags) > 0 {
		tags, err := json.Marshal(job.Requirements.CapabilityTags)
		if err != nil {
			return nil, err
		}
		fields["req_capability_tags"] = string(tags)
	}
	if job.Requirements.MinGPUMemoryMB > 0 {
		fields["req_min_gpu_memory_mb"] = strconv.Itoa(job.Requirements.MinGPUMemoryMB)
	}
	if len(job.Requirements.ModelFiles) > 0 {
		files, err := json.Marshal(job.Requirements.ModelFiles)
		if err != nil {
			return nil, err
		}
		fields["req_model_files"] = string(files)
	}
	if job.Requirements.Affinity != "" {
		fields["req_affinity"] = job.Requirements.Affinity
	}
	if job.Requirements.Geographic != "" {
		fields["req_geographic"] = job.Requirements.Geographic
	}

	if job.WorkflowRef != nil {
		fields["workflow_id"] = job.WorkflowRef.WorkflowID
		fields["workflow_step_index"] = strconv.Itoa(job.WorkflowRef.StepIndex)
	}

	if job.Lease != nil {
		fields["lease_worker_id"] = job.Lease.WorkerID
		fields["lease_expires_at"] = strconv.FormatInt(job.Lease.ExpiresAt.Unix(), 10)
		fields["lease_last_progress_at"] = strconv.FormatInt(job.Lease.LastProgressAt.Unix(), 10)
	}

	return fields, nil
}

// JobFromFields reconstructs a Job from its hash representation.
func JobFromFields(fields map[string]string) *types.Job {
	job := &types.Job{
		ID:            fields["id"],
		ServiceType:   fields["service_type"],
		Status:        types.JobStatus(fields["status"]),
		WebhookRef:    fields["webhook_ref"],
		CorrelationID: fields["correlation_id"],
	}

	if payload, err := base64.StdEncoding.DecodeString(fields["payload"]); err == nil {
		job.Payload = payload
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Attempt, _ = strconv.Atoi(fields["attempt"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if sec, err := strconv.ParseInt(fields["submitted_at"], 10, 64); err == nil {
		job.SubmittedAt = time.Unix(sec, 0).UTC()
	}

	if tags, ok := fields["req_capability_tags"]; ok && tags != "" {
		_ = json.Unmarshal([]byte(tags), &job.Requirements.CapabilityTags)
	}
	if v, ok := fields["req_min_gpu_memory_mb"]; ok {
		job.Requirements.MinGPUMemoryMB, _ = strconv.Atoi(v)
	}
	if files, ok := fields["req_model_files"]; ok && files != "" {
		_ = json.Unmarshal([]byte(files), &job.Requirements.ModelFiles)
	}
	job.Requirements.Affinity = fields["req_affinity"]
	job.Requirements.Geographic = fields["req_geographic"]

	if wfID, ok := fields["workflow_id"]; ok && wfID != "" {
		step, _ := strconv.Atoi(fields["workflow_step_index"])
		job.WorkflowRef = &types.WorkflowRef{WorkflowID: wfID, StepIndex: step}
	}

	if workerID, ok := fields["lease_worker_id"]; ok && workerID != "" {
		lease := &types.Lease{WorkerID: workerID}
		if sec, err := strconv.ParseInt(fields["lease_expires_at"], 10, 64); err == nil {
			lease.ExpiresAt = time.Unix(sec, 0).UTC()
		}
		if sec, err := strconv.ParseInt(fields["lease_last_progress_at"], 10, 64); err == nil {
			lease.LastProgressAt = time.Unix(sec, 0).UTC()
		}
		job.Lease = lease
	}

	if result, ok := fields["result"]; ok && result != "" {
		if decoded, err := base64.StdEncoding.DecodeString(result); err == nil {
			job.Result = decoded
		}
	}
	if kind, ok := fields["error_kind"]; ok && kind != "" {
		retryable := fields["error_retryable"] == "1"
		job.Error = &types.JobError{
			Kind:      kind,
			Message:   fields["error_message"],
			Retryable: retryable,
		}
	}

	return job
}

// FinishedAt returns the time the job reached its terminal state, if it has.
func FinishedAt(fields map[string]string) (time.Time, bool) {
	raw, ok := fields["finished_at"]
	if !ok || raw == "" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}

// CancelRequestedAt returns the job's recorded cancellation-intent time, if any.
func CancelRequestedAt(fields map[string]string) (time.Time, bool) {
	raw, ok := fields["cancel_requested_at"]
	if !ok || raw == "" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}
