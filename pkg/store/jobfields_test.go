// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"testing"
	"time"

	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

func TestJobFieldsRoundTrip(t *testing.T) {
	job := &types.Job{
		ID:          "job-1",
		ServiceType: "gpu-inference",
		Requirements: types.Requirements{
			CapabilityTags: []string{"sdxl", "lora"},
			MinGPUMemoryMB: 24_000,
			ModelFiles:     []string{"sdxl-base.safetensors"},
			Affinity:       "rack-a",
			Geographic:     "us-east",
		},
		Payload:       []byte(`{"prompt":"a cat"}`),
		Priority:      500,
		SubmittedAt:   time.Unix(1_700_000_000, 0).UTC(),
		Status:        types.JobStatusAssigned,
		Attempt:       1,
		MaxAttempts:   3,
		Lease:         &types.Lease{WorkerID: "worker-1", ExpiresAt: time.Unix(1_700_000_300, 0).UTC(), LastProgressAt: time.Unix(1_700_000_010, 0).UTC()},
		WorkflowRef:   &types.WorkflowRef{WorkflowID: "wf-1", StepIndex: 2},
		WebhookRef:    "hook-1",
		CorrelationID: "corr-1",
	}

	fields, err := store.JobToFields(job)
	if err != nil {
		t.Fatalf("JobToFields: %v", err)
	}

	strFields := make(map[string]string, len(fields))
	for k, v := range fields {
		strFields[k] = toStr(v)
	}

	got := store.JobFromFields(strFields)

	if got.ID != job.ID || got.ServiceType != job.ServiceType {
		t.Fatalf("id/service_type mismatch: %+v", got)
	}
	if got.Priority != job.Priority || got.Attempt != job.Attempt || got.MaxAttempts != job.MaxAttempts {
		t.Fatalf("numeric fields mismatch: %+v", got)
	}
	if !got.SubmittedAt.Equal(job.SubmittedAt) {
		t.Fatalf("submitted_at mismatch: got %v want %v", got.SubmittedAt, job.SubmittedAt)
	}
	if len(got.Requirements.CapabilityTags) != 2 || got.Requirements.CapabilityTags[1] != "lora" {
		t.Fatalf("capability_tags mismatch: %+v", got.Requirements)
	}
	if got.Requirements.MinGPUMemoryMB != 24_000 {
		t.Fatalf("min_gpu_memory_mb mismatch: %+v", got.Requirements)
	}
	if got.WorkflowRef == nil || got.WorkflowRef.WorkflowID != "wf-1" || got.WorkflowRef.StepIndex != 2 {
		t.Fatalf("workflow_ref mismatch: %+v", got.WorkflowRef)
	}
	if got.Lease == nil || got.Lease.WorkerID != "worker-1" {
		t.Fatalf("lease mismatch: %+v", got.Lease)
	}
	if string(got.Payload) != string(job.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, job.Payload)
	}
}

func toStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}
