// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
)

func sessionToFields(session types.WorkerSession) (map[string]any, error) {
	serviceTypes, err := json.Marshal(session.Descriptor.ServiceTypes)
	if err != nil {
		return nil, err
	}
	capTags, err := json.Marshal(session.Descriptor.CapabilityTags)
	if err != nil {
		return nil, err
	}
	failures, err := json.Marshal(session.Failures)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"worker_id":           session.Descriptor.WorkerID,
		"machine_id":          session.Descriptor.MachineID,
		"service_types":       string(serviceTypes),
		"capability_tags":     string(capTags),
		"gpu_memory_mb":       strconv.Itoa(session.Descriptor.GPUMemoryMB),
		"max_concurrent_jobs": strconv.Itoa(session.Descriptor.MaxConcurrentJobs),
		"affinity":            session.Descriptor.Affinity,
		"geographic":          session.Descriptor.Geographic,
		"status":              string(session.Status),
		"last_heartbeat_at":   strconv.FormatInt(session.LastHeartbeatAt.Unix(), 10),
		"registered_at":       strconv.FormatInt(session.RegisteredAt.Unix(), 10),
		"current_job_id":      session.CurrentJobID,
		"cancellation_intent": session.CancellationIntent,
		"failures":            string(failures),
	}, nil
}

func fieldsToSession(fields map[string]string) (types.WorkerSession, error) {
	session := types.WorkerSession{
		Descriptor: types.CapabilityDescriptor{
			WorkerID:   fields["worker_id"],
			MachineID:  fields["machine_id"],
			Affinity:   fields["affinity"],
			Geographic: fields["geographic"],
		},
		Status:             types.WorkerStatus(fields["status"]),
		CurrentJobID:       fields["current_job_id"],
		CancellationIntent: fields["cancellation_intent"],
	}

	session.Descriptor.GPUMemoryMB, _ = strconv.Atoi(fields["gpu_memory_mb"])
	session.Descriptor.MaxConcurrentJobs, _ = strconv.Atoi(fields["max_concurrent_jobs"])

	if raw, ok := fields["service_types"]; ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &session.Descriptor.ServiceTypes)
	}
	if raw, ok := fields["capability_tags"]; ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &session.Descriptor.CapabilityTags)
	}
	if raw, ok := fields["failures"]; ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &session.Failures)
	}
	if sec, err := strconv.ParseInt(fields["last_heartbeat_at"], 10, 64); err == nil {
		session.LastHeartbeatAt = time.Unix(sec, 0).UTC()
	}
	if sec, err := strconv.ParseInt(fields["registered_at"], 10, 64); err == nil {
		session.RegisteredAt = time.Unix(sec, 0).UTC()
	}

	return session, nil
}
