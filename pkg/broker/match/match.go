// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package match is the Match Kernel (spec C2): given a worker's capability
// descriptor, atomically claims the highest-priority eligible pending job
// under a lease, and periodically boosts the score of long-waiting pending
// jobs so they cannot starve behind a steady stream of higher-priority
// arrivals.
package match

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
	"github.com/stakeordie/emp-job-broker/pkg/broker/eventbus"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/idgen"
	"github.com/stakeordie/emp-job-broker/pkg/metrics"
	"github.com/stakeordie/emp-job-broker/pkg/shared/logging"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

// Config bounds the kernel's claim and aging behavior (spec §4.2, §6.5).
type Config struct {
	LeaseDuration     time.Duration
	ScanCap           int64
	AgeBoostAfter     time.Duration
	AgeBoostPerMinute int
	AgeBoostCap       int
	StreamMaxLen      int64
}

// DefaultConfig matches the spec's indicative defaults.
func DefaultConfig() Config {
	return Config{
		LeaseDuration:     5 * time.Minute,
		ScanCap:           200,
		AgeBoostAfter:     2 * time.Minute,
		AgeBoostPerMinute: 1,
		AgeBoostCap:       50,
		StreamMaxLen:      10_000,
	}
}

// Claim is a successfully matched job handed to the requesting worker.
type Claim struct {
	JobID       string
	Attempt     int
	ExpiresAt   time.Time
	ServiceType string
	Payload     []byte
}

// Kernel implements request_work (spec C2/C5 "request_work").
type Kernel struct {
	store   *store.Store
	bus     *eventbus.Bus
	ids     *idgen.Generator
	log     logr.Logger
	metrics *metrics.Registry

	mu  sync.Mutex
	cfg Config
}

// New builds a Kernel.
func New(st *store.Store, bus *eventbus.Bus, ids *idgen.Generator, log logr.Logger, cfg Config) *Kernel {
	return &Kernel{store: st, bus: bus, ids: ids, log: log.WithName("match-kernel"), cfg: cfg}
}

// SetMetrics wires the broker's metric registry in; nil leaves the kernel
// uninstrumented.
func (k *Kernel) SetMetrics(m *metrics.Registry) {
	k.metrics = m
}

// SetAging swaps the aging knobs at runtime, for config hot reload.
func (k *Kernel) SetAging(perMinute, cap int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cfg.AgeBoostPerMinute = perMinute
	k.cfg.AgeBoostCap = cap
}

func (k *Kernel) config() Config {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cfg
}

// claimData mirrors match_claim.lua's "data" object on a successful claim.
type claimData struct {
	JobID       string `json:"job_id"`
	Attempt     int    `json:"attempt"`
	ExpiresAt   int64  `json:"expires_at"`
	EventID     string `json:"event_id"`
	ServiceType string `json:"service_type"`
	Payload     string `json:"payload"`
	SubmittedAt int64  `json:"submitted_at"`
}

// RequestWork atomically claims the highest-priority eligible pending job for
// descriptor, or returns (nil, nil) when nothing currently matches (spec
// §4.2). A non-nil error always means the Store round-trip itself failed.
func (k *Kernel) RequestWork(ctx context.Context, descriptor types.CapabilityDescriptor) (*Claim, error) {
	now := time.Now().UTC()
	cfg := k.config()

	serviceTypes, err := json.Marshal(descriptor.ServiceTypes)
	if err != nil {
		return nil, fmt.Errorf("marshal service_types: %w", err)
	}
	capTags, err := json.Marshal(descriptor.CapabilityTags)
	if err != nil {
		return nil, fmt.Errorf("marshal capability_tags: %w", err)
	}

	result, err := k.store.ScriptCall(ctx, "match_claim",
		[]string{store.PendingIndexKey(), store.ActiveIndexKey()},
		now.Unix(),
		int64(cfg.LeaseDuration.Seconds()),
		cfg.ScanCap,
		string(serviceTypes),
		string(capTags),
		descriptor.GPUMemoryMB,
		descriptor.Affinity,
		descriptor.Geographic,
		descriptor.WorkerID,
		k.ids.New(uint64(now.UnixMilli())),
		store.StreamKey(string(types.EventJobAssigned)),
		cfg.StreamMaxLen,
	)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Reason == "no_match" {
			if k.metrics != nil {
				k.metrics.ClaimsTotal.WithLabelValues("no_match").Inc()
			}
			return nil, nil
		}
		return nil, brokererrors.New(brokererrors.ErrorTypeInternal, fmt.Sprintf("unexpected match_claim outcome: %s", result.Reason))
	}

	var data claimData
	if err := json.Unmarshal(result.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding match_claim data: %w", err)
	}

	payload, err := base64.StdEncoding.DecodeString(data.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding claimed job payload: %w", err)
	}

	claim := &Claim{
		JobID:       data.JobID,
		Attempt:     data.Attempt,
		ExpiresAt:   time.Unix(data.ExpiresAt, 0).UTC(),
		ServiceType: data.ServiceType,
		Payload:     payload,
	}

	if k.metrics != nil {
		k.metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
		if data.SubmittedAt > 0 {
			k.metrics.ClaimLatency.Observe(now.Sub(time.Unix(data.SubmittedAt, 0)).Seconds())
		}
	}

	k.log.V(1).Info("claimed job", logging.NewFields().JobID(claim.JobID).WorkerID(descriptor.WorkerID).Attempt(claim.Attempt).KeyValues()...)

	event := types.Event{
		ID:          data.EventID,
		Type:        types.EventJobAssigned,
		EmittedAt:   now,
		AggregateID: claim.JobID,
		Payload:     mustJSON(map[string]any{"job_id": claim.JobID, "worker_id": descriptor.WorkerID, "attempt": claim.Attempt}),
	}
	if err := k.bus.Publish(ctx, event); err != nil {
		k.log.Error(err, "publishing job.assigned", "job_id", claim.JobID)
	}

	return claim, nil
}

// ageBoostScanPage bounds one ZSCAN page of the aging walk.
const ageBoostScanPage = 512

// AgeBoost re-scores pending jobs older than AgeBoostAfter so they surface
// within the kernel's bounded scan window instead of starving behind a
// steady stream of higher-priority arrivals (spec §4.2 starvation guard).
// The walk is a full cursor scan of the pending index, NOT the claim
// window's top-ScanCap slice: the jobs that need boosting are precisely the
// ones ranked below that window, which a bounded descending range would
// never reach. Only jobs older than AgeBoostAfter are boosted; the boost is
// AgeBoostPerMinute for every full minute such a job has waited since
// submission, capped at AgeBoostCap, and is
// recomputed from scratch on every tick rather than applied once (spec §4.2
// scenario S2). Intended to run on a periodic ticker from cmd/broker.
func (k *Kernel) AgeBoost(ctx context.Context) (int, error) {
	cfg := k.config()
	now := time.Now().UTC()
	cutoff := now.Add(-cfg.AgeBoostAfter)
	boosted := 0

	var cursor uint64
	for {
		candidates, next, err := k.store.SortedSetScan(ctx, store.PendingIndexKey(), cursor, ageBoostScanPage)
		if err != nil {
			return boosted, err
		}

		for _, jobID := range candidates {
			fields, ok, err := k.store.HashGetAll(ctx, store.JobKey(jobID))
			if err != nil {
				return boosted, err
			}
			if !ok || fields["status"] != string(types.JobStatusPending) {
				continue
			}

			job := store.JobFromFields(fields)
			if job.SubmittedAt.After(cutoff) {
				continue
			}

			waitedMinutes := int(now.Sub(job.SubmittedAt).Minutes())
			ageBoost := waitedMinutes * cfg.AgeBoostPerMinute
			if ageBoost > cfg.AgeBoostCap {
				ageBoost = cfg.AgeBoostCap
			}

			newScore := store.AgeBoostedScore(job.Priority, job.SubmittedAt.Unix(), ageBoost)
			if err := k.store.SortedSetAdd(ctx, store.PendingIndexKey(), newScore, jobID); err != nil {
				return boosted, err
			}
			boosted++
		}

		if next == 0 {
			return boosted, nil
		}
		cursor = next
	}
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
