// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package store is the Redis-resident backing layer (C1). It exposes the
// abstract hash/sorted-set/set/stream/pubsub/script operations spec §4.1
// names, all implemented over github.com/redis/go-redis/v9, plus the named
// atomic server-side Lua scripts that the Match Kernel and Job Registry
// require.
package store

import "fmt"

// Logical key layout (spec §6.4).
const (
	pendingIndexKey  = "jobs:pending"
	activeIndexKey   = "jobs:active"
	terminalIndexKey = "jobs:terminal"
	webhooksIndexKey = "webhooks:index"
)

// JobKey returns the hash key for a job.
func JobKey(id string) string { return fmt.Sprintf("job:%s", id) }

// WorkflowKey returns the hash key for a workflow.
func WorkflowKey(id string) string { return fmt.Sprintf("workflow:%s", id) }

// WorkerKey returns the hash key for a worker session.
func WorkerKey(id string) string { return fmt.Sprintf("worker:%s", id) }

// WebhookKey returns the hash key for a webhook registration.
func WebhookKey(id string) string { return fmt.Sprintf("webhook:%s", id) }

// StreamKey returns the append-only log key for an event type.
func StreamKey(eventType string) string { return fmt.Sprintf("stream:%s", eventType) }

// IdempotencyKey returns the correlation-id lookup key.
func IdempotencyKey(hash string) string { return fmt.Sprintf("idempotency:%s", hash) }

// PendingIndexKey returns the sorted-set key backing the pending index.
func PendingIndexKey() string { return pendingIndexKey }

// ActiveIndexKey returns the set key backing the active index.
func ActiveIndexKey() string { return activeIndexKey }

// TerminalIndexKey returns the set key backing the bounded terminal index.
func TerminalIndexKey() string { return terminalIndexKey }

// WebhooksIndexKey returns the set key enumerating every registered webhook id.
func WebhooksIndexKey() string { return webhooksIndexKey }
