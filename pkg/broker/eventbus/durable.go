// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/metrics"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

// DurableConsumer reads a persistent stream through a named consumer group,
// giving a subscriber at-least-once delivery with its own cursor (spec §4.6
// "durable" subscription option; spec C8 webhook-delivery / monitor-push /
// external-sync).
type DurableConsumer struct {
	store       *store.Store
	eventType   types.EventType
	group       string
	consumer    string
	log         logr.Logger
	backlogWarn int64
	onBacklog   func(backlog int64)
	metrics     *metrics.Registry
}

// NewDurableConsumer builds a DurableConsumer and ensures its group exists.
func NewDurableConsumer(ctx context.Context, st *store.Store, eventType types.EventType, group, consumer string, log logr.Logger) (*DurableConsumer, error) {
	stream := StreamKeyFor(eventType)
	if err := st.StreamEnsureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	return &DurableConsumer{store: st, eventType: eventType, group: group, consumer: consumer, log: log.WithName("durable-consumer").WithValues("group", group)}, nil
}

// OnBacklog registers a callback invoked from Poll whenever the group's
// pending (unacknowledged) count exceeds threshold, the back-pressure signal
// spec §4.8 requires the bus to alert on without dropping from the stream.
func (d *DurableConsumer) OnBacklog(threshold int64, fn func(backlog int64)) {
	d.backlogWarn = threshold
	d.onBacklog = fn
}

// SetMetrics wires the broker's metric registry in so Poll reports this
// group's lag; nil leaves the consumer uninstrumented.
func (d *DurableConsumer) SetMetrics(m *metrics.Registry) {
	d.metrics = m
}

// DeliveryHandler processes one durable delivery. A non-nil return leaves
// the entry unacknowledged in the group's pending list; Poll reads only new
// entries, so it does not hand that entry to a handler again.
type DeliveryHandler func(ctx context.Context, event types.Event) error

// Poll reads up to count new entries, blocking up to block for new data,
// and invokes handler for each, acknowledging only on success.
func (d *DurableConsumer) Poll(ctx context.Context, count int64, block time.Duration, handler DeliveryHandler) error {
	stream := StreamKeyFor(d.eventType)

	messages, err := d.store.StreamReadGroup(ctx, stream, d.group, d.consumer, count, block)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		event, err := DecodeStreamMessage(msg, d.eventType)
		if err != nil {
			d.log.Error(err, "decoding stream message", "id", msg.ID)
			continue
		}

		if err := handler(ctx, event); err != nil {
			d.log.Error(err, "handler failed, entry remains pending", "id", msg.ID)
			continue
		}

		if err := d.store.StreamAck(ctx, stream, d.group, msg.ID); err != nil {
			d.log.Error(err, "acking stream message", "id", msg.ID)
		}
	}

	if (d.backlogWarn > 0 && d.onBacklog != nil) || d.metrics != nil {
		pending, err := d.store.StreamPendingCount(ctx, stream, d.group)
		if err == nil {
			if d.metrics != nil {
				d.metrics.EventBusLag.WithLabelValues(stream, d.group).Set(float64(pending))
			}
			if d.backlogWarn > 0 && d.onBacklog != nil && pending > d.backlogWarn {
				d.onBacklog(pending)
			}
		}
	}

	return nil
}

// Replay streams historical entries in [from, to] through handler without
// acknowledging through the consumer group, for a subscriber that wants to
// catch up on history before switching to live Poll (spec §4.6 replay).
func (d *DurableConsumer) Replay(ctx context.Context, from, to string, count int64, handler Handler) error {
	stream := StreamKeyFor(d.eventType)
	messages, err := d.store.StreamRange(ctx, stream, from, to, count)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		event, err := DecodeStreamMessage(msg, d.eventType)
		if err != nil {
			continue
		}
		handler(ctx, event)
	}
	return nil
}
