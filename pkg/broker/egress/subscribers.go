// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package egress defines the Egress Subscriber Contracts (spec C8): typed
// consumers of Event Bus output. Each subscriber wraps a durable
// eventbus.DurableConsumer per event type and guarantees at-least-once
// delivery with per-aggregate ordering; callers supply the delivery side
// effect itself (an HTTP POST, a push to a monitor UI, a sync call to an
// external system) since those integrations are out of scope here.
package egress

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/stakeordie/emp-job-broker/pkg/broker/eventbus"
	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/metrics"
)

// Delivery is the side effect a subscriber performs for one event. A
// non-nil return leaves the event unacknowledged in the group's pending
// list; the subscriber does not deliver it again, since each poll reads only
// entries not yet delivered to the group. Deduping repeat deliveries (for
// example after a Replay) is the consumer's responsibility via Event.ID.
type Delivery func(ctx context.Context, event types.Event) error

// Subscriber polls one event type's durable stream and forwards each event
// to its Delivery.
type Subscriber struct {
	consumer *eventbus.DurableConsumer
	deliver  Delivery
	log      logr.Logger
}

// kind names the three subscriber roles spec C8 enumerates.
type kind string

const (
	// KindWebhookDelivery forwards terminal job/workflow events to registered webhooks.
	KindWebhookDelivery kind = "webhook-delivery"
	// KindMonitorPush forwards events to a live operator-facing monitor UI.
	KindMonitorPush kind = "monitor-push"
	// KindExternalSync forwards events to an external system of record.
	KindExternalSync kind = "external-sync"
)

// ConsumerFactory builds the durable consumer a Subscriber reads through;
// eventbus.NewDurableConsumer curried over a Store satisfies it.
type ConsumerFactory func(ctx context.Context, eventType types.EventType, group, consumer string) (*eventbus.DurableConsumer, error)

// NewSubscriber builds a Subscriber of role k consuming eventType; deliver
// performs the actual side effect.
func NewSubscriber(ctx context.Context, consumerFactory ConsumerFactory, eventType types.EventType, k kind, deliver Delivery, log logr.Logger) (*Subscriber, error) {
	consumer, err := consumerFactory(ctx, eventType, string(k), string(k)+"-1")
	if err != nil {
		return nil, err
	}
	return &Subscriber{consumer: consumer, deliver: deliver, log: log.WithName(string(k))}, nil
}

// OnBacklog registers the back-pressure callback invoked when this
// subscriber's unacknowledged count exceeds threshold (spec §4.8: the bus
// alerts but never drops from the stream).
func (s *Subscriber) OnBacklog(threshold int64, fn func(backlog int64)) {
	s.consumer.OnBacklog(threshold, fn)
}

// SetMetrics wires the broker's metric registry into the underlying
// consumer so its lag is exported.
func (s *Subscriber) SetMetrics(m *metrics.Registry) {
	s.consumer.SetMetrics(m)
}

// Replay streams historical events in [from, to] through deliver without
// moving the durable cursor, for a consumer catching up after a restart.
func (s *Subscriber) Replay(ctx context.Context, from, to string, count int64, deliver Delivery) error {
	return s.consumer.Replay(ctx, from, to, count, func(ctx context.Context, event types.Event) {
		if err := deliver(ctx, event); err != nil {
			s.log.Error(err, "replay delivery failed", "event_id", event.ID)
		}
	})
}

// Run polls until ctx is cancelled, blocking up to block between reads. An
// event whose delivery fails stays pending in the consumer group; later
// polls read only new entries, so Run does not redeliver it.
func (s *Subscriber) Run(ctx context.Context, batchSize int64, block time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.consumer.Poll(ctx, batchSize, block, eventbus.DeliveryHandler(s.deliver)); err != nil {
			s.log.Error(err, "poll failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}
