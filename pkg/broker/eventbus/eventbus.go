// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package eventbus is the hybrid in-process / pub-sub / persistent-stream
// fan-out layer (spec C6). For job lifecycle events the persistent-stream
// tier is written atomically alongside each state mutation by the Job
// Registry and Match Kernel's Lua scripts themselves, and Publish performs
// the remaining two tiers; events with no backing mutation script (workflow
// and worker lifecycle) go through PublishDurable, whose event_publish
// script appends the stream entry and announces it in one atomic step.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/stakeordie/emp-job-broker/pkg/broker/types"
	"github.com/stakeordie/emp-job-broker/pkg/store"
)

// Handler reacts to a published event. Handlers registered in-process MUST
// be idempotent: the in-process tier's side effects are not rolled back if
// the persistent-stream tier later fails (spec §4.6 publish contract). For
// events sent through Publish the stream entry was already appended by the
// mutation script that produced them, but PublishDurable runs the
// in-process tier before its stream append, so a handler can observe an
// event whose append then fails; handlers are also written idempotent to
// tolerate replay-driven re-delivery.
type Handler func(ctx context.Context, event types.Event)

// PubSubChannel is the single best-effort fan-out channel every event is
// announced on; live subscribers filter by Type themselves.
const PubSubChannel = "broker:events"

// Bus is the Event Bus (C6).
type Bus struct {
	store *store.Store
	log   logr.Logger

	mu       sync.RWMutex
	handlers map[types.EventType][]Handler

	retention StreamRetention
}

// StreamRetention bounds the persistent log (spec §5: "7 days or 10,000
// events per type, whichever is stricter").
type StreamRetention struct {
	MaxLenApprox int64
	MaxAge       time.Duration
}

// DefaultRetention matches the spec's indicative defaults.
func DefaultRetention() StreamRetention {
	return StreamRetention{MaxLenApprox: 10_000, MaxAge: 7 * 24 * time.Hour}
}

// New builds a Bus over store.
func New(st *store.Store, log logr.Logger, retention StreamRetention) *Bus {
	return &Bus{store: st, log: log, handlers: make(map[types.EventType][]Handler), retention: retention}
}

// Subscribe registers an in-process handler for the local tier. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(eventType types.EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	idx := len(b.handlers[eventType]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.handlers[eventType]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Publish performs the in-process (tier 1) and pub/sub (tier 2) legs for an
// event whose persistent-stream tier has already been written atomically by
// the Store script that produced it.
func (b *Bus) Publish(ctx context.Context, event types.Event) error {
	b.dispatchLocal(ctx, event)

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event for pubsub: %w", err)
	}
	if err := b.store.PubSubPublish(ctx, PubSubChannel, raw); err != nil {
		b.log.V(1).Info("pubsub publish failed, live subscribers may miss this event", "event_id", event.ID, "error", err.Error())
	}
	return nil
}

// PublishDurable performs all three tiers for an event that no mutation
// script has already recorded: in-process handlers run first, then a single
// atomic Store script appends the stream entry and announces it on pub/sub
// together. If the script fails the publish fails and the caller retries;
// the in-process side effects are not rolled back, which is why handlers
// must be idempotent.
func (b *Bus) PublishDurable(ctx context.Context, event types.Event) error {
	b.dispatchLocal(ctx, event)

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	result, err := b.store.ScriptCall(ctx, "event_publish",
		[]string{StreamKeyFor(event.Type)},
		event.ID, string(event.Type), event.EmittedAt.Unix(), event.AggregateID,
		string(event.Payload), b.retention.MaxLenApprox, PubSubChannel, string(raw),
	)
	if err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("event_publish rejected event %s", event.ID)
	}
	return nil
}

// SubscribeLive consumes the best-effort pub/sub tier: every event any
// broker process publishes is decoded and handed to handler until ctx ends.
// Missed messages are not retried (spec §4.6 "live" option) — a subscriber
// that cannot tolerate loss uses a DurableConsumer instead.
func (b *Bus) SubscribeLive(ctx context.Context, handler Handler) error {
	sub := b.store.PubSubSubscribe(ctx, PubSubChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.V(1).Info("dropping undecodable live event", "error", err.Error())
				continue
			}
			handler(ctx, event)
		}
	}
}

func (b *Bus) dispatchLocal(ctx context.Context, event types.Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		h(ctx, event)
	}
}

// RunRetention trims every event stream to the retention window on interval
// until ctx is cancelled. The count bound is enforced at append time via
// MAXLEN; this loop enforces the age bound.
func (b *Bus) RunRetention(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.TrimOnce(ctx)
		}
	}
}

// TrimOnce drops entries older than the retention age from every stream.
// Redis stream ids lead with a millisecond timestamp, so the age cutoff maps
// directly to a MINID bound.
func (b *Bus) TrimOnce(ctx context.Context) {
	if b.retention.MaxAge <= 0 {
		return
	}
	minID := strconv.FormatInt(time.Now().Add(-b.retention.MaxAge).UnixMilli(), 10)
	for _, eventType := range types.AllEventTypes {
		if err := b.store.StreamTrimMinID(ctx, StreamKeyFor(eventType), minID); err != nil {
			b.log.V(1).Info("stream trim failed", "event_type", eventType, "error", err.Error())
		}
	}
}

// StreamKeyFor returns the persistent-stream key backing eventType.
func StreamKeyFor(eventType types.EventType) string {
	return store.StreamKey(string(eventType))
}

// DecodeStreamMessage converts a raw XMessage (as appended by a Store Lua
// script) back into an Event.
func DecodeStreamMessage(msg redis.XMessage, eventType types.EventType) (types.Event, error) {
	event := types.Event{ID: fmt.Sprint(msg.Values["id"]), Type: eventType}

	if aggID, ok := msg.Values["aggregate_id"].(string); ok {
		event.AggregateID = aggID
	}
	if payload, ok := msg.Values["payload"].(string); ok {
		event.Payload = []byte(payload)
	}
	if emittedAt, ok := msg.Values["emitted_at"].(string); ok {
		var sec int64
		if _, err := fmt.Sscanf(emittedAt, "%d", &sec); err == nil {
			event.EmittedAt = time.Unix(sec, 0).UTC()
		}
	}
	return event, nil
}
