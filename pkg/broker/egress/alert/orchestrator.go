// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package alert gives the Event Bus's back-pressure alert (spec §4.8) a
// concrete, pluggable delivery surface: a small orchestrator fanning an
// Alert out to every registered channel, each wrapped in its own circuit
// breaker so a broken channel cannot block the others.
package alert

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/stakeordie/emp-job-broker/pkg/shared/circuitbreaker"
)

// Alert is a single operational notification.
type Alert struct {
	Kind    string
	Message string
	Fields  map[string]any
}

// Channel delivers an Alert somewhere.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, alert Alert) error
}

// Orchestrator fans alerts out to every registered channel.
type Orchestrator struct {
	channels []Channel
	breaker  *circuitbreaker.Manager
	log      logr.Logger
}

// New builds an Orchestrator with breaker guarding each channel independently.
func New(breaker *circuitbreaker.Manager, log logr.Logger, channels ...Channel) *Orchestrator {
	return &Orchestrator{channels: channels, breaker: breaker, log: log.WithName("alert-orchestrator")}
}

// Fire delivers alert to every channel, logging but not stopping on
// per-channel failures.
func (o *Orchestrator) Fire(ctx context.Context, alert Alert) {
	for _, ch := range o.channels {
		ch := ch
		_, err := o.breaker.Execute(ctx, "alert:"+ch.Name(), func(ctx context.Context) (any, error) {
			return nil, ch.Deliver(ctx, alert)
		})
		if err != nil {
			o.log.Error(err, "alert delivery failed", "channel", ch.Name(), "kind", alert.Kind)
		}
	}
}

// ConsoleChannel writes alerts to the structured logger, always available.
type ConsoleChannel struct {
	log logr.Logger
}

// NewConsoleChannel builds a ConsoleChannel.
func NewConsoleChannel(log logr.Logger) *ConsoleChannel {
	return &ConsoleChannel{log: log.WithName("alert-console")}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Deliver(_ context.Context, alert Alert) error {
	c.log.Info(fmt.Sprintf("ALERT[%s] %s", alert.Kind, alert.Message), flatten(alert.Fields)...)
	return nil
}

func flatten(fields map[string]any) []any {
	kv := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return kv
}
