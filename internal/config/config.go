// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and hot-reloads the broker's YAML configuration
// (spec §6.5's enumerated knobs plus the ambient redis/server/logging
// sections every production service needs).
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// Redis configures the backing connection.
type Redis struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// Server configures the ingress and metrics listen addresses.
type Server struct {
	IngressAddr string `yaml:"ingress_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Logging configures the structured logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Timers carries every duration/count knob spec §6.5 enumerates.
type Timers struct {
	LeaseDurationSec                int `yaml:"lease_duration_sec"`
	HeartbeatIntervalSec            int `yaml:"heartbeat_interval_sec"`
	WorkerDeadAfterSec              int `yaml:"worker_dead_after_sec"`
	JanitorPeriodSec                int `yaml:"janitor_period_sec"`
	MatchScanCap                    int `yaml:"match_scan_cap"`
	AgingBoostPerMinute             int `yaml:"aging_boost_per_minute"`
	AgingBoostCap                   int `yaml:"aging_boost_cap"`
	IdempotencyTTLSec               int `yaml:"idempotency_ttl_sec"`
	StreamRetentionCount            int `yaml:"stream_retention_count"`
	StreamRetentionSec              int `yaml:"stream_retention_sec"`
	MaxConcurrentJobsPerWorkerDflt  int `yaml:"max_concurrent_jobs_per_worker_default"`
	CancelGraceSec                  int `yaml:"cancel_grace_sec"`
	TerminalRetentionSec            int `yaml:"terminal_retention_sec"`
}

// WorkflowDefaults carries the default workflow mode (spec §6.5 workflow_mode_default).
type WorkflowDefaults struct {
	ModeDefault string `yaml:"workflow_mode_default"`
}

// Alerting configures the ops-facing alert channels.
type Alerting struct {
	SlackToken     string `yaml:"slack_token"`
	SlackChannelID string `yaml:"slack_channel_id"`
}

// Config is the broker's full runtime configuration.
type Config struct {
	Redis    Redis            `yaml:"redis"`
	Server   Server           `yaml:"server"`
	Logging  Logging          `yaml:"logging"`
	Timers   Timers           `yaml:"timers"`
	Workflow WorkflowDefaults `yaml:"workflow"`
	Alerting Alerting         `yaml:"alerting"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the spec's indicative defaults (spec §5 Timeouts).
func Default() Config {
	return Config{
		Redis:   Redis{Addr: "localhost:6379", PoolSize: 10},
		Server:  Server{IngressAddr: ":8080", MetricsAddr: ":9090"},
		Logging: Logging{Level: "info", Format: "json"},
		Timers: Timers{
			LeaseDurationSec:               300,
			HeartbeatIntervalSec:           15,
			WorkerDeadAfterSec:             60,
			JanitorPeriodSec:               10,
			MatchScanCap:                   200,
			AgingBoostPerMinute:            1,
			AgingBoostCap:                  50,
			IdempotencyTTLSec:              24 * 60 * 60,
			StreamRetentionCount:           10_000,
			StreamRetentionSec:             7 * 24 * 60 * 60,
			MaxConcurrentJobsPerWorkerDflt: 1,
			CancelGraceSec:                 30,
			TerminalRetentionSec:           72 * 60 * 60,
		},
		Workflow:       WorkflowDefaults{ModeDefault: "abort_on_failure"},
		AllowedOrigins: []string{"*"},
	}
}

// Load reads and parses the YAML config file at path. It starts from
// Default() and unmarshals over it, so any field the YAML leaves unset keeps
// its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// HotReloadable is the subset of Config safe to swap at runtime without
// restarting connections: tuning knobs only, never redis/server addresses.
type HotReloadable struct {
	Timers         Timers
	Workflow       WorkflowDefaults
	AllowedOrigins []string
}

// Watcher reloads the hot-reloadable subset of a config file on change.
type Watcher struct {
	path string
	log  logr.Logger

	mu      sync.RWMutex
	current HotReloadable
}

// NewWatcher builds a Watcher seeded from an already-loaded Config.
func NewWatcher(path string, seed Config, log logr.Logger) *Watcher {
	return &Watcher{
		path: path,
		log:  log.WithName("config-watcher"),
		current: HotReloadable{
			Timers:         seed.Timers,
			Workflow:       seed.Workflow,
			AllowedOrigins: seed.AllowedOrigins,
		},
	}
}

// Current returns the latest hot-reloadable snapshot.
func (w *Watcher) Current() HotReloadable {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches the config file for changes and reloads until stop is closed.
func (w *Watcher) Run(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return fmt.Errorf("watching %s: %w", w.path, err)
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(200 * time.Millisecond)
			}
		case <-debounce.C:
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error(err, "fsnotify watch error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error(err, "config reload failed, keeping previous values")
		return
	}

	w.mu.Lock()
	w.current = HotReloadable{Timers: cfg.Timers, Workflow: cfg.Workflow, AllowedOrigins: cfg.AllowedOrigins}
	w.mu.Unlock()

	w.log.Info("config reloaded", "path", w.path)
}
