// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/stakeordie/emp-job-broker/internal/config"
)

func TestDefaultMatchesSpecIndicativeDefaults(t *testing.T) {
	cfg := config.Default()

	if cfg.Timers.LeaseDurationSec != 300 {
		t.Errorf("lease_duration_sec = %d, want 300", cfg.Timers.LeaseDurationSec)
	}
	if cfg.Timers.WorkerDeadAfterSec != 60 {
		t.Errorf("worker_dead_after_sec = %d, want 60", cfg.Timers.WorkerDeadAfterSec)
	}
	if cfg.Workflow.ModeDefault != "abort_on_failure" {
		t.Errorf("workflow_mode_default = %q, want abort_on_failure", cfg.Workflow.ModeDefault)
	}
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := "redis:\n  addr: \"redis.internal:6380\"\ntimers:\n  lease_duration_sec: 600\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis.addr = %q, want overridden value", cfg.Redis.Addr)
	}
	if cfg.Timers.LeaseDurationSec != 600 {
		t.Errorf("lease_duration_sec = %d, want 600", cfg.Timers.LeaseDurationSec)
	}
	// Fields absent from the override file keep their default value.
	if cfg.Timers.JanitorPeriodSec != 10 {
		t.Errorf("janitor_period_sec = %d, want default 10", cfg.Timers.JanitorPeriodSec)
	}
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("timers:\n  lease_duration_sec: 300\n"), 0o600); err != nil {
		t.Fatalf("writing initial config: %v", err)
	}

	seed, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	watcher := config.NewWatcher(path, seed, logr.Discard())

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- watcher.Run(stop) }()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("timers:\n  lease_duration_sec: 900\n"), 0o600); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if watcher.Current().Timers.LeaseDurationSec == 900 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	close(stop)
	if err := <-done; err != nil {
		t.Fatalf("watcher.Run: %v", err)
	}

	if got := watcher.Current().Timers.LeaseDurationSec; got != 900 {
		t.Errorf("watcher did not pick up reload: lease_duration_sec = %d, want 900", got)
	}
}
