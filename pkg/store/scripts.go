// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed scripts/*.lua
var scriptFS embed.FS

var scriptNames = []string{
	"job_submit",
	"match_claim",
	"job_mark_started",
	"job_report_progress",
	"job_finalize",
	"job_requeue",
	"job_cancel_pending",
	"job_cancel_active_intent",
	"event_publish",
}

type scriptSet struct {
	byName map[string]*redis.Script
}

func loadScripts() (*scriptSet, error) {
	set := &scriptSet{byName: make(map[string]*redis.Script, len(scriptNames))}
	for _, name := range scriptNames {
		src, err := scriptFS.ReadFile(fmt.Sprintf("scripts/%s.lua", name))
		if err != nil {
			return nil, fmt.Errorf("reading script %s: %w", name, err)
		}
		set.byName[name] = redis.NewScript(string(src))
	}
	return set, nil
}

// ScriptResult is the decoded return value of an atomic server-side script.
// Scripts always return a cjson-encoded object with at least an "ok" field;
// "ok": false with a "reason" field distinguishes a logical outcome (no
// match, conflict, not found) from the Go-level store_unavailable case,
// which instead surfaces as a non-nil error from ScriptCall.
type ScriptResult struct {
	OK     bool            `json:"ok"`
	Reason string          `json:"reason,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ScriptCall executes the named atomic server-side script (spec §4.1
// script_call) and decodes its JSON result. A non-nil error here always
// means the store round-trip itself failed (store_unavailable); a logical
// "no match" or "conflict" outcome is carried in ScriptResult.OK/Reason, not
// as an error, so callers never confuse the two.
func (s *Store) ScriptCall(ctx context.Context, name string, keys []string, args ...any) (*ScriptResult, error) {
	script, ok := s.scripts.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown script %q", name)
	}

	raw, err := s.guarded(ctx, "script:"+name, func(ctx context.Context) (any, error) {
		return script.Run(ctx, s.client, keys, args...).Result()
	})
	if err != nil {
		return nil, classify("script:"+name, err)
	}

	str, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("script %s returned non-string result", name)
	}

	var result ScriptResult
	if err := json.Unmarshal([]byte(str), &result); err != nil {
		return nil, fmt.Errorf("decoding script %s result: %w", name, err)
	}
	return &result, nil
}
