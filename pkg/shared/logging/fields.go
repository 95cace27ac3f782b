// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package logging provides a small, chainable field builder used to attach
// consistent structured context to every log line the broker emits,
// regardless of which component emits it.
package logging

import "time"

// Fields is a map of structured logging key/value pairs, built up through
// chained setters so call sites read as a short sentence:
//
//	log.Info("claimed job", logging.NewFields().Component("match-kernel").JobID(id).WorkerID(wid)...)
type Fields map[string]any

// NewFields returns an empty Fields builder.
func NewFields() Fields {
	return Fields{}
}

// Component records which broker component emitted the log line.
func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

// Operation records the logical operation being performed.
func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

// JobID records the job the log line is about, if any.
func (f Fields) JobID(id string) Fields {
	if id != "" {
		f["job_id"] = id
	}
	return f
}

// WorkflowID records the workflow the log line is about, if any.
func (f Fields) WorkflowID(id string) Fields {
	if id != "" {
		f["workflow_id"] = id
	}
	return f
}

// WorkerID records the worker the log line is about, if any.
func (f Fields) WorkerID(id string) Fields {
	if id != "" {
		f["worker_id"] = id
	}
	return f
}

// EventID records the event the log line is about, if any.
func (f Fields) EventID(id string) Fields {
	if id != "" {
		f["event_id"] = id
	}
	return f
}

// Attempt records the job attempt number.
func (f Fields) Attempt(attempt int) Fields {
	f["attempt"] = attempt
	return f
}

// Duration records an elapsed duration in milliseconds.
func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Error records the error string, if non-nil.
func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// KeyValues flattens Fields into an alternating key/value slice suitable
// for logr.Logger's variadic WithValues/Info/Error signature.
func (f Fields) KeyValues() []any {
	kv := make([]any, 0, len(f)*2)
	for k, v := range f {
		kv = append(kv, k, v)
	}
	return kv
}
