// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package ingress is the Ingress HTTP API (spec C7): the client-facing
// request-side operations for submitting and querying jobs and workflows,
// cancellation, and webhook registration.
package ingress

import (
	"encoding/json"
	"errors"
	"net/http"

	brokererrors "github.com/stakeordie/emp-job-broker/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps the broker's error taxonomy onto an HTTP response body,
// mechanically deriving the status code from AppError.StatusCode.
func writeError(w http.ResponseWriter, err error) {
	var appErr *brokererrors.AppError
	if errors.As(err, &appErr) {
		writeJSON(w, appErr.StatusCode, map[string]any{
			"error":   string(appErr.Type),
			"message": appErr.Message,
			"details": appErr.Details,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error":   "internal",
		"message": err.Error(),
	})
}
