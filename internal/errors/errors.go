// Copyright 2026 The emp-job-broker Authors.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the broker's structured error taxonomy.
//
// Every error that crosses a component boundary inside the broker is an
// *AppError carrying one of the kinds enumerated in the job-broker
// specification's error design: validation, conflict, not_found,
// store_unavailable, worker_protocol_violation, lease_expired,
// job_execution_failure, and event_delivery_failure. Callers switch on Type
// (via IsType) rather than on error strings, and the ingress HTTP layer maps
// Type to a status code mechanically via StatusCode.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType identifies a kind in the broker's error taxonomy.
type ErrorType string

const (
	ErrorTypeValidation             ErrorType = "validation"
	ErrorTypeConflict               ErrorType = "conflict"
	ErrorTypeNotFound               ErrorType = "not_found"
	ErrorTypeStoreUnavailable       ErrorType = "store_unavailable"
	ErrorTypeWorkerProtocolViolation ErrorType = "worker_protocol_violation"
	ErrorTypeLeaseExpired           ErrorType = "lease_expired"
	ErrorTypeJobExecutionFailure    ErrorType = "job_execution_failure"
	ErrorTypeEventDeliveryFailure   ErrorType = "event_delivery_failure"
	ErrorTypeRateLimit              ErrorType = "rate_limit"
	ErrorTypeInternal               ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:              http.StatusBadRequest,
	ErrorTypeConflict:                http.StatusConflict,
	ErrorTypeNotFound:                http.StatusNotFound,
	ErrorTypeStoreUnavailable:        http.StatusServiceUnavailable,
	ErrorTypeWorkerProtocolViolation: http.StatusBadRequest,
	ErrorTypeLeaseExpired:            http.StatusConflict,
	ErrorTypeJobExecutionFailure:     http.StatusUnprocessableEntity,
	ErrorTypeEventDeliveryFailure:    http.StatusInternalServerError,
	ErrorTypeRateLimit:               http.StatusTooManyRequests,
	ErrorTypeInternal:                http.StatusInternalServerError,
}

// AppError is the broker's structured error type.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError of the given type with its default status code.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusByType[t],
	}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError of the given type wrapping cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf wraps cause with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails attaches additional context and returns the same error, modified in place.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted additional context.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// IsType reports whether err is an *AppError of type t.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// NewValidationError builds a validation AppError.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

// NewConflictError builds a conflict AppError, e.g. an optimistic-concurrency
// mismatch in a Store script or a cancel of an already-terminal job.
func NewConflictError(message string) *AppError {
	return New(ErrorTypeConflict, message)
}

// NewNotFoundError builds a not_found AppError for the named resource.
func NewNotFoundError(resource string) *AppError {
	return Newf(ErrorTypeNotFound, "%s not found", resource)
}

// NewStoreUnavailableError wraps a transient store-layer fault.
func NewStoreUnavailableError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeStoreUnavailable, "store operation failed: %s", operation)
}

// NewWorkerProtocolViolationError builds a worker_protocol_violation AppError.
func NewWorkerProtocolViolationError(message string) *AppError {
	return New(ErrorTypeWorkerProtocolViolation, message)
}

// NewLeaseExpiredError builds a lease_expired AppError for the given job.
func NewLeaseExpiredError(jobID string) *AppError {
	return Newf(ErrorTypeLeaseExpired, "lease expired for job %s", jobID)
}

// NewRateLimitError builds a rate_limit AppError.
func NewRateLimitError(message string) *AppError {
	return New(ErrorTypeRateLimit, message)
}
