// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package apierrors defines the error taxonomy shared across the API,
// downloader, and worker services. Handlers classify failures into a
// Kind via errors.As/errors.Is against the sentinel errors below, rather
// than pattern-matching error strings, and map the Kind to an HTTP
// status with HTTPStatus.
package apierrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP status mapping and client reporting.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindUnauthorized       Kind = "unauthorized"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindInsufficientCredit Kind = "insufficient_credit"
	KindUpstream           Kind = "upstream_unavailable"
	// KindCoverageGap: the selection engine found a hole with backfill
	// disabled. Terminal for the request; the worker never retries it.
	KindCoverageGap Kind = "coverage_gap"
	// KindIntegrityConflict: two writers raced on a catalog uniqueness
	// constraint. The loser should retry or skip, not treat it as a
	// hard failure.
	KindIntegrityConflict Kind = "integrity_conflict"
	KindInternal          Kind = "internal"
)

// Sentinel errors that package boundaries wrap with context via %w.
// Callers classify an error with errors.Is/errors.As against these,
// never against formatted strings.
var (
	ErrValidation          = errors.New("request failed validation")
	ErrUnauthorized        = errors.New("missing or invalid api key")
	ErrNotFound            = errors.New("resource not found")
	ErrConflict            = errors.New("resource already exists")
	ErrInsufficientCredit  = errors.New("insufficient credit balance")
	ErrUpstreamUnavailable = errors.New("upstream source unavailable")
	ErrCoverageGap         = errors.New("selection plan has an unfillable coverage gap")
	ErrIntegrityConflict   = errors.New("catalog write lost a uniqueness race")
)

// Error wraps an underlying cause with a Kind and optional field-level
// detail, giving handlers everything needed to render a response body
// without re-deriving classification from the message text.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates cause with a Kind, preserving it for errors.Is/As.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithField attaches a field-level validation detail and returns e for
// chaining (e.g. apierrors.New(...).WithField("cycle", "must be ISO8601")).
func (e *Error) WithField(name, detail string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[name] = detail
	return e
}

// KindOf classifies err, defaulting to KindInternal if it doesn't match a
// known sentinel or carry its own *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInsufficientCredit):
		return KindInsufficientCredit
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindUpstream
	case errors.Is(err, ErrCoverageGap):
		return KindCoverageGap
	case errors.Is(err, ErrIntegrityConflict):
		return KindIntegrityConflict
	default:
		return KindInternal
	}
}

// HTTPStatus maps a Kind to the status code the API layer should return.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return 400
	case KindUnauthorized:
		return 401
	case KindNotFound:
		return 404
	case KindConflict, KindIntegrityConflict:
		return 409
	case KindInsufficientCredit:
		return 402
	case KindUpstream:
		return 503
	case KindCoverageGap:
		return 422
	default:
		return 500
	}
}
