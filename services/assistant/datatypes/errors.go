// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures for recovery decisions.
//
// Local recovery (retry, fallback router context, empty retrieval) applies
// to everything except KindConfiguration, which is fatal at startup.
type ErrorKind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown ErrorKind = iota

	// KindInputInvalid rejects the request before the pipeline runs:
	// empty query after trimming, or length outside [3, 2000].
	KindInputInvalid

	// KindTransientUpstream covers LLM rate limits, timeouts, and
	// connection failures. Triggers retry with backoff.
	KindTransientUpstream

	// KindPermanentUpstream covers authentication and quota failures.
	// Surfaces as success=false with a user-safe message.
	KindPermanentUpstream

	// KindRetrievalUnavailable means the knowledge store failed. The
	// pipeline proceeds with empty retrieval; the hybrid path handles it.
	KindRetrievalUnavailable

	// KindConfiguration is invalid configuration at startup. Fatal.
	KindConfiguration
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindInputInvalid:
		return "input_invalid"
	case KindTransientUpstream:
		return "transient_upstream"
	case KindPermanentUpstream:
		return "permanent_upstream"
	case KindRetrievalUnavailable:
		return "retrieval_unavailable"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// PipelineError carries an ErrorKind through the pipeline.
type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap supports errors.Is and errors.As on the wrapped cause.
func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps err with a kind and the failing operation name.
func NewPipelineError(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from an error chain.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientUpstream
}
