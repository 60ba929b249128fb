// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrNoChoices means the provider returned an empty choice list.
	ErrNoChoices = errors.New("provider returned no choices")

	// ErrMissingAPIKey means no API key was found in the environment.
	ErrMissingAPIKey = errors.New("provider API key not set")
)

// IsTransient reports whether a provider error is worth retrying:
// rate limits (429), overload (503), timeouts, and connection failures.
// Authentication and quota failures are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			// Quota exhaustion arrives as 429 with an insufficient_quota
			// code; retrying it is pointless.
			if code, ok := apiErr.Code.(string); ok && strings.Contains(strings.ToLower(code), "quota") {
				return false
			}
			return true
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "connection refused", "connection reset", "temporarily", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsPermanentAuth reports an authentication or quota failure that should
// surface to the caller rather than retry.
func IsPermanentAuth(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired:
			return true
		}
	}
	return errors.Is(err, ErrMissingAPIKey)
}
