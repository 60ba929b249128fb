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
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig bounds retry behavior for transient provider failures.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the first backoff interval; subsequent delays double.
	BaseDelay time.Duration

	// PerAttemptTimeout caps a single provider call.
	PerAttemptTimeout time.Duration

	// OnRetry, when set, is invoked once per scheduled retry, before the
	// backoff sleep. Used to feed retry counters.
	OnRetry func()
}

// DefaultRetryConfig matches the documented pipeline budget: 3 attempts,
// 1s base delay, 60s per attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		PerAttemptTimeout: 60 * time.Second,
	}
}

// RetryingClient wraps an LLMClient with retry-with-exponential-backoff
// on transient errors. Permanent errors (auth, quota) return immediately.
//
// Thread Safety: safe for concurrent use if the wrapped client is.
type RetryingClient struct {
	inner  LLMClient
	config RetryConfig
}

var _ LLMClient = (*RetryingClient)(nil)

// NewRetryingClient wraps inner with the given retry policy.
func NewRetryingClient(inner LLMClient, config RetryConfig) *RetryingClient {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	return &RetryingClient{inner: inner, config: config}
}

// Info implements LLMClient.
func (r *RetryingClient) Info() (string, string) { return r.inner.Info() }

// Generate implements LLMClient, retrying transient failures.
func (r *RetryingClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, Usage, error) {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if r.config.PerAttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.config.PerAttemptTimeout)
		}
		text, usage, err := r.inner.Generate(attemptCtx, prompt, params)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return text, usage, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", Usage{}, ctx.Err()
		}
		if !IsTransient(err) {
			return "", Usage{}, err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		if r.config.OnRetry != nil {
			r.config.OnRetry()
		}
		delay := r.backoff(attempt)
		slog.Warn("Transient LLM failure, retrying",
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"delay", delay,
			"error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", Usage{}, ctx.Err()
		}
	}
	return "", Usage{}, fmt.Errorf("all %d attempts failed: %w", r.config.MaxAttempts, lastErr)
}

// GenerateStream implements LLMClient as a pass-through: streams are not
// retried. A mid-stream failure surfaces to the consumer, which falls
// back to the non-streaming (retried) path.
func (r *RetryingClient) GenerateStream(ctx context.Context, prompt string, params GenerationParams) (<-chan string, <-chan error) {
	return r.inner.GenerateStream(ctx, prompt, params)
}

// backoff doubles BaseDelay per attempt with up to 20% jitter so herds
// of retries do not re-synchronize on the provider.
func (r *RetryingClient) backoff(attempt int) time.Duration {
	delay := r.config.BaseDelay << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}
