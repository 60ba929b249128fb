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
	"sync"
	"sync/atomic"
)

// MockClient is a scriptable LLMClient for tests.
//
// Responses are served in order; when the script runs out the last
// response repeats. GenerateFunc, when set, overrides the script
// entirely. The call counter lets tests assert that no LLM call happened
// on short-circuit paths (emergency gate, blocked tiers).
//
// Thread Safety: safe for concurrent use.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	next      int
	calls     atomic.Int64

	// Err, when non-nil, is returned by every Generate call.
	Err error

	// GenerateFunc overrides scripted behavior when set.
	GenerateFunc func(ctx context.Context, prompt string) (string, error)

	// Prompts records every prompt passed to Generate.
	Prompts []string
}

var _ LLMClient = (*MockClient)(nil)

// NewMockClient scripts the given responses in order.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{responses: responses}
}

// Calls returns how many Generate/GenerateStream calls were made.
func (m *MockClient) Calls() int64 { return m.calls.Load() }

// Info implements LLMClient.
func (m *MockClient) Info() (string, string) { return "mock", "mock-model" }

// Generate implements LLMClient.
func (m *MockClient) Generate(ctx context.Context, prompt string, _ GenerationParams) (string, Usage, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.Prompts = append(m.Prompts, prompt)
	fn := m.GenerateFunc
	err := m.Err
	var text string
	if fn == nil && err == nil {
		if len(m.responses) == 0 {
			text = ""
		} else if m.next < len(m.responses) {
			text = m.responses[m.next]
			m.next++
		} else {
			text = m.responses[len(m.responses)-1]
		}
	}
	m.mu.Unlock()

	if fn != nil {
		out, ferr := fn(ctx, prompt)
		return out, Usage{}, ferr
	}
	if err != nil {
		return "", Usage{}, err
	}
	return text, Usage{PromptTokens: len(prompt) / 4, CompletionTokens: len(text) / 4}, nil
}

// GenerateStream implements LLMClient by splitting the scripted response
// into small chunks.
func (m *MockClient) GenerateStream(ctx context.Context, prompt string, params GenerationParams) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		text, _, err := m.Generate(ctx, prompt, params)
		if err != nil {
			errs <- err
			return
		}
		const step = 24
		for i := 0; i < len(text); i += step {
			end := i + step
			if end > len(text) {
				end = len(text)
			}
			select {
			case chunks <- text[i:end]:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
