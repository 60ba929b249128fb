// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the LLM collaborator contract and the
// OpenAI-compatible client the assistant ships with.
//
// The core pipeline depends only on LLMClient; provider plumbing (API
// keys, endpoints) stays inside this package. Multi-provider routing is
// deliberately out of scope: one provider is selected at startup via
// LLM_PROVIDER and everything else goes through retry, not failover.
package llm

import "context"

// GenerationParams are per-call generation knobs. Nil fields use the
// provider's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Usage reports token accounting for a completed call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// LLMClient defines the standard interface for any LLM backend.
//
// Thread Safety: implementations must be safe for concurrent use.
type LLMClient interface {
	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, Usage, error)

	// GenerateStream produces a channel of text chunks in token order.
	// The channel is closed when the stream ends; a mid-stream failure
	// is delivered on the error channel (buffered, at most one value).
	GenerateStream(ctx context.Context, prompt string, params GenerationParams) (<-chan string, <-chan error)

	// Info identifies the backing provider and model.
	Info() (provider, model string)
}

// Float32Ptr is a convenience for literal GenerationParams.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr is a convenience for literal GenerationParams.
func IntPtr(v int) *int { return &v }
