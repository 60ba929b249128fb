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
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Provider endpoints for OpenAI-compatible chat completion APIs.
const (
	groqBaseURL = "https://api.groq.com/openai/v1"

	defaultGroqModel   = "llama-3.3-70b-versatile"
	defaultOpenAIModel = "gpt-4o-mini"
)

// systemRole is the fixed persona for the assistant. The domain framing
// lives in the prompt builder, not here.
const systemRole = "You are a careful diabetes education assistant. " +
	"You never give insulin doses and you always ground device claims in provided sources."

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint.
// Provider selection (LLM_PROVIDER=groq|openai) only changes the base URL,
// model default, and key variable.
type OpenAIClient struct {
	client   *openai.Client
	provider string
	model    string
	limiter  *rate.Limiter
}

var _ LLMClient = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client for the configured provider.
//
// Inputs:
//
//	provider - "groq" (default) or "openai".
//
// Outputs:
//
//	*OpenAIClient - The configured client.
//	error - ErrMissingAPIKey if the provider's key variable is unset and
//	no secret file is mounted.
func NewOpenAIClient(provider string) (*OpenAIClient, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "groq"
	}

	keyVar := "GROQ_API_KEY"
	model := os.Getenv("LLM_MODEL")
	cfgModel := defaultGroqModel
	baseURL := groqBaseURL
	if provider == "openai" {
		keyVar = "OPENAI_API_KEY"
		cfgModel = defaultOpenAIModel
		baseURL = ""
	}
	if model == "" {
		model = cfgModel
	}

	apiKey := os.Getenv(keyVar)
	if apiKey == "" {
		secretPath := "/run/secrets/" + strings.ToLower(keyVar)
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("LLM API key not found", "env_var", keyVar, "secret_path", secretPath)
			return nil, fmt.Errorf("%s: %w", keyVar, ErrMissingAPIKey)
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
		slog.Info("Read the LLM API key from mounted secrets", "provider", provider)
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	slog.Info("Initializing LLM client", "provider", provider, "model", model)
	return &OpenAIClient{
		client:   openai.NewClientWithConfig(cfg),
		provider: provider,
		model:    model,
		// Client-side guard so bursts of concurrent sessions do not trip
		// the provider rate limit before our retry logic even runs.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}, nil
}

// Info implements LLMClient.
func (o *OpenAIClient) Info() (string, string) {
	return o.provider, o.model
}

// Generate implements LLMClient.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, Usage, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", Usage{}, err
	}

	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(prompt, params))
	if err != nil {
		slog.Error("LLM call failed", "provider", o.provider, "error", err)
		return "", Usage{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, ErrNoChoices
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	slog.Debug("LLM response received",
		"provider", o.provider,
		"finish_reason", resp.Choices[0].FinishReason,
		"completion_tokens", usage.CompletionTokens)
	return resp.Choices[0].Message.Content, usage, nil
}

// GenerateStream implements LLMClient.
//
// Token order on the returned channel matches provider delivery order.
// The chunk channel is always closed; the error channel carries at most
// one value and only when the stream failed before completion.
func (o *OpenAIClient) GenerateStream(ctx context.Context, prompt string, params GenerationParams) (<-chan string, <-chan error) {
	chunks := make(chan string, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if err := o.limiter.Wait(ctx); err != nil {
			errs <- err
			return
		}

		req := o.buildRequest(prompt, params)
		req.Stream = true
		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			slog.Error("LLM stream open failed", "provider", o.provider, "error", err)
			errs <- fmt.Errorf("chat completion stream failed: %w", err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("stream receive failed: %w", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			select {
			case chunks <- resp.Choices[0].Delta.Content:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return chunks, errs
}

func (o *OpenAIClient) buildRequest(prompt string, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemRole},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}
