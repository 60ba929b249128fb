// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing analyzes a query with an LLM before retrieval runs.
//
// The router produces a RouterContext: devices mentioned, automation
// mode, interaction layer, and source inclusion/exclusion hints. It is
// strictly best-effort — any failure (timeout, bad JSON, provider error)
// degrades to the fallback context, never to the caller. Safety does not
// depend on routing; the dose/danger/tier checks are response-driven.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
	"github.com/AleutianAI/glycoassist/services/llm"
)

const (
	routerTimeout     = 15 * time.Second
	routerTemperature = float32(0.3)
	routerMaxTokens   = 1000

	// maxHistoryMessages is how much conversation context the router
	// sees. Enough to resolve "it" and "the same thing as before".
	maxHistoryMessages = 10
)

// defaultAutomatedExclusions enforces the closed-loop invariant when the
// model forgets to: automated systems have no manual or extended bolus.
var defaultAutomatedExclusions = []string{"manual_bolus_features", "extended_bolus"}

const routerPromptTemplate = `You are a query router for a type-1 diabetes assistant. Analyze the user's question and output ONLY a JSON object with this exact shape:

{
  "devices_mentioned": ["..."],
  "automation_mode": "automated|manual|unknown",
  "interaction_layer": "pump_hardware|algorithm_app|cgm_sensor|multiple|unknown",
  "user_intent": "...",
  "key_constraints": ["..."],
  "temporal_context": "...",
  "suggested_sources": ["..."],
  "exclude_sources": ["..."],
  "confidence": 0.0,
  "reasoning": "..."
}

Safety rules you MUST follow:
- If the user runs an automated insulin delivery system (CamAPS, Control-IQ, Omnipod 5, Loop, AndroidAPS, MiniMed auto mode), set automation_mode to "automated" and exclude_sources MUST include "manual_bolus_features" and "extended_bolus". Automated systems replace extended/combination boluses; suggesting them is unsafe.
- Automated-system users interact with the algorithm app, not pump menus: interaction_layer is usually "algorithm_app".
- Algorithm apps like CamAPS FX have no independent pump UI. Never suggest pump-hardware sources for algorithm questions.
- When unsure, use "unknown" and a low confidence.

%s
User question: %s

JSON:`

// Router classifies queries with an LLM.
//
// Thread Safety: safe for concurrent use.
type Router struct {
	client llm.LLMClient
}

// NewRouter wraps the LLM collaborator.
func NewRouter(client llm.LLMClient) *Router {
	return &Router{client: client}
}

// Route analyzes one query against recent conversation history.
//
// Outputs:
//
//	*datatypes.RouterContext - Never nil. On any failure this is the
//	fallback context (automation unknown, confidence 0, no exclusions).
func (r *Router) Route(ctx context.Context, query string, history []datatypes.Message) *datatypes.RouterContext {
	if r == nil || r.client == nil {
		return datatypes.FallbackRouterContext()
	}

	routeCtx, cancel := context.WithTimeout(ctx, routerTimeout)
	defer cancel()

	prompt := fmt.Sprintf(routerPromptTemplate, formatHistory(history), query)
	raw, _, err := r.client.Generate(routeCtx, prompt, llm.GenerationParams{
		Temperature: llm.Float32Ptr(routerTemperature),
		MaxTokens:   llm.IntPtr(routerMaxTokens),
	})
	if err != nil {
		slog.Warn("Router LLM call failed, using fallback context", "error", err)
		return datatypes.FallbackRouterContext()
	}

	rc, err := parseRouterJSON(raw)
	if err != nil {
		slog.Warn("Router returned unparseable JSON, using fallback context", "error", err)
		return datatypes.FallbackRouterContext()
	}
	return enforceInvariants(rc)
}

func formatHistory(history []datatypes.Message) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// rawRouterContext accepts the loose JSON the model emits before enum
// narrowing.
type rawRouterContext struct {
	DevicesMentioned []string `json:"devices_mentioned"`
	AutomationMode   string   `json:"automation_mode"`
	InteractionLayer string   `json:"interaction_layer"`
	UserIntent       string   `json:"user_intent"`
	KeyConstraints   []string `json:"key_constraints"`
	TemporalContext  string   `json:"temporal_context"`
	SuggestedSources []string `json:"suggested_sources"`
	ExcludeSources   []string `json:"exclude_sources"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
}

// parseRouterJSON extracts the first JSON object from the model output.
// Models wrap JSON in prose and code fences often enough that a strict
// Unmarshal of the whole response would throw away good answers.
func parseRouterJSON(raw string) (*datatypes.RouterContext, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in router output")
	}

	var parsed rawRouterContext
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, err
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return &datatypes.RouterContext{
		DevicesMentioned: parsed.DevicesMentioned,
		AutomationMode:   datatypes.ParseAutomationMode(parsed.AutomationMode),
		InteractionLayer: datatypes.ParseInteractionLayer(parsed.InteractionLayer),
		UserIntent:       parsed.UserIntent,
		KeyConstraints:   parsed.KeyConstraints,
		TemporalContext:  parsed.TemporalContext,
		SuggestedSources: parsed.SuggestedSources,
		ExcludeSources:   parsed.ExcludeSources,
		Confidence:       confidence,
		Reasoning:        parsed.Reasoning,
	}, nil
}

// enforceInvariants guarantees the automated-mode exclusion rule holds
// no matter what the model produced.
func enforceInvariants(rc *datatypes.RouterContext) *datatypes.RouterContext {
	if rc.AutomationMode != datatypes.AutomationAutomated {
		return rc
	}
	for _, excluded := range rc.ExcludeSources {
		e := strings.ToLower(excluded)
		if strings.Contains(e, "manual_bolus") || strings.Contains(e, "extended_bolus") ||
			strings.Contains(e, "combination_bolus") {
			return rc
		}
	}
	rc.ExcludeSources = append(rc.ExcludeSources, defaultAutomatedExclusions...)
	slog.Debug("Router invariant enforced: added automated-mode exclusions")
	return rc
}
