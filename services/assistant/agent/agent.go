// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent orchestrates the full question-answering pipeline.
//
// One request flows emergency gate → cohort → personal data / routing
// fan-out → retrieval → quality assessment → prompt → generation with
// retry → cleaning → safety audit → response. The agent owns ordering
// and failure semantics; the stages themselves live in their packages.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/glycoassist/services/assistant/audit"
	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
	"github.com/AleutianAI/glycoassist/services/assistant/devices"
	"github.com/AleutianAI/glycoassist/services/assistant/experiment"
	"github.com/AleutianAI/glycoassist/services/assistant/personal"
	"github.com/AleutianAI/glycoassist/services/assistant/prompt"
	"github.com/AleutianAI/glycoassist/services/assistant/retrieval"
	"github.com/AleutianAI/glycoassist/services/assistant/routing"
	"github.com/AleutianAI/glycoassist/services/assistant/safety"
	"github.com/AleutianAI/glycoassist/services/assistant/session"
	"github.com/AleutianAI/glycoassist/services/assistant/telemetry"
	"github.com/AleutianAI/glycoassist/services/assistant/units"
	"github.com/AleutianAI/glycoassist/services/llm"
)

const (
	// Input bounds for a single query.
	minQueryLen = 3
	maxQueryLen = 2000

	// requestTimeout caps one full pipeline pass.
	requestTimeout = 180 * time.Second

	// Observational thresholds. Neither blocks a response.
	lowRelevancyOverlap  = 0.6
	lowCitationMinLength = 500

	tracerName = "glycoassist/agent"
)

const safetyFallbackAnswer = "I can't help with dosing right now. Please use your pump's built-in bolus calculator, which accounts for your insulin on board and personal settings, and contact your diabetes care team if you're unsure about a dose."

const providerFailureAnswer = "I'm sorry, I couldn't generate an answer just now because the language model is unavailable. Please try again in a moment."

// ParametricSettings mirror the parametric-usage config section.
type ParametricSettings struct {
	MaxRatio        float64
	ConfidenceScore float64
}

// Options wires a UnifiedAgent. Router, Experiments, Personal, Devices,
// Sink, and Metrics are optional; nil disables the stage (the pipeline
// degrades per its failure semantics instead of erroring).
type Options struct {
	LLM         llm.LLMClient
	Router      *routing.Router
	Retrieval   *retrieval.Coordinator
	Quality     *retrieval.QualityAssessor
	Prompts     *prompt.Builder
	Auditor     *safety.Auditor
	Emergency   *safety.EmergencyDetector
	Sessions    *session.Store
	Experiments *experiment.Manager
	Personal    personal.Loader
	Devices     *devices.Registry
	Sink        *audit.Sink
	Metrics     *telemetry.Metrics

	Parametric             ParametricSettings
	EnhancedCheckThreshold float64
	Units                  units.UnitConfig
}

// UnifiedAgent is the single entry point for answering a query.
//
// Thread Safety: safe for concurrent use; per-session serialization
// happens in the session store and personalization layer.
type UnifiedAgent struct {
	opts   Options
	tracer trace.Tracer
}

// NewUnifiedAgent validates the required collaborators and builds the
// agent.
func NewUnifiedAgent(opts Options) (*UnifiedAgent, error) {
	if opts.LLM == nil {
		return nil, fmt.Errorf("agent requires an LLM client")
	}
	if opts.Retrieval == nil || opts.Quality == nil {
		return nil, fmt.Errorf("agent requires the retrieval coordinator and quality assessor")
	}
	if opts.Prompts == nil {
		opts.Prompts = prompt.NewBuilder()
	}
	if opts.Auditor == nil {
		opts.Auditor = safety.NewAuditor(nil, nil)
	}
	if opts.Personal == nil {
		opts.Personal = personal.NopLoader{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Default()
	}
	return &UnifiedAgent{opts: opts, tracer: otel.Tracer(tracerName)}, nil
}

// pipelineState carries one request through the pre-generation stages.
type pipelineState struct {
	query, sessionID string
	cohort           datatypes.Cohort
	routerCtx        *datatypes.RouterContext
	personalBlock    string
	glookoAvailable  bool
	chunks           []datatypes.Chunk
	quality          datatypes.RAGQuality
	ragOnly          bool
	promptText       string
}

// Process answers one query end to end.
//
// Outputs:
//
//	datatypes.UnifiedResponse - Always usable; Success=false responses
//	carry ErrorType and a human-readable Answer.
func (a *UnifiedAgent) Process(ctx context.Context, query, sessionID string, history []datatypes.Message) datatypes.UnifiedResponse {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	ctx, span := a.tracer.Start(ctx, "agent.Process",
		trace.WithAttributes(attribute.Int("query.length", len(query))))
	defer span.End()

	st, short := a.prepare(ctx, span, query, sessionID, history)
	if short != nil {
		return *short
	}

	genStart := time.Now()
	raw, _, err := a.opts.LLM.Generate(ctx, st.promptText, llm.GenerationParams{})
	a.opts.Metrics.ObserveStage("generate", genStart)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return a.generationFailure(st, err)
	}

	return a.finish(ctx, span, st, raw)
}

// prepare runs stages 1-8: validation, emergency gate, cohort, fan-out,
// retrieval, quality gating, and prompt construction. A non-nil second
// return short-circuits the request.
func (a *UnifiedAgent) prepare(ctx context.Context, span trace.Span, query, sessionID string, history []datatypes.Message) (*pipelineState, *datatypes.UnifiedResponse) {
	query = strings.TrimSpace(query)
	if len(query) < minQueryLen || len(query) > maxQueryLen {
		a.countOutcome("input_invalid")
		return nil, &datatypes.UnifiedResponse{
			Success:   false,
			Answer:    fmt.Sprintf("Please ask a question between %d and %d characters.", minQueryLen, maxQueryLen),
			ErrorType: "input_invalid",
			Priority:  datatypes.PriorityNormal,
		}
	}

	slog.Info("Processing query", "session", sessionID, "length", len(query))

	// Stage 1: emergency gate, before anything touches an LLM.
	if a.opts.Emergency != nil {
		start := time.Now()
		result := a.opts.Emergency.Detect(query)
		a.opts.Metrics.ObserveStage("emergency", start)
		if result != nil {
			a.opts.Metrics.EmergencyHits.WithLabelValues(string(result.Severity)).Inc()
			a.countOutcome("emergency")
			span.SetAttributes(attribute.String("emergency.severity", string(result.Severity)))
			return nil, &datatypes.UnifiedResponse{
				Success:     true,
				Answer:      result.Answer,
				SourcesUsed: []string{"emergency safety guidelines"},
				Priority:    result.Severity,
			}
		}
	}

	st := &pipelineState{query: query, sessionID: sessionID}

	// Stage 2: cohort assignment. The control arm forces the RAG-only
	// prompt regardless of retrieval quality.
	if a.opts.Experiments != nil {
		st.cohort = a.opts.Experiments.Assign(sessionID)
		span.SetAttributes(attribute.String("cohort", string(st.cohort)))
	}

	// Stages 3-5 fan out: personal data and router analysis are
	// independent of each other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st.personalBlock = a.opts.Personal.Load(gctx, sessionID)
		return nil
	})
	g.Go(func() error {
		if a.opts.Router != nil {
			st.routerCtx = a.opts.Router.Route(gctx, query, history)
		} else {
			st.routerCtx = datatypes.FallbackRouterContext()
		}
		return nil
	})
	_ = g.Wait()
	st.glookoAvailable = st.personalBlock != ""

	var primaryDevice devices.Device
	var pumpName, cgmName string
	if a.opts.Devices != nil {
		primaryDevice, _ = a.opts.Devices.Primary()
		if pump, ok := a.opts.Devices.ByType(devices.TypePump); ok {
			pumpName = pump.DisplayName
		}
		if cgm, ok := a.opts.Devices.ByType(devices.TypeCGM); ok {
			cgmName = cgm.DisplayName
		}
	}

	// Stage 6: retrieval.
	retrStart := time.Now()
	st.chunks = a.opts.Retrieval.Retrieve(ctx, query, sessionID, st.routerCtx, pumpName, cgmName)
	a.opts.Metrics.ObserveStage("retrieval", retrStart)
	a.opts.Metrics.ChunksRetrieved.Observe(float64(len(st.chunks)))

	// Stage 7: quality gating.
	st.quality = a.opts.Quality.Assess(st.chunks)
	span.SetAttributes(
		attribute.Int("retrieval.chunks", st.quality.ChunkCount),
		attribute.String("retrieval.coverage", string(st.quality.Coverage)),
	)

	// Stage 8: prompt selection.
	in := prompt.Input{
		Query:             query,
		Chunks:            st.chunks,
		History:           a.loadHistory(sessionID),
		PrimaryDeviceName: primaryDevice.DisplayName,
		PersonalDataBlock: st.personalBlock,
		Units:             a.opts.Units,
	}
	st.ragOnly = st.quality.IsSufficient || st.cohort == datatypes.CohortControl
	if st.ragOnly {
		st.promptText = a.opts.Prompts.BuildRAGOnly(in)
	} else {
		st.promptText = a.opts.Prompts.BuildHybrid(in)
	}
	return st, nil
}

// finish runs stages 10-14 on the raw model output: cleaning,
// observational checks, knowledge breakdown, safety audit, session
// append, and response assembly.
func (a *UnifiedAgent) finish(ctx context.Context, span trace.Span, st *pipelineState, raw string) datatypes.UnifiedResponse {
	answer := cleanResponse(raw)
	a.observeResponse(st.query, st.sessionID, answer)
	breakdown := a.knowledgeBreakdown(st)

	auditStart := time.Now()
	auditIn := safety.AuditInput{
		Query:           st.query,
		Response:        answer,
		SourcesUsed:     st.quality.SourcesCovered,
		RAGQuality:      &st.quality,
		GlookoAvailable: st.glookoAvailable,
	}
	var tier datatypes.SafetyTier
	var action datatypes.TierAction
	var disclaimer string
	requiresEnhanced := true
	if st.ragOnly {
		// Even a RAG-only prompt can produce hedged general-knowledge
		// text; estimate its share and escalate the audit when it
		// crosses the configured threshold.
		auditIn.Enhanced = safety.EstimateParametricRatio(answer) > a.opts.EnhancedCheckThreshold
		requiresEnhanced = auditIn.Enhanced
		result := a.opts.Auditor.AuditText(ctx, auditIn)
		answer, tier, action, disclaimer = result.SafeResponse, result.Tier, result.TierAction, result.TierDisclaimer
	} else {
		result := a.opts.Auditor.AuditHybridResponse(ctx, auditIn, st.chunks)
		answer, tier, action, disclaimer = result.SafeResponse, result.Tier, result.TierAction, result.TierDisclaimer
	}
	a.opts.Metrics.ObserveStage("audit", auditStart)
	a.opts.Metrics.TierDecisions.WithLabelValues(string(tier), string(action)).Inc()
	span.SetAttributes(attribute.String("safety.tier", string(tier)))

	// The session records what the user actually saw, post-audit.
	a.appendExchange(st.sessionID, st.query, answer, string(tier))

	provider, model := a.opts.LLM.Info()
	a.countOutcome("success")

	return datatypes.UnifiedResponse{
		Success:                true,
		Answer:                 answer,
		SourcesUsed:            a.sourcesUsed(st),
		GlookoAvailable:        st.glookoAvailable,
		Disclaimer:             disclaimer,
		Priority:               datatypes.PriorityNormal,
		RAGQuality:             &st.quality,
		RequiresEnhancedSafety: requiresEnhanced,
		KnowledgeBreakdown:     &breakdown,
		LLMInfo:                &datatypes.LLMInfo{Provider: provider, Model: model},
		Cohort:                 st.cohort,
	}
}

// generationFailure maps a terminal provider error to a response. Dosing
// queries get the safety-fallback template so a failed request can never
// leave someone improvising a dose.
func (a *UnifiedAgent) generationFailure(st *pipelineState, err error) datatypes.UnifiedResponse {
	if safety.IsDosingQuery(st.query) {
		if a.opts.Sink != nil && a.opts.Sink.SafetyFallback != nil {
			a.opts.Sink.SafetyFallback.Append(
				time.Now().UTC().Format(time.RFC3339),
				st.sessionID, st.query, err.Error(),
			)
		}
		a.countOutcome("safety_fallback")
		return datatypes.UnifiedResponse{
			Success:    true,
			Answer:     safetyFallbackAnswer,
			Priority:   datatypes.PriorityHigh,
			RAGQuality: &st.quality,
			ErrorType:  "safety_fallback",
			Cohort:     st.cohort,
		}
	}

	slog.Error("Generation failed", "session", st.sessionID, "error", err)
	a.countOutcome("llm_error")
	return datatypes.UnifiedResponse{
		Success:    false,
		Answer:     providerFailureAnswer,
		Priority:   datatypes.PriorityNormal,
		RAGQuality: &st.quality,
		ErrorType:  "llm_unavailable",
		Cohort:     st.cohort,
	}
}

// sourcesUsed names the knowledge categories behind the answer: "rag"
// when retrieved passages fed the prompt, "parametric" when the hybrid
// prompt licensed general knowledge, "glooko" when the personal data
// block was in play.
func (a *UnifiedAgent) sourcesUsed(st *pipelineState) []string {
	var sources []string
	if st.quality.ChunkCount > 0 {
		sources = append(sources, "rag")
	}
	if !st.ragOnly {
		sources = append(sources, "parametric")
	}
	if st.glookoAvailable && prompt.HasDataIntent(st.query) {
		sources = append(sources, "glooko")
	}
	return sources
}

// knowledgeBreakdown derives the source-ratio disclosure from the prompt
// mode and retrieval state.
func (a *UnifiedAgent) knowledgeBreakdown(st *pipelineState) datatypes.KnowledgeBreakdown {
	var b datatypes.KnowledgeBreakdown
	switch {
	case st.ragOnly:
		b.RAGRatio, b.ParametricRatio = 1.0, 0.0
		b.PrimarySourceType = datatypes.SourceRAG
	case st.quality.ChunkCount == 0:
		b.RAGRatio, b.ParametricRatio = 0.4, 0.6
		b.PrimarySourceType = datatypes.SourceParametric
	default:
		b.RAGRatio, b.ParametricRatio = 0.6, 0.4
		b.PrimarySourceType = datatypes.SourceHybrid
	}
	if st.glookoAvailable {
		b.PrimarySourceType = datatypes.SourceGlooko
	}

	b.RAGConfidence = st.quality.AvgConfidence
	b.ParametricConfidence = a.opts.Parametric.ConfidenceScore
	b.BlendedConfidence = b.RAGRatio*b.RAGConfidence + b.ParametricRatio*b.ParametricConfidence
	return b
}

// observeResponse records low-relevancy and low-citation events. Both
// are observational; the response ships regardless.
func (a *UnifiedAgent) observeResponse(query, sessionID, answer string) {
	if a.opts.Sink == nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)

	if overlap := keyTermOverlap(query, answer); overlap < lowRelevancyOverlap {
		if a.opts.Sink.LowRelevancy != nil {
			a.opts.Sink.LowRelevancy.Append(now, sessionID, fmt.Sprintf("%.2f", overlap), query)
		}
	}
	if len(answer) > lowCitationMinLength && countCitations(answer) == 0 {
		if a.opts.Sink.LowCitation != nil {
			a.opts.Sink.LowCitation.Append(now, sessionID,
				fmt.Sprintf("%d", len(answer)), "0")
		}
	}
}

func (a *UnifiedAgent) loadHistory(sessionID string) []datatypes.ConversationExchange {
	if a.opts.Sessions == nil || sessionID == "" {
		return nil
	}
	history, err := a.opts.Sessions.History(sessionID, 5)
	if err != nil {
		slog.Warn("Cannot load session history", "session", sessionID, "error", err)
		return nil
	}
	return history
}

func (a *UnifiedAgent) appendExchange(sessionID, query, answer, classification string) {
	if a.opts.Sessions == nil || sessionID == "" {
		return
	}
	if _, err := a.opts.Sessions.GetOrCreate(sessionID); err != nil {
		slog.Warn("Cannot open session", "session", sessionID, "error", err)
		return
	}
	if err := a.opts.Sessions.AppendExchange(sessionID, query, answer, classification); err != nil {
		slog.Warn("Cannot append session exchange", "session", sessionID, "error", err)
	}
}

func (a *UnifiedAgent) countOutcome(outcome string) {
	a.opts.Metrics.RequestsTotal.WithLabelValues(outcome).Inc()
}
