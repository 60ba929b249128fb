// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the assistant
// query pipeline: retrieved chunks, router analysis, retrieval quality,
// safety findings, tier decisions, and the unified response shape.
//
// All enum-like values are closed string types with an Unknown fallback;
// JSON produced by the router LLM is parsed into these types and any
// unrecognized value degrades to the Unknown member rather than erroring.
package datatypes

import (
	"strings"
	"time"
)

// =============================================================================
// Retrieval
// =============================================================================

// Chunk is a single retrieved passage from the knowledge store.
//
// Chunks are immutable once produced. The personalization layer returns
// adjusted copies rather than mutating confidence in place.
type Chunk struct {
	// Text is the passage body. Never empty for a valid chunk.
	Text string `json:"text"`

	// Source is the stable collection identifier the chunk came from.
	Source string `json:"source"`

	// Page is the page number within the source document, when known.
	Page int `json:"page,omitempty"`

	// Confidence is the retrieval confidence in [0, 1], derived from
	// cosine distance as 1 - distance/2.
	Confidence float64 `json:"confidence"`

	// Boosted records that the device-affinity boost has been applied,
	// so a second boost pass leaves the confidence unchanged.
	Boosted bool `json:"boosted,omitempty"`
}

// CollectionInfo describes one indexed collection in the knowledge store.
type CollectionInfo struct {
	Name        string    `json:"name"`
	ChunkCount  int       `json:"chunk_count"`
	LastIndexed time.Time `json:"last_indexed"`
}

// =============================================================================
// Router
// =============================================================================

// AutomationMode classifies whether the user's insulin delivery is driven
// by a closed-loop algorithm or programmed manually.
type AutomationMode string

const (
	AutomationAutomated AutomationMode = "automated"
	AutomationManual    AutomationMode = "manual"
	AutomationUnknown   AutomationMode = "unknown"
)

// ParseAutomationMode maps router output onto the closed enum.
// Unrecognized values degrade to AutomationUnknown.
func ParseAutomationMode(s string) AutomationMode {
	switch AutomationMode(strings.ToLower(strings.TrimSpace(s))) {
	case AutomationAutomated:
		return AutomationAutomated
	case AutomationManual:
		return AutomationManual
	default:
		return AutomationUnknown
	}
}

// InteractionLayer identifies which part of the user's device stack a
// query is about. Closed-loop users mostly interact with the algorithm
// app, not the pump hardware.
type InteractionLayer string

const (
	LayerPumpHardware InteractionLayer = "pump_hardware"
	LayerAlgorithmApp InteractionLayer = "algorithm_app"
	LayerCGMSensor    InteractionLayer = "cgm_sensor"
	LayerMultiple     InteractionLayer = "multiple"
	LayerUnknown      InteractionLayer = "unknown"
)

// ParseInteractionLayer maps router output onto the closed enum.
func ParseInteractionLayer(s string) InteractionLayer {
	switch InteractionLayer(strings.ToLower(strings.TrimSpace(s))) {
	case LayerPumpHardware:
		return LayerPumpHardware
	case LayerAlgorithmApp:
		return LayerAlgorithmApp
	case LayerCGMSensor:
		return LayerCGMSensor
	case LayerMultiple:
		return LayerMultiple
	default:
		return LayerUnknown
	}
}

// RouterContext is the structured analysis of a single query.
//
// Produced once per request by the router and read-only afterward.
//
// Invariant: when AutomationMode is AutomationAutomated, ExcludeSources
// contains at least one manual-bolus or extended-bolus term. The router
// prompt enforces this and FallbackRouterContext never claims automation.
type RouterContext struct {
	DevicesMentioned []string         `json:"devices_mentioned"`
	AutomationMode   AutomationMode   `json:"automation_mode"`
	InteractionLayer InteractionLayer `json:"interaction_layer"`
	UserIntent       string           `json:"user_intent"`
	KeyConstraints   []string         `json:"key_constraints"`
	TemporalContext  string           `json:"temporal_context,omitempty"`
	SuggestedSources []string         `json:"suggested_sources"`
	ExcludeSources   []string         `json:"exclude_sources"`
	Confidence       float64          `json:"confidence"`
	Reasoning        string           `json:"reasoning"`
}

// FallbackRouterContext is the degraded analysis used when the router LLM
// fails or returns unparseable JSON. Routing must never fail the request.
func FallbackRouterContext() *RouterContext {
	return &RouterContext{
		AutomationMode:   AutomationUnknown,
		InteractionLayer: LayerUnknown,
		Confidence:       0,
		Reasoning:        "router unavailable; proceeding without query analysis",
	}
}

// =============================================================================
// Retrieval quality
// =============================================================================

// Coverage grades how well retrieval covered the query topic.
type Coverage string

const (
	CoverageSufficient Coverage = "sufficient"
	CoveragePartial    Coverage = "partial"
	CoverageSparse     Coverage = "sparse"
)

// RAGQuality summarizes a retrieval result for gating decisions.
type RAGQuality struct {
	ChunkCount      int      `json:"chunk_count"`
	AvgConfidence   float64  `json:"avg_confidence"`
	MaxConfidence   float64  `json:"max_confidence"`
	MinConfidence   float64  `json:"min_confidence"`
	SourcesCovered  []string `json:"sources_covered"`
	SourceDiversity int      `json:"source_diversity"`
	Coverage        Coverage `json:"coverage"`

	// IsSufficient is the gating predicate: chunkCount >= minChunks AND
	// avgConfidence >= minConfidence AND sourceDiversity >= minSources.
	IsSufficient bool `json:"is_sufficient"`
}

// =============================================================================
// Knowledge breakdown
// =============================================================================

// PrimarySourceType names the dominant knowledge source of a response.
type PrimarySourceType string

const (
	SourceRAG        PrimarySourceType = "rag"
	SourceParametric PrimarySourceType = "parametric"
	SourceHybrid     PrimarySourceType = "hybrid"
	SourceGlooko     PrimarySourceType = "glooko"
)

// KnowledgeBreakdown discloses how a response was composed.
//
// RAGRatio and ParametricRatio always sum to 1.
type KnowledgeBreakdown struct {
	RAGConfidence        float64           `json:"rag_confidence"`
	ParametricConfidence float64           `json:"parametric_confidence"`
	BlendedConfidence    float64           `json:"blended_confidence"`
	RAGRatio             float64           `json:"rag_ratio"`
	ParametricRatio      float64           `json:"parametric_ratio"`
	PrimarySourceType    PrimarySourceType `json:"primary_source_type"`
}

// =============================================================================
// Safety
// =============================================================================

// Severity grades a single safety finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityBlocked Severity = "blocked"
)

// SafetyFinding is one detection from the safety audit.
//
// Findings with SeverityBlocked and a non-empty ReplacementText cause an
// in-place substitution of OriginalText in the response body.
type SafetyFinding struct {
	Severity        Severity `json:"severity"`
	Category        string   `json:"category"`
	OriginalText    string   `json:"original_text"`
	ReplacementText string   `json:"replacement_text,omitempty"`
	Reason          string   `json:"reason"`
}

// SafetyTier is the evidence-graded classification of a response.
type SafetyTier string

const (
	// TierEducation is general, evidence-based education. Always allowed.
	TierEducation SafetyTier = "T1"

	// TierPersonalized is personalized guidance with a small testable
	// adjustment. Allowed with a monitoring disclaimer.
	TierPersonalized SafetyTier = "T2"

	// TierClinical is a clinical decision that belongs to the user's
	// care team. Deferred.
	TierClinical SafetyTier = "T3"

	// TierDangerous is dangerous content. Blocked and overridden.
	TierDangerous SafetyTier = "T4"
)

// TierAction is the gate outcome attached to a tier.
type TierAction string

const (
	ActionAllow TierAction = "allow"
	ActionDefer TierAction = "defer"
	ActionBlock TierAction = "block"
)

// TierDecision is the outcome of safety tier classification.
type TierDecision struct {
	Tier         SafetyTier `json:"tier"`
	Action       TierAction `json:"action"`
	Reason       string     `json:"reason"`
	Disclaimer   string     `json:"disclaimer"`
	EvidenceTags []string   `json:"evidence_tags,omitempty"`

	// OverrideResponse replaces the response body when Action is not
	// ActionAllow and this field is non-empty.
	OverrideResponse string `json:"override_response,omitempty"`
}

// AuditResult is the outcome of auditing a non-hybrid response.
type AuditResult struct {
	Query            string          `json:"query"`
	OriginalResponse string          `json:"original_response"`
	SafeResponse     string          `json:"safe_response"`
	Findings         []SafetyFinding `json:"findings"`
	Tier             SafetyTier      `json:"tier"`
	TierAction       TierAction      `json:"tier_action"`
	TierDisclaimer   string          `json:"tier_disclaimer"`
}

// HybridAuditResult extends AuditResult for responses generated under the
// hybrid prompt, where parametric knowledge is explicitly permitted.
type HybridAuditResult struct {
	AuditResult

	KnowledgeSources          map[string]float64 `json:"knowledge_sources,omitempty"`
	ParametricClaims          []string           `json:"parametric_claims,omitempty"`
	RAGCitationsFound         bool               `json:"rag_citations_found"`
	ParametricRatio           float64            `json:"parametric_ratio"`
	IsDeviceQuery             bool               `json:"is_device_query"`
	DeviceRAGAvailable        bool               `json:"device_rag_available"`
	InappropriateParametric   bool               `json:"inappropriate_parametric_use"`
	HallucinationFindings     []SafetyFinding    `json:"hallucination_findings,omitempty"`
}

// =============================================================================
// Response
// =============================================================================

// Priority marks the urgency of a response for the caller.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Cohort is an A/B experiment bucket.
type Cohort string

const (
	// CohortControl forces the RAG-only prompt even on sparse retrieval.
	CohortControl Cohort = "control"

	// CohortTreatment uses retrieval quality to select the prompt mode.
	CohortTreatment Cohort = "treatment"
)

// LLMInfo reports which backend produced a response.
type LLMInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// UnifiedResponse is the final user-visible pipeline result.
type UnifiedResponse struct {
	Success                   bool                `json:"success"`
	Answer                    string              `json:"answer"`
	SourcesUsed               []string            `json:"sources_used"`
	GlookoAvailable           bool                `json:"glooko_available"`
	Disclaimer                string              `json:"disclaimer,omitempty"`
	Priority                  Priority            `json:"priority"`
	RAGQuality                *RAGQuality         `json:"rag_quality,omitempty"`
	RequiresEnhancedSafety    bool                `json:"requires_enhanced_safety_check"`
	KnowledgeBreakdown        *KnowledgeBreakdown `json:"knowledge_breakdown,omitempty"`
	LLMInfo                   *LLMInfo            `json:"llm_info,omitempty"`
	ErrorType                 string              `json:"error_type,omitempty"`
	Cohort                    Cohort              `json:"cohort,omitempty"`
}

// =============================================================================
// Sessions
// =============================================================================

// ConversationExchange is one (query, response) row in a session log.
type ConversationExchange struct {
	Query          string    `json:"query"`
	Response       string    `json:"response"`
	Classification string    `json:"classification,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Message is a single turn of conversation history supplied by a caller.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
