// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

func newAuditor() *Auditor {
	return NewAuditor(NewTierClassifier(nil), NewHallucinationDetector(nil))
}

func findingCategories(findings []datatypes.SafetyFinding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Category)
	}
	return out
}

func TestAuditText_CleanEducationalResponse(t *testing.T) {
	a := newAuditor()
	result := a.AuditText(context.Background(), AuditInput{
		Query:    "What is time in range?",
		Response: "Time in range measures how often readings sit between your targets.",
	})

	assert.Equal(t, datatypes.TierEducation, result.Tier)
	assert.Equal(t, datatypes.ActionAllow, result.TierAction)
	assert.True(t, strings.HasPrefix(result.SafeResponse, result.OriginalResponse))
	assert.Contains(t, result.SafeResponse, disclaimerEducation)
}

func TestAuditText_DoseStatementReplaced(t *testing.T) {
	a := newAuditor()
	result := a.AuditText(context.Background(), AuditInput{
		Query:    "How does meal timing work for slow meals?",
		Response: "For a meal like that you could take 6 units now and the rest later.",
	})

	assert.Contains(t, result.SafeResponse, doseReplacement)
	assert.NotContains(t, result.SafeResponse, "take 6 units")
	require.NotEmpty(t, result.Findings)
	assert.Equal(t, "specific_dose", result.Findings[0].Category)
	assert.Equal(t, datatypes.SeverityBlocked, result.Findings[0].Severity)
}

func TestAuditText_MultipleDosesReplacedInOrder(t *testing.T) {
	a := newAuditor()
	result := a.AuditText(context.Background(), AuditInput{
		Query:    "How does split dosing work for fatty meals?",
		Response: "Some split it: take 3 units first, then inject 2 units an hour in.",
	})

	assert.Equal(t, 2, strings.Count(result.SafeResponse, doseReplacement))
	assert.NotContains(t, result.SafeResponse, "take 3 units")
	assert.NotContains(t, result.SafeResponse, "inject 2 units")
	// Text between the spans survives.
	assert.Contains(t, result.SafeResponse, "first, then")
}

func TestAuditText_DangerousResponseOverridden(t *testing.T) {
	a := newAuditor()
	result := a.AuditText(context.Background(), AuditInput{
		Query:    "my numbers look good lately",
		Response: "You should stop your insulin.",
	})

	assert.Equal(t, datatypes.TierDangerous, result.Tier)
	assert.Equal(t, datatypes.ActionBlock, result.TierAction)
	assert.Equal(t, dangerousOverride, result.SafeResponse)
	assert.Contains(t, findingCategories(result.Findings), "danger_pattern")
}

func TestAuditText_GuidelineEnrichment(t *testing.T) {
	a := newAuditor()
	result := a.AuditText(context.Background(), AuditInput{
		Query:    "What A1C should adults target?",
		Response: "Most guidance puts the A1C goal below 7% for adults, with hypoglycemia risk shaping individual targets.",
	})

	assert.Contains(t, result.SafeResponse, "Clinical Evidence:")
	assert.Contains(t, result.SafeResponse, "ADA Standards of Care, Section 6: Glycemic Targets")
	assert.Contains(t, result.SafeResponse, "Section 3.1: Hypoglycaemia Management")
}

func TestAuditText_SingleDisclaimer(t *testing.T) {
	a := newAuditor()

	result := a.AuditText(context.Background(), AuditInput{
		Query:    "What is a basal rate?",
		Response: "A basal rate is the background insulin delivery.",
	})
	assert.Equal(t, 1, strings.Count(strings.ToLower(result.SafeResponse), "disclaimer:"))

	// A response already carrying a disclaimer gets no second one.
	withOwn := a.AuditText(context.Background(), AuditInput{
		Query:    "What is a basal rate?",
		Response: "A basal rate is the background insulin delivery.\n\nDisclaimer: educational only.",
	})
	assert.Equal(t, 1, strings.Count(strings.ToLower(withOwn.SafeResponse), "disclaimer:"))
}

func TestAuditText_EnhancedFlagsUnmarkedHedges(t *testing.T) {
	a := newAuditor()
	response := "Generally speaking, exercise improves insulin sensitivity for many hours afterward."

	plain := a.AuditText(context.Background(), AuditInput{Query: "exercise effects", Response: response})
	assert.NotContains(t, findingCategories(plain.Findings), "parametric_violation")

	enhanced := a.AuditText(context.Background(), AuditInput{Query: "exercise effects", Response: response, Enhanced: true})
	assert.Contains(t, findingCategories(enhanced.Findings), "parametric_violation")
}

func TestApplyReplacements(t *testing.T) {
	text := "aaa BBB ccc DDD eee"
	out := applyReplacements(text, []replacement{
		{start: 4, end: 7, text: "[x]"},
		{start: 12, end: 15, text: "[y]"},
	})
	assert.Equal(t, "aaa [x] ccc [y] eee", out)

	// Overlapping spans: the later span in text order is applied, the
	// earlier overlapping one is skipped.
	out = applyReplacements(text, []replacement{
		{start: 4, end: 12, text: "[wide]"},
		{start: 8, end: 15, text: "[late]"},
	})
	assert.Equal(t, "aaa BBB [late] eee", out)
}

func TestExtractParametricClaims(t *testing.T) {
	text := "Cited fact [1]. The honeymoon phase often lasts months [General medical knowledge]. Another cited fact [2]."
	claims := extractParametricClaims(text)
	require.Len(t, claims, 1)
	assert.Contains(t, claims[0].text, "honeymoon phase")
	assert.NotContains(t, claims[0].text, "Cited fact [1]")
}

func TestParametricRatio_Bounds(t *testing.T) {
	assert.Zero(t, EstimateParametricRatio(""))

	allMarked := "Everything here is general knowledge [General medical knowledge]."
	ratio := EstimateParametricRatio(allMarked)
	assert.Greater(t, ratio, 0.9)
	assert.LessOrEqual(t, ratio, 1.0)

	unmarked := "Typically the honeymoon phase lasts several months. Your manual covers pod changes [1]."
	mixed := EstimateParametricRatio(unmarked)
	assert.Greater(t, mixed, 0.0)
	assert.Less(t, mixed, 1.0)

	grounded := "Your manual covers pod changes in section four [1]."
	assert.Zero(t, EstimateParametricRatio(grounded))
}

func TestAuditHybrid_DosingInsideParametricClaimBlocked(t *testing.T) {
	a := newAuditor()
	in := AuditInput{
		Query:    "How do people handle pizza?",
		Response: "Many find splitting works; take 4 units up front [General medical knowledge].",
	}
	result := a.AuditHybridResponse(context.Background(), in, nil)

	assert.Contains(t, findingCategories(result.Findings), "dosing_in_parametric")
	assert.Contains(t, result.SafeResponse, "removed — consult your healthcare")
	assert.NotContains(t, result.SafeResponse, "take 4 units")
}

func TestAuditHybrid_MissingRAGCitation(t *testing.T) {
	a := newAuditor()
	quality := &datatypes.RAGQuality{SourcesCovered: []string{"camaps_fx_manual"}}

	uncited := a.AuditHybridResponse(context.Background(), AuditInput{
		Query:      "what is the honeymoon phase",
		Response:   "The honeymoon phase is a temporary remission [General medical knowledge].",
		RAGQuality: quality,
	}, nil)
	assert.Contains(t, findingCategories(uncited.Findings), "missing_rag_citation")
	assert.False(t, uncited.RAGCitationsFound)

	cited := a.AuditHybridResponse(context.Background(), AuditInput{
		Query:      "what is the honeymoon phase",
		Response:   "Your manual notes this [1]; the honeymoon phase is temporary [General medical knowledge].",
		RAGQuality: quality,
	}, nil)
	assert.NotContains(t, findingCategories(cited.Findings), "missing_rag_citation")
	assert.True(t, cited.RAGCitationsFound)
}

func TestAuditHybrid_InappropriateParametricUse(t *testing.T) {
	a := newAuditor()
	chunks := []datatypes.Chunk{{Source: "camaps_fx_manual", Text: "Boost mode raises delivery.", Confidence: 0.8}}

	result := a.AuditHybridResponse(context.Background(), AuditInput{
		Query:    "How does Boost mode work on my pump?",
		Response: "Typically these systems raise delivery when glucose trends up, and usually settle after meals. Usually that is enough.",
	}, chunks)

	assert.True(t, result.IsDeviceQuery)
	assert.True(t, result.DeviceRAGAvailable)
	assert.True(t, result.InappropriateParametric)
	assert.Contains(t, findingCategories(result.Findings), "inappropriate_parametric_use")
}

func TestAuditHybrid_DeviceQueryGroundedResponseClean(t *testing.T) {
	a := newAuditor()
	chunks := []datatypes.Chunk{{Source: "camaps_fx_manual", Text: "Boost mode raises delivery.", Confidence: 0.8}}

	result := a.AuditHybridResponse(context.Background(), AuditInput{
		Query:      "How does Boost mode work on my pump?",
		Response:   "Boost mode raises delivery while active [1]. Turn it on from the app [1].",
		RAGQuality: &datatypes.RAGQuality{SourcesCovered: []string{"camaps_fx_manual"}},
	}, chunks)

	assert.False(t, result.InappropriateParametric)
	assert.Empty(t, result.ParametricClaims)
	assert.Equal(t, datatypes.ActionAllow, result.TierAction)
}

func TestAuditHybrid_KnowledgeSourcesReflectRetrieval(t *testing.T) {
	a := newAuditor()
	chunks := []datatypes.Chunk{
		{Source: "camaps_fx_manual", Text: "Boost mode raises delivery.", Confidence: 0.8},
		{Source: "camaps_fx_manual", Text: "Boost mode is started from the app.", Confidence: 0.6},
		{Source: "ada_standards", Text: "Automated systems adjust basal delivery.", Confidence: 0.7},
	}

	result := a.AuditHybridResponse(context.Background(), AuditInput{
		Query:    "How does Boost mode work on my pump?",
		Response: "Boost mode raises delivery while active [1].",
	}, chunks)

	// Each retrieved source appears once, at its best confidence.
	assert.Equal(t, map[string]float64{
		"camaps_fx_manual": 0.8,
		"ada_standards":    0.7,
	}, result.KnowledgeSources)

	// No retrieval, no map.
	empty := a.AuditHybridResponse(context.Background(), AuditInput{
		Query:    "what is the honeymoon phase",
		Response: "A temporary remission [General medical knowledge].",
	}, nil)
	assert.Nil(t, empty.KnowledgeSources)
}

func TestEnrichWithGuidelines_NoTopicsNoBlock(t *testing.T) {
	out := enrichWithGuidelines("Carbohydrates raise glucose.")
	assert.NotContains(t, out, "Clinical Evidence:")
}
