// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/glycoassist/services/assistant/audit"
	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
	"github.com/AleutianAI/glycoassist/services/assistant/experiment"
	"github.com/AleutianAI/glycoassist/services/assistant/knowledge"
	"github.com/AleutianAI/glycoassist/services/assistant/retrieval"
	"github.com/AleutianAI/glycoassist/services/assistant/safety"
	"github.com/AleutianAI/glycoassist/services/assistant/session"
	"github.com/AleutianAI/glycoassist/services/llm"
)

// staticLoader serves a fixed personal-data block to every session.
type staticLoader string

func (s staticLoader) Load(context.Context, string) string { return string(s) }

func sufficientChunks() []datatypes.Chunk {
	return []datatypes.Chunk{
		{Source: "ada_standards", Text: "Most adults with type 1 diabetes are advised to target an A1C below 7%.", Confidence: 0.9},
		{Source: "ada_standards", Text: "Glycemic targets are individualized by hypoglycemia risk and history.", Confidence: 0.8},
		{Source: "nice_guidelines", Text: "Adults should agree glycemic targets with their care team.", Confidence: 0.75},
	}
}

func newTestAgent(t *testing.T, mock *llm.MockClient, store *knowledge.FakeStore, mutate func(*Options)) *UnifiedAgent {
	t.Helper()
	opts := Options{
		LLM:       mock,
		Retrieval: retrieval.NewCoordinator(store, nil),
		Quality:   retrieval.NewQualityAssessor(retrieval.DefaultQualityThresholds()),
		Emergency: safety.NewEmergencyDetector(safety.DefaultSeverityThresholds(), safety.Templates{}, nil),
	}
	if mutate != nil {
		mutate(&opts)
	}
	a, err := NewUnifiedAgent(opts)
	require.NoError(t, err)
	return a
}

func TestProcess_SufficientRetrievalAnswersFromSources(t *testing.T) {
	mock := llm.NewMockClient(
		"Most adults are advised to keep A1C below 7% [1], with targets set together with your care team [2].")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(sufficientChunks()...), nil)

	resp := a.Process(context.Background(), "What A1C target do guidelines recommend for adults?", "sess-1", nil)

	require.True(t, resp.Success)
	assert.Equal(t, int64(1), mock.Calls())
	assert.Equal(t, []string{"rag"}, resp.SourcesUsed)
	assert.False(t, resp.RequiresEnhancedSafety)
	assert.Contains(t, resp.Answer, "[1]")
	assert.Contains(t, resp.Answer, "Disclaimer:")
	assert.Equal(t, datatypes.PriorityNormal, resp.Priority)

	require.NotNil(t, resp.KnowledgeBreakdown)
	assert.Equal(t, 1.0, resp.KnowledgeBreakdown.RAGRatio)
	assert.Equal(t, datatypes.SourceRAG, resp.KnowledgeBreakdown.PrimarySourceType)

	require.NotNil(t, resp.RAGQuality)
	assert.True(t, resp.RAGQuality.IsSufficient)
}

func TestProcess_EmergencyShortCircuitsBeforeLLM(t *testing.T) {
	dir := t.TempDir()
	sink, err := audit.NewSink(dir)
	require.NoError(t, err)

	mock := llm.NewMockClient("should never be used")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(), func(o *Options) {
		o.Emergency = safety.NewEmergencyDetector(safety.DefaultSeverityThresholds(), safety.Templates{}, sink)
		o.Sink = sink
	})

	resp := a.Process(context.Background(), "My son is unconscious and having a seizure, should I call 911?", "sess-1", nil)
	sink.Close()

	assert.Zero(t, mock.Calls())
	require.True(t, resp.Success)
	assert.Equal(t, datatypes.PriorityCritical, resp.Priority)
	assert.Equal(t, []string{"emergency safety guidelines"}, resp.SourcesUsed)
	assert.Contains(t, resp.Answer, "emergency")

	f, err := os.Open(filepath.Join(dir, "analysis", audit.FileEmergencyQueries))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Contains(t, rows[1][1], "unconscious")
}

func TestProcess_DosingQueryBlocked(t *testing.T) {
	mock := llm.NewMockClient("Take 6 units for 60 grams of carbs.")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(sufficientChunks()...), nil)

	resp := a.Process(context.Background(), "How much insulin should I take for 60 grams of carbs?", "sess-1", nil)

	require.True(t, resp.Success)
	assert.NotContains(t, resp.Answer, "6 units")
	assert.Contains(t, resp.Answer, "bolus calculator")
}

func TestProcess_DosingQueryProviderFailureUsesSafetyFallback(t *testing.T) {
	dir := t.TempDir()
	sink, err := audit.NewSink(dir)
	require.NoError(t, err)

	mock := llm.NewMockClient()
	mock.Err = fmt.Errorf("provider unavailable")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(), func(o *Options) { o.Sink = sink })

	resp := a.Process(context.Background(), "How many units should I take for this meal?", "sess-1", nil)
	sink.Close()

	require.True(t, resp.Success)
	assert.Equal(t, "safety_fallback", resp.ErrorType)
	assert.Equal(t, safetyFallbackAnswer, resp.Answer)
	assert.Equal(t, datatypes.PriorityHigh, resp.Priority)

	f, err := os.Open(filepath.Join(dir, "analysis", audit.FileSafetyFallback))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Contains(t, rows[1][2], "units")
}

func TestProcess_ProviderFailureOnOrdinaryQuery(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Err = fmt.Errorf("provider unavailable")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(), nil)

	resp := a.Process(context.Background(), "What is the dawn phenomenon?", "sess-1", nil)

	assert.False(t, resp.Success)
	assert.Equal(t, "llm_unavailable", resp.ErrorType)
	assert.Equal(t, providerFailureAnswer, resp.Answer)
}

func TestProcess_SparseRetrievalFallsBackToGeneralKnowledge(t *testing.T) {
	mock := llm.NewMockClient(
		"The honeymoon phase is a temporary period of reduced insulin need after diagnosis [General medical knowledge].")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(), nil)

	resp := a.Process(context.Background(), "What is the honeymoon phase?", "sess-1", nil)

	require.True(t, resp.Success)
	assert.Equal(t, []string{"parametric"}, resp.SourcesUsed)
	assert.True(t, resp.RequiresEnhancedSafety)
	assert.Contains(t, resp.Answer, "[General medical knowledge]")

	require.NotNil(t, resp.KnowledgeBreakdown)
	assert.Equal(t, 0.4, resp.KnowledgeBreakdown.RAGRatio)
	assert.Equal(t, 0.6, resp.KnowledgeBreakdown.ParametricRatio)
	assert.Equal(t, datatypes.SourceParametric, resp.KnowledgeBreakdown.PrimarySourceType)
}

func TestProcess_PartialRetrievalBlendsSources(t *testing.T) {
	store := knowledge.NewFakeStore(
		datatypes.Chunk{Source: "exercise_guidelines", Text: "Aerobic exercise raises insulin sensitivity.", Confidence: 0.8},
		datatypes.Chunk{Source: "exercise_guidelines", Text: "Glucose should be checked before starting activity.", Confidence: 0.8},
	)
	mock := llm.NewMockClient(
		"Aerobic exercise raises insulin sensitivity [1]; many add carbohydrate before long sessions [General medical knowledge].")
	a := newTestAgent(t, mock, store, nil)

	resp := a.Process(context.Background(), "How does exercise affect insulin sensitivity?", "sess-1", nil)

	require.True(t, resp.Success)
	assert.Equal(t, []string{"rag", "parametric"}, resp.SourcesUsed)
	assert.True(t, resp.RequiresEnhancedSafety)

	require.NotNil(t, resp.KnowledgeBreakdown)
	assert.Equal(t, 0.6, resp.KnowledgeBreakdown.RAGRatio)
	assert.Equal(t, datatypes.SourceHybrid, resp.KnowledgeBreakdown.PrimarySourceType)
}

func TestProcess_InputBounds(t *testing.T) {
	mock := llm.NewMockClient("unused")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(), nil)

	for _, q := range []string{"hi", strings.Repeat("a", maxQueryLen+1), "   "} {
		resp := a.Process(context.Background(), q, "sess-1", nil)
		assert.False(t, resp.Success)
		assert.Equal(t, "input_invalid", resp.ErrorType)
	}
	assert.Zero(t, mock.Calls())
}

func TestProcess_ControlCohortForcesRetrievedOnlyPrompt(t *testing.T) {
	manager, err := experiment.NewManager(t.TempDir())
	require.NoError(t, err)
	defer manager.Close()

	// Assignment is a hash of the session ID; probe for a control session.
	controlSession := ""
	for i := 0; i < 256; i++ {
		id := fmt.Sprintf("sess-%d", i)
		if manager.Assign(id) == datatypes.CohortControl {
			controlSession = id
			break
		}
	}
	require.NotEmpty(t, controlSession)

	mock := llm.NewMockClient("Checking your infusion site is a good first step.")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(), func(o *Options) { o.Experiments = manager })

	resp := a.Process(context.Background(), "Why is my glucose high after site changes?", controlSession, nil)

	require.True(t, resp.Success)
	assert.Equal(t, datatypes.CohortControl, resp.Cohort)
	assert.NotContains(t, resp.SourcesUsed, "parametric")
	require.NotNil(t, resp.KnowledgeBreakdown)
	assert.Equal(t, 1.0, resp.KnowledgeBreakdown.RAGRatio)
}

func TestProcess_PersonalDataReachesResponseMetadata(t *testing.T) {
	mock := llm.NewMockClient("Your average glucose over the recent period has been in range [Glooko].")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(sufficientChunks()...), func(o *Options) {
		o.Personal = staticLoader("Average glucose: 148 mg/dL\nTime in range: 72%")
	})

	resp := a.Process(context.Background(), "What has my average glucose been this week?", "sess-1", nil)

	require.True(t, resp.Success)
	assert.True(t, resp.GlookoAvailable)
	assert.Contains(t, resp.SourcesUsed, "glooko")
	assert.Contains(t, resp.SourcesUsed, "rag")
	require.NotNil(t, resp.KnowledgeBreakdown)
	assert.Equal(t, datatypes.SourceGlooko, resp.KnowledgeBreakdown.PrimarySourceType)
}

func TestProcess_SessionRecordsAuditedResponse(t *testing.T) {
	sessions, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	mock := llm.NewMockClient(
		"For a slow meal you could take 6 units now and more later.",
		"Extended boluses spread delivery over time.")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(sufficientChunks()...), func(o *Options) {
		o.Sessions = sessions
	})

	first := a.Process(context.Background(), "How does meal timing work for slow meals?", "sess-1", nil)
	require.True(t, first.Success)
	second := a.Process(context.Background(), "How does an extended bolus work for fatty meals?", "sess-1", nil)
	require.True(t, second.Success)

	history, err := sessions.History("sess-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// The stored exchange is what the user saw, with dose text replaced.
	assert.Equal(t, "How does meal timing work for slow meals?", history[0].Query)
	assert.NotContains(t, history[0].Response, "take 6 units")
	assert.Contains(t, history[0].Response, "dose removed")
	assert.Equal(t, "How does an extended bolus work for fatty meals?", history[1].Query)
}

func TestProcessStream_TokensThenAuditedFinal(t *testing.T) {
	raw := "Most adults are advised to keep A1C below 7% [1], with targets set together with your care team [2]."
	mock := llm.NewMockClient(raw)
	a := newTestAgent(t, mock, knowledge.NewFakeStore(sufficientChunks()...), nil)

	var tokens strings.Builder
	var final *datatypes.UnifiedResponse
	for ev := range a.ProcessStream(context.Background(), "What A1C target do guidelines recommend for adults?", "sess-1", nil) {
		if ev.Final != nil {
			final = ev.Final
			continue
		}
		tokens.WriteString(ev.Token)
	}

	assert.Equal(t, raw, tokens.String())
	require.NotNil(t, final)
	require.True(t, final.Success)
	assert.Contains(t, final.Answer, "Disclaimer:")
}

func TestProcessStream_EmergencyEmitsAnswerAndFinal(t *testing.T) {
	mock := llm.NewMockClient("should never be used")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(), nil)

	var events []StreamEvent
	for ev := range a.ProcessStream(context.Background(), "He's unconscious, had a seizure, do I call 911?", "sess-1", nil) {
		events = append(events, ev)
	}

	assert.Zero(t, mock.Calls())
	require.Len(t, events, 2)
	final := events[1].Final
	require.NotNil(t, final)
	assert.Equal(t, events[0].Token, final.Answer)
	assert.Equal(t, datatypes.PriorityCritical, final.Priority)
}

func TestProcessStream_ProviderFailureStillEmitsFinal(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Err = fmt.Errorf("provider unavailable")
	a := newTestAgent(t, mock, knowledge.NewFakeStore(), nil)

	var final *datatypes.UnifiedResponse
	for ev := range a.ProcessStream(context.Background(), "What is the dawn phenomenon?", "sess-1", nil) {
		if ev.Final != nil {
			final = ev.Final
		}
	}

	require.NotNil(t, final)
	assert.False(t, final.Success)
	assert.Equal(t, "llm_unavailable", final.ErrorType)
}
