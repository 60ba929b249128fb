// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package personalization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), Config{})
}

func TestApplyDeviceBoost(t *testing.T) {
	m := newTestManager(t)
	chunks := []datatypes.Chunk{
		{Source: "dana_i_manual", Confidence: 0.6},
		{Source: "ada_standards", Confidence: 0.9},
		{Source: "dexcom_g7", Confidence: 0.7},
	}

	boosted := m.ApplyDeviceBoost(chunks, "Dana", "Dexcom")
	assert.InDelta(t, 0.8, boosted[0].Confidence, 1e-9)
	assert.InDelta(t, 0.9, boosted[1].Confidence, 1e-9) // no manufacturer match
	assert.InDelta(t, 0.9, boosted[2].Confidence, 1e-9)

	// Input slice untouched.
	assert.InDelta(t, 0.6, chunks[0].Confidence, 1e-9)
}

func TestApplyDeviceBoost_ClampsToOne(t *testing.T) {
	m := newTestManager(t)
	chunks := []datatypes.Chunk{{Source: "dana_i_manual", Confidence: 0.95}}

	boosted := m.ApplyDeviceBoost(chunks, "Dana", "")
	assert.InDelta(t, 1.0, boosted[0].Confidence, 1e-9)
}

func TestApplyDeviceBoost_Idempotent(t *testing.T) {
	// Mid-range confidences are the interesting case: without the
	// boosted mark a second pass would stack another boost on top.
	m := newTestManager(t)
	chunks := []datatypes.Chunk{{Source: "dana_i_manual", Confidence: 0.5}}

	once := m.ApplyDeviceBoost(chunks, "Dana", "")
	twice := m.ApplyDeviceBoost(once, "Dana", "")
	assert.InDelta(t, 0.7, once[0].Confidence, 1e-9)
	assert.Equal(t, once[0].Confidence, twice[0].Confidence)
	assert.True(t, twice[0].Boosted)

	// The same holds at the clamp boundary.
	capped := m.ApplyDeviceBoost([]datatypes.Chunk{{Source: "dana_i_manual", Confidence: 0.9}}, "Dana", "")
	recapped := m.ApplyDeviceBoost(capped, "Dana", "")
	assert.InDelta(t, 1.0, recapped[0].Confidence, 1e-9)
	assert.Equal(t, capped[0].Confidence, recapped[0].Confidence)
}

func TestApplyDeviceBoost_NoManufacturers(t *testing.T) {
	m := newTestManager(t)
	chunks := []datatypes.Chunk{{Source: "dana_i_manual", Confidence: 0.6}}

	boosted := m.ApplyDeviceBoost(chunks, "", "")
	assert.InDelta(t, 0.6, boosted[0].Confidence, 1e-9)
}

func TestEffectiveRate_MonotonicallyNonIncreasing(t *testing.T) {
	m := newTestManager(t)
	prev := m.EffectiveRate(0)
	assert.InDelta(t, DefaultLearningRate, prev, 1e-9)
	for n := 1; n <= 50; n++ {
		rate := m.EffectiveRate(n)
		assert.LessOrEqual(t, rate, prev, "n=%d", n)
		prev = rate
	}
	// With the default decay the rate has decayed meaningfully by n=30.
	assert.Less(t, m.EffectiveRate(30), 0.026)
}

func TestRecordFeedback(t *testing.T) {
	m := newTestManager(t)

	state, err := m.RecordFeedback("sess-1", "pump", "Dana", 1)
	require.NoError(t, err)
	assert.InDelta(t, DefaultLearningRate, state.CurrentBoost, 1e-9)
	assert.Equal(t, 1, state.FeedbackCount)
	require.Len(t, state.History, 1)

	// The second positive feedback moves the boost by a smaller step.
	state, err = m.RecordFeedback("sess-1", "pump", "Dana", 1)
	require.NoError(t, err)
	step := state.History[1].NewBoost - state.History[0].NewBoost
	assert.Less(t, step, DefaultLearningRate)

	boost, err := m.CurrentBoost("sess-1", "pump", "Dana")
	require.NoError(t, err)
	assert.InDelta(t, state.CurrentBoost, boost, 1e-9)
}

func TestRecordFeedback_ClampsToRange(t *testing.T) {
	m := newTestManager(t)

	// Negative feedback from zero stays at zero.
	state, err := m.RecordFeedback("sess-1", "pump", "Dana", -1)
	require.NoError(t, err)
	assert.Zero(t, state.CurrentBoost)

	// Repeated positive feedback never exceeds the cap.
	for i := 0; i < 40; i++ {
		state, err = m.RecordFeedback("sess-1", "pump", "Dana", 1)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, state.CurrentBoost, DefaultMaxBoost)
}

func TestRecordFeedback_StatesAreIndependent(t *testing.T) {
	m := newTestManager(t)

	_, err := m.RecordFeedback("sess-1", "pump", "Dana", 1)
	require.NoError(t, err)

	boost, err := m.CurrentBoost("sess-1", "cgm", "Dexcom")
	require.NoError(t, err)
	assert.Zero(t, boost)

	boost, err = m.CurrentBoost("sess-2", "pump", "Dana")
	require.NoError(t, err)
	assert.Zero(t, boost)
}
