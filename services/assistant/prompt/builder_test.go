// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
	"github.com/AleutianAI/glycoassist/services/assistant/units"
)

func sampleChunks() []datatypes.Chunk {
	return []datatypes.Chunk{
		{Text: "A1C targets for most adults are below 7%.", Source: "ada_standards", Confidence: 0.9},
		{Text: "Boost mode raises insulin delivery.", Source: "camaps_fx_manual", Confidence: 0.8},
		{Text: "Individualized targets apply to older adults.", Source: "ada_standards", Confidence: 0.7},
	}
}

func TestBuildRAGOnly(t *testing.T) {
	b := NewBuilder()
	out := b.BuildRAGOnly(Input{
		Query:             "What A1C target should most adults aim for?",
		Chunks:            sampleChunks(),
		PrimaryDeviceName: "CamAPS FX",
	})

	assert.Contains(t, out, "RETRIEVED INFORMATION:")
	assert.Contains(t, out, "A1C targets for most adults")
	assert.Contains(t, out, "Answer ONLY from the retrieved information")
	assert.Contains(t, out, "The user's primary device is the CamAPS FX.")
	assert.Contains(t, out, "USER QUESTION: What A1C target should most adults aim for?")
	assert.NotContains(t, out, "[General medical knowledge]")
}

func TestBuildRAGOnly_SourceIndexDeduplicated(t *testing.T) {
	b := NewBuilder()
	out := b.BuildRAGOnly(Input{Query: "q", Chunks: sampleChunks()})

	assert.Contains(t, out, "[1] ada_standards (confidence 0.90)")
	assert.Contains(t, out, "[2] camaps_fx_manual (confidence 0.80)")
	assert.NotContains(t, out, "[3]")
}

func TestBuildHybrid(t *testing.T) {
	b := NewBuilder()
	out := b.BuildHybrid(Input{Query: "What is the honeymoon phase?"})

	assert.Contains(t, out, "(no relevant passages were retrieved)")
	assert.Contains(t, out, "[General medical knowledge]")
	assert.Contains(t, out, "PROHIBITIONS")
	assert.Contains(t, out, "Never state insulin dose numbers")
}

func TestWritePreamble_Units(t *testing.T) {
	b := NewBuilder()

	mgdl := b.BuildRAGOnly(Input{Query: "q", Units: units.UnitConfig{Unit: units.UnitMgdl}})
	assert.Contains(t, mgdl, "Express glucose values in mg/dL")
	assert.Contains(t, mgdl, "70 mg/dL to 180 mg/dL")

	mmol := b.BuildRAGOnly(Input{Query: "q", Units: units.UnitConfig{Unit: units.UnitMmol}})
	assert.Contains(t, mmol, "Express glucose values in mmol/L")
	assert.Contains(t, mmol, "3.9 mmol/L to 10.0 mmol/L")

	// The zero value falls back to mg/dL rather than printing nothing.
	zero := b.BuildRAGOnly(Input{Query: "q"})
	assert.Contains(t, zero, "Express glucose values in mg/dL")
}

func TestPersonalDataRequiresDataIntent(t *testing.T) {
	b := NewBuilder()
	block := "Average glucose last 14 days: 154 mg/dL"

	withIntent := b.BuildRAGOnly(Input{
		Query:             "What was my average glucose last week?",
		PersonalDataBlock: block,
	})
	assert.Contains(t, withIntent, "USER'S DIABETES DATA:")
	assert.Contains(t, withIntent, block)
	assert.Contains(t, withIntent, "[Glooko]")

	noIntent := b.BuildRAGOnly(Input{
		Query:             "How does the infusion set attach?",
		PersonalDataBlock: block,
	})
	assert.NotContains(t, noIntent, "USER'S DIABETES DATA:")
	assert.NotContains(t, noIntent, "[Glooko]")
}

func TestHasDataIntent(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"what was my average glucose", true},
		{"show me time in range trends", true},
		{"what is my a1c trend", true},
		{"how do I change the pod", false},
		{"explain dawn phenomenon", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, HasDataIntent(tt.query))
		})
	}
}

func TestWriteHistory_TruncatesAndBounds(t *testing.T) {
	b := NewBuilder()
	long := strings.Repeat("r", historyResponseLimit+100)
	var history []datatypes.ConversationExchange
	for i := 0; i < maxHistoryExchanges+2; i++ {
		history = append(history, datatypes.ConversationExchange{Query: "q", Response: long})
	}
	history[0].Query = "the dropped question"

	out := b.BuildRAGOnly(Input{Query: "q", History: history})
	assert.Contains(t, out, "CONVERSATION SO FAR:")
	assert.NotContains(t, out, "the dropped question")
	assert.Equal(t, maxHistoryExchanges, strings.Count(out, long[:historyResponseLimit]+"..."))
}

func TestWriteChunks_Truncates(t *testing.T) {
	b := NewBuilder()
	long := strings.Repeat("x", chunkTextLimit+50)
	out := b.BuildRAGOnly(Input{
		Query:  "q",
		Chunks: []datatypes.Chunk{{Text: long, Source: "s", Confidence: 0.9}},
	})

	require.Contains(t, out, long[:chunkTextLimit]+"...")
	assert.NotContains(t, out, long)
}
