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
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/glycoassist/services/assistant/audit"
	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

func newDetector() *EmergencyDetector {
	return NewEmergencyDetector(DefaultSeverityThresholds(), Templates{}, nil)
}

func TestDetect_NoEmergency(t *testing.T) {
	d := newDetector()
	for _, q := range []string{
		"What is the dawn phenomenon?",
		"How do I change my infusion set?",
		"Why does pizza spike my glucose?",
	} {
		assert.Nil(t, d.Detect(q), q)
	}
}

func TestDetect_SeverityScaling(t *testing.T) {
	d := newDetector()

	tests := []struct {
		name     string
		query    string
		severity datatypes.Priority
	}{
		{
			name:     "one pattern is medium",
			query:    "my friend had a seizure yesterday, what now?",
			severity: datatypes.PriorityMedium,
		},
		{
			name:     "two patterns is high",
			query:    "she had a seizure and now she's not responding",
			severity: datatypes.PriorityHigh,
		},
		{
			name:     "three patterns is critical",
			query:    "he's unconscious, had a seizure, chest pain too",
			severity: datatypes.PriorityCritical,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := d.Detect(tt.query)
			require.NotNil(t, result)
			assert.Equal(t, tt.severity, result.Severity)
			assert.NotEmpty(t, result.Keywords)
			assert.Contains(t, result.Answer, "emergency services")
		})
	}
}

func TestDetect_BoundaryTakesHigherSeverity(t *testing.T) {
	// Two matches score 2/3 ≈ 0.667, which sits exactly at the critical
	// threshold when configured as 2.0/3 — the boundary goes up, not down.
	d := NewEmergencyDetector(SeverityThresholds{Critical: 2.0 / 3, High: 0.5, Medium: 0.33}, Templates{}, nil)

	result := d.Detect("she had a seizure and now she's unresponsive")
	require.NotNil(t, result)
	assert.Equal(t, datatypes.PriorityCritical, result.Severity)
}

func TestDetect_ScoreCapsAtOne(t *testing.T) {
	d := newDetector()
	result := d.Detect("unconscious after a seizure, chest pain, can't breathe, call 911")
	require.NotNil(t, result)
	assert.Equal(t, 1.0, result.Score)
	assert.Equal(t, datatypes.PriorityCritical, result.Severity)
}

func TestDetect_SymptomClusters(t *testing.T) {
	d := newDetector()

	// DKA phrasing.
	result := d.Detect("I have high ketones and I keep vomiting")
	require.NotNil(t, result)

	// Confusion plus hypo symptoms.
	result = d.Detect("I'm confused and shaking and my sugar feels low")
	require.NotNil(t, result)

	// The full severe-hypo cluster escalates to critical.
	result = d.Detect("I'm shaking, confused, cold sweat, can't think straight")
	require.NotNil(t, result)
	assert.Equal(t, datatypes.PriorityCritical, result.Severity)
}

func TestDetect_CustomTemplates(t *testing.T) {
	d := NewEmergencyDetector(DefaultSeverityThresholds(), Templates{Medium: "custom medium text"}, nil)

	result := d.Detect("my friend had a seizure yesterday")
	require.NotNil(t, result)
	assert.True(t, strings.HasPrefix(result.Answer, "custom medium text"))
}

func TestDetect_WritesAuditRow(t *testing.T) {
	dir := t.TempDir()
	sink, err := audit.NewSink(dir)
	require.NoError(t, err)

	d := NewEmergencyDetector(DefaultSeverityThresholds(), Templates{}, sink)
	require.NotNil(t, d.Detect("he passed out and won't wake up"))
	sink.Close()

	f, err := os.Open(filepath.Join(dir, "analysis", audit.FileEmergencyQueries))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "he passed out and won't wake up", rows[1][1])
	assert.NotEmpty(t, rows[1][2])
}
