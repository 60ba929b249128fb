// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assistant.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	// The file now exists and reloads identically.
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rag_quality:\n  min_chunks: 5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RAGQuality.MinChunks)
	assert.Equal(t, 0.7, cfg.RAGQuality.MinConfidence)
	assert.Equal(t, "data", cfg.DataDir)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rag_quality: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AssistantConfig)
		wantErr string
	}{
		{
			name:   "defaults valid",
			mutate: func(c *AssistantConfig) {},
		},
		{
			name:    "min_confidence above one",
			mutate:  func(c *AssistantConfig) { c.RAGQuality.MinConfidence = 1.5 },
			wantErr: "config validation failed",
		},
		{
			name: "emergency thresholds must descend",
			mutate: func(c *AssistantConfig) {
				c.EmergencyDetection.SeverityThresholds.High = 0.7
			},
			wantErr: "thresholds must descend",
		},
		{
			name: "critical staleness below warning",
			mutate: func(c *AssistantConfig) {
				c.KnowledgeMonitoring.CriticalThresholdDays = 30
			},
			wantErr: "critical_threshold_days",
		},
		{
			name: "device boost above cap",
			mutate: func(c *AssistantConfig) {
				c.Personalization.DevicePriorityBoost = 0.4
				c.Personalization.MaxBoost = 0.3
			},
			wantErr: "device_priority_boost",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReadEnv(t *testing.T) {
	t.Setenv("GLUCOSE_UNIT", "mmol/L")
	t.Setenv("LLM_PROVIDER", "groq")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("RETRY_BASE_DELAY", "250ms")

	env := ReadEnv()
	assert.Equal(t, "mmol/L", env.GlucoseUnit)
	assert.Equal(t, "groq", env.LLMProvider)
	assert.Equal(t, 5, env.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, env.RetryBaseDelay)
}

func TestReadEnv_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("MAX_RETRIES", "lots")
	t.Setenv("RETRY_BASE_DELAY", "-3s")

	env := ReadEnv()
	assert.Equal(t, 3, env.MaxRetries)
	assert.Equal(t, time.Second, env.RetryBaseDelay)
}
