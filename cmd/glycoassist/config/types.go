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

// AssistantConfig is the root configuration document.
//
// Loaded once at startup from YAML and validated; out-of-range values are
// fatal. Components receive the sub-structs they need rather than the
// whole document.
type AssistantConfig struct {
	RAGQuality          RAGQualityConfig     `yaml:"rag_quality"`
	ParametricUsage     ParametricConfig     `yaml:"parametric_usage"`
	Safety              SafetyConfig         `yaml:"safety"`
	EmergencyDetection  EmergencyConfig      `yaml:"emergency_detection"`
	Logging             LoggingConfig        `yaml:"logging"`
	KnowledgeMonitoring MonitoringConfig     `yaml:"knowledge_monitoring"`
	Personalization     PersonalizationConfig `yaml:"personalization"`
	Experimentation     ExperimentConfig     `yaml:"experimentation"`

	// DataDir is the root for all persisted state (sessions, user boost
	// state, audit logs). Relative paths in §persisted-state hang off it.
	DataDir string `yaml:"data_dir"`
}

// RAGQualityConfig sets the retrieval sufficiency thresholds.
type RAGQualityConfig struct {
	MinChunks          int     `yaml:"min_chunks" validate:"gte=1,lte=50"`
	MinConfidence      float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`
	MinSources         int     `yaml:"min_sources" validate:"gte=1,lte=20"`
	MinChunkConfidence float64 `yaml:"min_chunk_confidence" validate:"gte=0,lte=1"`
}

// ParametricConfig bounds how much parametric knowledge a response may use.
type ParametricConfig struct {
	MaxRatio        float64 `yaml:"max_ratio" validate:"gte=0,lte=1"`
	ConfidenceScore float64 `yaml:"confidence_score" validate:"gte=0,lte=1"`
}

// SafetyConfig tunes the safety auditor.
type SafetyConfig struct {
	// EnhancedCheckThreshold is the parametric ratio above which the
	// enhanced (parametric-violation) checks run on non-hybrid audits.
	EnhancedCheckThreshold float64 `yaml:"enhanced_check_threshold" validate:"gte=0,lte=1"`
}

// EmergencyConfig configures the pre-generation emergency gate.
type EmergencyConfig struct {
	Enabled            bool               `yaml:"enabled"`
	SeverityThresholds SeverityThresholds `yaml:"severity_thresholds"`
	ResponseTemplates  ResponseTemplates  `yaml:"response_templates"`
}

// SeverityThresholds are emergency score cut-offs, descending.
type SeverityThresholds struct {
	Critical float64 `yaml:"critical" validate:"gt=0,lte=1"`
	High     float64 `yaml:"high" validate:"gt=0,lte=1"`
	Medium   float64 `yaml:"medium" validate:"gt=0,lte=1"`
}

// ResponseTemplates are the canned emergency responses per severity.
// Empty values fall back to the built-in templates.
type ResponseTemplates struct {
	Critical string `yaml:"critical"`
	High     string `yaml:"high"`
	Medium   string `yaml:"medium"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	MaxSizeMB   int    `yaml:"max_size_mb" validate:"gte=1,lte=1024"`
	BackupCount int    `yaml:"backup_count" validate:"gte=0,lte=100"`
	Dir         string `yaml:"dir"`
}

// MonitoringConfig sets knowledge-staleness thresholds.
type MonitoringConfig struct {
	StalenessThresholdDays int `yaml:"staleness_threshold_days" validate:"gte=1"`
	CriticalThresholdDays  int `yaml:"critical_threshold_days" validate:"gte=1"`
}

// PersonalizationConfig tunes device boosting and feedback learning.
type PersonalizationConfig struct {
	DevicePriorityBoost float64 `yaml:"device_priority_boost" validate:"gte=0,lte=0.5"`
	MaxBoost            float64 `yaml:"max_boost" validate:"gte=0,lte=0.5"`
	LearningRate        float64 `yaml:"learning_rate" validate:"gt=0,lte=1"`
	DecayFactor         float64 `yaml:"decay_factor" validate:"gte=0,lte=1"`
}

// ExperimentConfig enables the control/treatment cohort split.
type ExperimentConfig struct {
	Enabled    bool   `yaml:"enabled"`
	StorageDir string `yaml:"storage_dir"`
}

// Default returns the configuration the service ships with.
func Default() AssistantConfig {
	return AssistantConfig{
		RAGQuality: RAGQualityConfig{
			MinChunks:          3,
			MinConfidence:      0.7,
			MinSources:         2,
			MinChunkConfidence: 0.35,
		},
		ParametricUsage: ParametricConfig{
			MaxRatio:        0.5,
			ConfidenceScore: 0.6,
		},
		Safety: SafetyConfig{
			EnhancedCheckThreshold: 0.3,
		},
		EmergencyDetection: EmergencyConfig{
			Enabled: true,
			SeverityThresholds: SeverityThresholds{
				Critical: 0.67,
				High:     0.5,
				Medium:   0.33,
			},
		},
		Logging: LoggingConfig{
			Level:       "info",
			MaxSizeMB:   50,
			BackupCount: 5,
		},
		KnowledgeMonitoring: MonitoringConfig{
			StalenessThresholdDays: 90,
			CriticalThresholdDays:  365,
		},
		Personalization: PersonalizationConfig{
			DevicePriorityBoost: 0.2,
			MaxBoost:            0.3,
			LearningRate:        0.1,
			DecayFactor:         0.1,
		},
		Experimentation: ExperimentConfig{
			Enabled: false,
		},
		DataDir: "data",
	}
}
