// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the assistant configuration.
//
// Configuration comes from a YAML file (created with defaults on first
// run) plus a handful of environment variables that override or extend
// it: GLUCOSE_UNIT, LLM_PROVIDER, MAX_RETRIES, RETRY_BASE_DELAY and the
// provider API keys, which are opaque to the core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Load reads, parses, and validates the config file at path.
//
// If the file does not exist it is created with defaults first, so a
// fresh install starts with a documented, editable config.
//
// Outputs:
//
//	AssistantConfig - The validated configuration.
//	error - Non-nil on read, parse, or range failure. Callers treat any
//	error here as fatal.
func Load(path string) (AssistantConfig, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return cfg, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c AssistantConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	t := c.EmergencyDetection.SeverityThresholds
	if !(t.Critical > t.High && t.High > t.Medium) {
		return fmt.Errorf("emergency thresholds must descend: critical(%v) > high(%v) > medium(%v)",
			t.Critical, t.High, t.Medium)
	}
	if c.KnowledgeMonitoring.CriticalThresholdDays < c.KnowledgeMonitoring.StalenessThresholdDays {
		return fmt.Errorf("knowledge_monitoring.critical_threshold_days (%d) must be >= staleness_threshold_days (%d)",
			c.KnowledgeMonitoring.CriticalThresholdDays, c.KnowledgeMonitoring.StalenessThresholdDays)
	}
	if c.Personalization.DevicePriorityBoost > c.Personalization.MaxBoost {
		return fmt.Errorf("personalization.device_priority_boost (%v) must be <= max_boost (%v)",
			c.Personalization.DevicePriorityBoost, c.Personalization.MaxBoost)
	}
	return nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// =============================================================================
// Environment overrides
// =============================================================================

// Env captures the environment variables consumed by the core. Provider
// API keys stay in the environment; the core never reads them directly.
type Env struct {
	GlucoseUnit    string
	LLMProvider    string
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// ReadEnv resolves the supported environment variables with defaults.
// Malformed numeric values fall back to defaults with no error; the
// variables are operator conveniences, not part of the config contract.
func ReadEnv() Env {
	env := Env{
		GlucoseUnit:    os.Getenv("GLUCOSE_UNIT"),
		LLMProvider:    os.Getenv("LLM_PROVIDER"),
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 10 {
			env.MaxRetries = n
		}
	}
	if v := os.Getenv("RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			env.RetryBaseDelay = d
		}
	}
	return env
}
