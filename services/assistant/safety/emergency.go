// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety implements the pre-generation emergency gate, the
// response tier classifier, the hallucination detector, and the auditor
// that ties them together.
//
// The ordering contract is strict: the emergency gate runs before any
// LLM call, and the auditor runs after generation on every response that
// reaches the user. Nothing in this package ever returns an error to the
// pipeline; on unexpected input it degrades to the most conservative
// allow (T1 with a generic disclaimer) rather than failing the request.
package safety

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/glycoassist/services/assistant/audit"
	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

// emergencyPatterns match acute situations the assistant must not try to
// answer. Each match contributes 1/3 to the severity score.
var emergencyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunconscious\b|\bpassed\s+out\b|\bwon'?t\s+wake\b|\bcan'?t\s+wake\b`),
	regexp.MustCompile(`(?i)\bseizure\b|\bseizing\b|\bconvuls`),
	regexp.MustCompile(`(?i)\b(dka|ketoacidosis)\b`),
	regexp.MustCompile(`(?i)\bketones?\b.*\bvomit|\bvomit\w*\b.*\bketones?\b`),
	regexp.MustCompile(`(?i)\bcan'?t\s+(breathe|breath)\b|\btrouble\s+breathing\b`),
	regexp.MustCompile(`(?i)\bchest\s+pain\b`),
	regexp.MustCompile(`(?i)\bsevere\s+(hypo|low)\b|\bglucagon\b.*\bnow\b`),
	regexp.MustCompile(`(?i)\bemergency\b|\bcall\s+(911|999|112|000|ambulance)\b`),
	regexp.MustCompile(`(?i)\bconfus(ed|ion)\b.*\b(low|hypo|shak)|\bshak(ing|y)\b.*\bconfus`),
	regexp.MustCompile(`(?i)\bcold\s+sweats?\b`),
	regexp.MustCompile(`(?i)\bcan'?t\s+think\s+(straight|clearly)\b`),
	regexp.MustCompile(`(?i)\bnot\s+responding\b|\bunresponsive\b`),
}

const clinicalCareReminder = "\n\nThis assistant cannot handle emergencies. If anyone is in immediate danger, contact emergency services right away."

// Built-in templates per severity, used when config supplies none.
const (
	templateCritical = "This sounds like a medical emergency. Call your local emergency number NOW. If glucagon is available and the person is unconscious from low blood sugar, a trained person should administer it while waiting for help. Do not give food or drink to an unconscious person."
	templateHigh     = "This situation needs urgent medical attention. Contact your emergency services or diabetes care team immediately rather than waiting. If blood sugar is dangerously low and the person is conscious, fast-acting glucose (juice, glucose tablets) is the standard first response."
	templateMedium   = "This may need prompt medical attention. Please contact your diabetes care team or a medical advice line now to talk it through; do not rely on this assistant for urgent symptoms."
)

// SeverityThresholds are the emergency score cut-offs, descending.
type SeverityThresholds struct {
	Critical float64
	High     float64
	Medium   float64
}

// DefaultSeverityThresholds returns the shipped cut-offs.
func DefaultSeverityThresholds() SeverityThresholds {
	return SeverityThresholds{Critical: 0.67, High: 0.5, Medium: 0.33}
}

// Templates are the canned responses per severity. Empty fields take the
// built-in text.
type Templates struct {
	Critical string
	High     string
	Medium   string
}

// EmergencyResult is a positive emergency detection.
type EmergencyResult struct {
	Severity datatypes.Priority
	Score    float64
	Keywords []string
	Answer   string
}

// EmergencyDetector gates queries before generation. No LLM is involved;
// the scan is pure regex and the response is a canned template.
//
// Thread Safety: safe for concurrent use.
type EmergencyDetector struct {
	thresholds SeverityThresholds
	templates  Templates
	sink       *audit.Sink
}

// NewEmergencyDetector creates the gate. sink may be nil (no audit rows).
func NewEmergencyDetector(thresholds SeverityThresholds, templates Templates, sink *audit.Sink) *EmergencyDetector {
	if thresholds == (SeverityThresholds{}) {
		thresholds = DefaultSeverityThresholds()
	}
	return &EmergencyDetector{thresholds: thresholds, templates: templates, sink: sink}
}

// Detect scans a raw query. A nil result means no emergency.
//
// Severity score is min(matches/3, 1); the highest threshold at or below
// the score selects the template, so a score exactly at a boundary takes
// the higher severity.
func (d *EmergencyDetector) Detect(query string) *EmergencyResult {
	var matched []string
	for _, p := range emergencyPatterns {
		if m := p.FindString(query); m != "" {
			matched = append(matched, strings.ToLower(strings.TrimSpace(m)))
		}
	}
	if len(matched) == 0 {
		return nil
	}

	score := float64(len(matched)) / 3
	if score > 1 {
		score = 1
	}

	var severity datatypes.Priority
	var template string
	switch {
	case score >= d.thresholds.Critical:
		severity = datatypes.PriorityCritical
		template = firstNonEmpty(d.templates.Critical, templateCritical)
	case score >= d.thresholds.High:
		severity = datatypes.PriorityHigh
		template = firstNonEmpty(d.templates.High, templateHigh)
	case score >= d.thresholds.Medium:
		severity = datatypes.PriorityMedium
		template = firstNonEmpty(d.templates.Medium, templateMedium)
	default:
		return nil
	}

	if d.sink != nil && d.sink.Emergency != nil {
		d.sink.Emergency.Append(
			time.Now().UTC().Format(time.RFC3339),
			query,
			string(severity),
			strings.Join(matched, "; "),
			fmt.Sprintf("%.2f", score),
		)
	}

	return &EmergencyResult{
		Severity: severity,
		Score:    score,
		Keywords: matched,
		Answer:   template + clinicalCareReminder,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
