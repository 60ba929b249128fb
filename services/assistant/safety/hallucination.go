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
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/glycoassist/services/assistant/audit"
	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

// Claim confidences per rule class. Dosing is near-certain because a dose
// instruction is a violation whether or not the sources contain it.
const (
	confidenceNumeric       = 0.7
	confidenceDeviceVersion = 0.8
	confidenceDosing        = 0.95
	confidenceUncited       = 0.6

	// promoteThreshold is the confidence at which a claim becomes a
	// warning-severity SafetyFinding.
	promoteThreshold = 0.8

	// citationWindow is how far (in chars) to look around an uncited
	// factual marker for a citation bracket.
	citationWindow = 100
)

var (
	numericClaimPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d+(\.\d+)?\s*%`),
		regexp.MustCompile(`(?i)\d+(\.\d+)?\s*(mg/dL|mmol/L)`),
		regexp.MustCompile(`(?i)\d+(\.\d+)?\s*units?\b`),
		regexp.MustCompile(`(?i)\d+(\.\d+)?\s*(hours?|minutes?|days?)\b`),
	}

	deviceVersionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bLoop\s+\d+\.\d+`),
		regexp.MustCompile(`\bMedtronic\s+[A-Z]?\d{3}G?\b`),
		regexp.MustCompile(`(?i)\bCamAPS\s+FX\s+v?\d+(\.\d+)*`),
		regexp.MustCompile(`(?i)\bControl-?IQ\s+v?\d+(\.\d+)*`),
		regexp.MustCompile(`(?i)\bfirmware\s+v?\d+(\.\d+)+`),
	}

	dosingInstructionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(take|inject|give|bolus)\s+\d+(\.\d+)?\s*units?\b`),
		regexp.MustCompile(`(?i)\bset\s+(your\s+)?basal\s+(rate\s+)?to\s+\d+(\.\d+)?`),
	}

	uncitedMarkerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)studies\s+show`),
		regexp.MustCompile(`(?i)research\s+indicates`),
		regexp.MustCompile(`\d+(\.\d+)?%\s+of\s+patients`),
	}

	citationMarker = regexp.MustCompile(`\[(\d+|Glooko|General medical knowledge)\]`)
	numberLiteral  = regexp.MustCompile(`\d+(\.\d+)?`)
)

// Claim is one suspect statement found in a response.
type Claim struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// HallucinationDetector cross-references a generated response against the
// retrieved chunks it was supposed to be grounded in.
//
// Thread Safety: safe for concurrent use.
type HallucinationDetector struct {
	sink *audit.Sink
}

// NewHallucinationDetector creates a detector. sink may be nil.
func NewHallucinationDetector(sink *audit.Sink) *HallucinationDetector {
	return &HallucinationDetector{sink: sink}
}

// Scan returns every suspect claim in the response. Claims at or above
// promoteThreshold are also returned as warning findings and logged.
func (d *HallucinationDetector) Scan(response string, chunks []datatypes.Chunk) ([]Claim, []datatypes.SafetyFinding) {
	var claims []Claim
	seen := make(map[string]bool)
	add := func(claimType, text string, confidence float64) {
		key := claimType + "|" + text
		if seen[key] {
			return
		}
		seen[key] = true
		claims = append(claims, Claim{Type: claimType, Text: text, Confidence: confidence})
	}

	for _, p := range dosingInstructionPatterns {
		for _, m := range p.FindAllString(response, -1) {
			add("dosing_instruction", m, confidenceDosing)
		}
	}

	for _, p := range deviceVersionPatterns {
		for _, m := range p.FindAllString(response, -1) {
			if !inSources(m, chunks) {
				add("device_version", m, confidenceDeviceVersion)
			}
		}
	}

	for _, p := range numericClaimPatterns {
		for _, m := range p.FindAllString(response, -1) {
			if !inSources(m, chunks) {
				add("numeric_claim", m, confidenceNumeric)
			}
		}
	}

	for _, p := range uncitedMarkerPatterns {
		for _, loc := range p.FindAllStringIndex(response, -1) {
			if cited(response, loc[0], loc[1]) {
				continue
			}
			add("uncited_factual", response[loc[0]:loc[1]], confidenceUncited)
		}
	}

	var findings []datatypes.SafetyFinding
	for _, c := range claims {
		if c.Confidence < promoteThreshold {
			continue
		}
		findings = append(findings, datatypes.SafetyFinding{
			Severity:     datatypes.SeverityWarning,
			Category:     "hallucination_" + c.Type,
			OriginalText: c.Text,
			Reason:       "claim not grounded in retrieved sources",
		})
		if d.sink != nil && d.sink.Hallucination != nil {
			d.sink.Hallucination.Append(
				time.Now().UTC().Format(time.RFC3339),
				c.Type, c.Text, formatConfidence(c.Confidence),
			)
		}
	}
	return claims, findings
}

// inSources reports whether the normalized claim, or every numeric
// literal inside it, appears in some chunk's text. Matching is exact;
// a response saying "45 minutes" is not grounded by a chunk saying "30
// to 60 minutes".
func inSources(claim string, chunks []datatypes.Chunk) bool {
	normalized := normalize(claim)
	numbers := numberLiteral.FindAllString(claim, -1)

	for _, ch := range chunks {
		text := normalize(ch.Text)
		if strings.Contains(text, normalized) {
			return true
		}
		if len(numbers) > 0 && allPresent(text, numbers) {
			return true
		}
	}
	return false
}

func allPresent(text string, numbers []string) bool {
	for _, n := range numbers {
		if !strings.Contains(text, n) {
			return false
		}
	}
	return true
}

func cited(response string, start, end int) bool {
	lo := start - citationWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + citationWindow
	if hi > len(response) {
		hi = len(response)
	}
	return citationMarker.MatchString(response[lo:hi])
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func formatConfidence(c float64) string {
	return fmt.Sprintf("%.2f", c)
}
