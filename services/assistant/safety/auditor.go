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
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

const (
	doseReplacement           = "[specific dose removed — consult your healthcare provider]"
	parametricDoseReplacement = "[Dosing advice removed — consult your healthcare team]"

	parametricMarker = "[General medical knowledge]"

	// markerContext is the window around a parametric-violation hit in
	// which an explicit marker downgrades the finding to info.
	markerContext = 100

	// inappropriateParametricRatio flags hybrid responses that leaned on
	// general knowledge despite having device documentation retrieved.
	inappropriateParametricRatio = 0.5
)

// doseStatementPatterns match dose instructions inside response text.
// These are span replacements, narrower than the tier-level unit check.
var doseStatementPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(take|inject|give|bolus|administer)\s+\d+(\.\d+)?\s*units?\b`),
	regexp.MustCompile(`(?i)\b\d+(\.\d+)?\s*units?\s+of\s+(insulin|novorapid|fiasp|humalog|lantus|levemir|tresiba)\b`),
	regexp.MustCompile(`(?i)\bset\s+(your\s+)?basal\s+(rate\s+)?to\s+\d+(\.\d+)?\s*(u/hr?|units?)?\b`),
}

// parametricViolationPatterns mark hedged general-knowledge statements in
// responses that were supposed to be grounded in retrieval.
var parametricViolationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(generally|typically|usually|commonly)\b[^.]{10,}`),
	regexp.MustCompile(`(?i)\bmost\s+(people|patients|users)\b[^.]{10,}`),
	regexp.MustCompile(`(?i)\bit\s+is\s+(well\s+)?known\s+that\b[^.]{5,}`),
}

var deviceQueryPattern = regexp.MustCompile(`(?i)\b(pump|cgm|sensor|pod|cannula|camaps|control-?iq|omnipod|loop|androidaps|dexcom|libre|minimed|tslim|t:slim|ypsopump|dana)\b`)

var hedgeSentencePattern = regexp.MustCompile(`(?i)\b(generally|typically|usually)\b`)

var numberedCitationPattern = regexp.MustCompile(`\[\d+\]`)

// guideline is one clinical-evidence citation with its trigger pattern.
type guideline struct {
	pattern  *regexp.Regexp
	citation string
}

// guidelineCatalog maps response topics to the clinical guidance that
// backs them.
var guidelineCatalog = []guideline{
	{regexp.MustCompile(`(?i)\b(a1c|time in range|glycemic target|glucose target)\b`),
		"ADA Standards of Care, Section 6: Glycemic Targets"},
	{regexp.MustCompile(`(?i)\b(pump|cgm|sensor|closed.?loop|algorithm|automated insulin)\b`),
		"ADA Standards of Care, Section 7: Diabetes Technology"},
	{regexp.MustCompile(`(?i)\b(blood pressure|cholesterol|statin|cardiovascular|heart)\b`),
		"ADA Standards of Care, Section 10: Cardiovascular Disease and Risk Management"},
	{regexp.MustCompile(`(?i)\b(kidney|renal|nephropathy|albumin)\b`),
		"ADA Standards of Care, Section 11: Chronic Kidney Disease and Risk Management"},
	{regexp.MustCompile(`(?i)\b(retinopathy|neuropathy|eye exam|foot care)\b`),
		"ADA Standards of Care, Section 12: Retinopathy, Neuropathy, and Foot Care"},
	{regexp.MustCompile(`(?i)\b(hypo(glycemia|glycaemia)?|low blood (sugar|glucose))\b`),
		"Australian Evidence-Based Clinical Guidelines for Diabetes, Section 3.1: Hypoglycaemia Management"},
	{regexp.MustCompile(`(?i)\b(hyper(glycemia|glycaemia)|ketones?|sick day)\b`),
		"Australian Evidence-Based Clinical Guidelines for Diabetes, Section 3.2: Hyperglycaemia and Ketone Management"},
	{regexp.MustCompile(`(?i)\b(exercise|physical activity|sport|workout)\b`),
		"Australian Evidence-Based Clinical Guidelines for Diabetes, Section 3.3: Physical Activity"},
}

// replacement is one pending span substitution.
type replacement struct {
	start, end int
	text       string
}

// AuditInput carries one response audit's context.
type AuditInput struct {
	Query           string
	Response        string
	SourcesUsed     []string
	RAGQuality      *datatypes.RAGQuality
	GlookoAvailable bool

	// Enhanced enables the parametric-violation pass on non-hybrid
	// audits (used when the parametric ratio exceeded the configured
	// threshold despite a RAG-only prompt).
	Enhanced bool
}

// Auditor runs the post-generation safety pipeline.
//
// The auditor never fails a request: every path produces a safe response
// string, worst case an override template with a disclaimer.
//
// Thread Safety: safe for concurrent use.
type Auditor struct {
	tiers         *TierClassifier
	hallucination *HallucinationDetector
}

// NewAuditor wires the classifier and the hallucination detector. Either
// may be nil; a missing detector disables its stage and a missing
// classifier is replaced with a regex-only one.
func NewAuditor(tiers *TierClassifier, hallucination *HallucinationDetector) *Auditor {
	if tiers == nil {
		tiers = NewTierClassifier(nil)
	}
	return &Auditor{tiers: tiers, hallucination: hallucination}
}

// AuditText audits a non-hybrid response.
func (a *Auditor) AuditText(ctx context.Context, in AuditInput) datatypes.AuditResult {
	findings, replacements := a.scanText(in.Response, in.Enhanced)
	safe := applyReplacements(in.Response, replacements)

	decision := a.tiers.Classify(ctx, TierInput{
		Query:           in.Query,
		Response:        safe,
		SourcesUsed:     in.SourcesUsed,
		RAGQuality:      in.RAGQuality,
		GlookoAvailable: in.GlookoAvailable,
	})

	if decision.Action != datatypes.ActionAllow && decision.OverrideResponse != "" {
		safe = decision.OverrideResponse
	} else if decision.Tier == datatypes.TierEducation || decision.Tier == datatypes.TierPersonalized {
		safe = enrichWithGuidelines(safe)
	}
	safe = appendDisclaimer(safe, decision.Disclaimer)

	return datatypes.AuditResult{
		Query:            in.Query,
		OriginalResponse: in.Response,
		SafeResponse:     safe,
		Findings:         findings,
		Tier:             decision.Tier,
		TierAction:       decision.Action,
		TierDisclaimer:   decision.Disclaimer,
	}
}

// AuditHybridResponse audits a response generated under the hybrid
// prompt, where parametric knowledge is licensed but tightly policed.
func (a *Auditor) AuditHybridResponse(ctx context.Context, in AuditInput, chunks []datatypes.Chunk) datatypes.HybridAuditResult {
	findings, replacements := a.scanText(in.Response, true)

	claims := extractParametricClaims(in.Response)
	for _, claim := range claims {
		for _, p := range dosingInstructionPatterns {
			for _, loc := range p.FindAllStringIndex(in.Response, -1) {
				if !within(claim, loc[0], loc[1]) {
					continue
				}
				findings = append(findings, datatypes.SafetyFinding{
					Severity:        datatypes.SeverityBlocked,
					Category:        "dosing_in_parametric",
					OriginalText:    in.Response[loc[0]:loc[1]],
					ReplacementText: parametricDoseReplacement,
					Reason:          "dose instruction sourced from general knowledge",
				})
				replacements = append(replacements, replacement{loc[0], loc[1], parametricDoseReplacement})
			}
		}
	}

	ratio := parametricRatio(in.Response, claims)
	ragCited := ragCitationsFound(in.Response, in.RAGQuality)
	if !ragCited && len(claims) > 0 {
		findings = append(findings, datatypes.SafetyFinding{
			Severity: datatypes.SeverityWarning,
			Category: "missing_rag_citation",
			Reason:   "general knowledge used without citing any retrieved source",
		})
	}

	isDeviceQuery := deviceQueryPattern.MatchString(in.Query)
	deviceRAG := deviceDocsRetrieved(chunks)
	inappropriate := isDeviceQuery && deviceRAG && ratio > inappropriateParametricRatio
	if inappropriate {
		findings = append(findings, datatypes.SafetyFinding{
			Severity: datatypes.SeverityWarning,
			Category: "inappropriate_parametric_use",
			Reason:   "device documentation was retrieved but the response leans on general knowledge",
		})
	}

	var hallucinationFindings []datatypes.SafetyFinding
	if a.hallucination != nil {
		_, hallucinationFindings = a.hallucination.Scan(in.Response, chunks)
		findings = append(findings, hallucinationFindings...)
	}

	safe := applyReplacements(in.Response, replacements)
	decision := a.tiers.Classify(ctx, TierInput{
		Query:           in.Query,
		Response:        safe,
		SourcesUsed:     in.SourcesUsed,
		RAGQuality:      in.RAGQuality,
		GlookoAvailable: in.GlookoAvailable,
	})
	if decision.Action != datatypes.ActionAllow && decision.OverrideResponse != "" {
		safe = decision.OverrideResponse
	} else if decision.Tier == datatypes.TierEducation || decision.Tier == datatypes.TierPersonalized {
		safe = enrichWithGuidelines(safe)
	}
	safe = appendDisclaimer(safe, decision.Disclaimer)

	claimTexts := make([]string, 0, len(claims))
	for _, c := range claims {
		claimTexts = append(claimTexts, c.text)
	}

	var knowledgeSources map[string]float64
	if len(chunks) > 0 {
		knowledgeSources = make(map[string]float64, len(chunks))
		for _, ch := range chunks {
			if ch.Confidence > knowledgeSources[ch.Source] {
				knowledgeSources[ch.Source] = ch.Confidence
			}
		}
	}

	return datatypes.HybridAuditResult{
		AuditResult: datatypes.AuditResult{
			Query:            in.Query,
			OriginalResponse: in.Response,
			SafeResponse:     safe,
			Findings:         findings,
			Tier:             decision.Tier,
			TierAction:       decision.Action,
			TierDisclaimer:   decision.Disclaimer,
		},
		KnowledgeSources:        knowledgeSources,
		ParametricClaims:        claimTexts,
		RAGCitationsFound:       ragCited,
		ParametricRatio:         ratio,
		IsDeviceQuery:           isDeviceQuery,
		DeviceRAGAvailable:      deviceRAG,
		InappropriateParametric: inappropriate,
		HallucinationFindings:   hallucinationFindings,
	}
}

// scanText runs the dose and danger passes shared by both entry points.
func (a *Auditor) scanText(text string, enhanced bool) ([]datatypes.SafetyFinding, []replacement) {
	var findings []datatypes.SafetyFinding
	var replacements []replacement

	for _, p := range doseStatementPatterns {
		for _, loc := range p.FindAllStringIndex(text, -1) {
			findings = append(findings, datatypes.SafetyFinding{
				Severity:        datatypes.SeverityBlocked,
				Category:        "specific_dose",
				OriginalText:    text[loc[0]:loc[1]],
				ReplacementText: doseReplacement,
				Reason:          "response stated a concrete dose",
			})
			replacements = append(replacements, replacement{loc[0], loc[1], doseReplacement})
		}
	}

	for _, p := range dangerousPatterns {
		if m := p.FindString(text); m != "" {
			findings = append(findings, datatypes.SafetyFinding{
				Severity:     datatypes.SeverityWarning,
				Category:     "danger_pattern",
				OriginalText: m,
				Reason:       "response contains language associated with unsafe guidance",
			})
		}
	}

	if enhanced {
		for _, p := range parametricViolationPatterns {
			for _, loc := range p.FindAllStringIndex(text, -1) {
				severity := datatypes.SeverityWarning
				reason := "hedged general-knowledge statement without a source marker"
				if markerNearby(text, loc[0], loc[1]) {
					severity = datatypes.SeverityInfo
					reason = "general-knowledge statement carries an explicit marker"
				}
				findings = append(findings, datatypes.SafetyFinding{
					Severity:     severity,
					Category:     "parametric_violation",
					OriginalText: text[loc[0]:loc[1]],
					Reason:       reason,
				})
			}
		}
	}
	return findings, replacements
}

// applyReplacements substitutes spans in reverse position order so
// earlier indices stay valid. Overlapping spans keep the first applied
// (the later one in text order).
func applyReplacements(text string, replacements []replacement) string {
	if len(replacements) == 0 {
		return text
	}
	sort.Slice(replacements, func(i, j int) bool {
		return replacements[i].start > replacements[j].start
	})
	prevStart := len(text) + 1
	for _, r := range replacements {
		if r.end > prevStart {
			continue
		}
		text = text[:r.start] + r.text + text[r.end:]
		prevStart = r.start
	}
	return text
}

// markerNearby reports an explicit parametric marker within the context
// window of a span.
func markerNearby(text string, start, end int) bool {
	lo := start - markerContext
	if lo < 0 {
		lo = 0
	}
	hi := end + markerContext
	if hi > len(text) {
		hi = len(text)
	}
	return strings.Contains(text[lo:hi], parametricMarker)
}

// span is a [start, end) character range of one parametric claim.
type span struct {
	start, end int
	text       string
}

// extractParametricClaims returns the sentence surrounding each
// parametric marker.
func extractParametricClaims(text string) []span {
	var claims []span
	offset := 0
	for {
		i := strings.Index(text[offset:], parametricMarker)
		if i < 0 {
			return claims
		}
		pos := offset + i
		start := strings.LastIndexAny(text[:pos], ".!?")
		if start < 0 {
			start = 0
		} else {
			start++
		}
		endRel := strings.IndexAny(text[pos+len(parametricMarker):], ".!?")
		end := len(text)
		if endRel >= 0 {
			end = pos + len(parametricMarker) + endRel + 1
		}
		claims = append(claims, span{start: start, end: end, text: strings.TrimSpace(text[start:end])})
		offset = end
	}
}

func within(s span, start, end int) bool {
	return start >= s.start && end <= s.end
}

// parametricRatio is the fraction of the response drawn from general
// knowledge: marked claim spans plus unmarked hedge sentences, over the
// total length. Clamped to [0, 1].
func parametricRatio(text string, claims []span) float64 {
	if len(text) == 0 {
		return 0
	}
	total := 0
	for _, c := range claims {
		total += c.end - c.start
	}
	for _, sentence := range splitSentences(text) {
		if !hedgeSentencePattern.MatchString(sentence.text) {
			continue
		}
		if overlapsAny(sentence, claims) {
			continue
		}
		total += sentence.end - sentence.start
	}
	ratio := float64(total) / float64(len(text))
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

func splitSentences(text string) []span {
	var out []span
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			out = append(out, span{start: start, end: i + 1, text: text[start : i+1]})
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, span{start: start, end: len(text), text: text[start:]})
	}
	return out
}

func overlapsAny(s span, claims []span) bool {
	for _, c := range claims {
		if s.start < c.end && c.start < s.end {
			return true
		}
	}
	return false
}

// EstimateParametricRatio estimates how much of a response text rests on
// general knowledge, using the same marked-claim plus hedge-sentence
// accounting the hybrid audit applies.
func EstimateParametricRatio(text string) float64 {
	return parametricRatio(text, extractParametricClaims(text))
}

// ragCitationsFound reports whether the response cites any retrieved
// source, by numbered marker or by source name.
func ragCitationsFound(text string, quality *datatypes.RAGQuality) bool {
	if quality == nil || len(quality.SourcesCovered) == 0 {
		return false
	}
	if numberedCitationPattern.MatchString(text) {
		return true
	}
	lower := strings.ToLower(text)
	for _, s := range quality.SourcesCovered {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func deviceDocsRetrieved(chunks []datatypes.Chunk) bool {
	for _, ch := range chunks {
		if deviceQueryPattern.MatchString(ch.Source) {
			return true
		}
	}
	return false
}

// enrichWithGuidelines appends a Clinical Evidence block listing the
// guideline citations whose topics appear in the response. De-duplicated
// and order-stable.
func enrichWithGuidelines(text string) string {
	var cited []string
	seen := make(map[string]bool)
	for _, g := range guidelineCatalog {
		if !g.pattern.MatchString(text) || seen[g.citation] {
			continue
		}
		seen[g.citation] = true
		cited = append(cited, g.citation)
	}
	if len(cited) == 0 {
		return text
	}
	var sb strings.Builder
	sb.WriteString(text)
	sb.WriteString("\n\nClinical Evidence:\n")
	for _, c := range cited {
		sb.WriteString("- " + c + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// appendDisclaimer adds the tier disclaimer exactly once. A response
// that already carries any disclaimer keeps it untouched.
func appendDisclaimer(text, disclaimer string) string {
	if disclaimer == "" {
		return text
	}
	if strings.Contains(strings.ToLower(text), "disclaimer:") {
		return text
	}
	return text + "\n\n" + disclaimer
}
