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
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
	"github.com/AleutianAI/glycoassist/services/llm"
)

// =============================================================================
// Pattern catalogs
// =============================================================================

// educationalPatterns recognize strategy/mitigation intents. A query that
// matches is asking how something works, not for a prescription, so the
// unit-number and clinical-decision heuristics stand down.
var educationalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bhow\s+(does|do|can|would|should)\b.*\b(work|affect|handle|manage|prevent|avoid|reduce)`),
	regexp.MustCompile(`(?i)\bwhat\s+(is|are|causes?|happens?)\b`),
	regexp.MustCompile(`(?i)\bstrateg(y|ies)\b|\bapproach(es)?\b|\btips?\b|\bgeneral(ly)?\b`),
	regexp.MustCompile(`(?i)\b(prevent|avoid|reduce|mitigate|minimi[sz]e)\b.*\b(high|low|spike|hypo|hyper)`),
	regexp.MustCompile(`(?i)\bwhy\s+(does|do|is|am|would)\b`),
	regexp.MustCompile(`(?i)\bexplain\b|\bunderstand(ing)?\b|\blearn(ing)?\s+about\b`),
}

// dangerousPatterns match response text that must never reach a user.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(skip|stop|discontinue|quit)\b[^.]{0,40}\b(insulin|medication|metformin|basal|bolus)\b`),
	regexp.MustCompile(`(?i)\boverdose\b`),
	regexp.MustCompile(`(?i)\bstack(ing)?\s+dos(e|es|ing)\b`),
	regexp.MustCompile(`(?i)\bnever\s+take\s+insulin\b`),
	regexp.MustCompile(`(?i)\bdon'?t\s+need\s+(your\s+)?insulin\b`),
}

// dosingRequestPatterns match queries asking for an actual dose.
var dosingRequestPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bhow\s+much\s+insulin\b`),
	regexp.MustCompile(`(?i)\bcalculate\b[^.]{0,30}\bbolus\b`),
	regexp.MustCompile(`(?i)\b(insulin|bolus)\s+dose\s+for\b`),
	regexp.MustCompile(`(?i)\bhow\s+many\s+units\b`),
	regexp.MustCompile(`(?i)\bwhat\s+dose\b`),
}

// clinicalDecisionPatterns match queries that belong to the care team.
var clinicalDecisionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(stop|change|switch|start)\b[^.]{0,40}\b(metformin|ozempic|semaglutide|sglt2|jardiance|levemir|lantus|tresiba|fiasp|novorapid|humalog|medication)\b`),
	regexp.MustCompile(`(?i)\bpregnan\w+\b[^.]{0,60}\b(insulin|medication|dose|pump)\b|\b(insulin|medication|dose|pump)\b[^.]{0,60}\bpregnan\w+\b`),
	regexp.MustCompile(`(?i)\bsurgery\b[^.]{0,60}\b(insulin|medication|basal|pump)\b|\b(insulin|medication|basal|pump)\b[^.]{0,60}\bsurgery\b`),
}

// specificUnitsPattern matches a concrete insulin unit number.
var specificUnitsPattern = regexp.MustCompile(`\b\d+(\.\d+)?\s*(u|units?)\b`)

// a1cPattern captures A1C targets; values below minSafeA1C are blocked.
var a1cPattern = regexp.MustCompile(`(?i)a1c\D{0,20}?(\d+(?:\.\d+)?)\s*%?`)

const minSafeA1C = 5.5

var percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// personalMarkers indicate the response references the user's own data.
var personalMarkers = []string{
	"your data", "your glucose", "your readings", "your average",
	"your time in range", "your pattern", "glooko",
}

var testingMarkers = []string{"test", "monitor", "check"}

// =============================================================================
// Literal overrides and disclaimers
// =============================================================================

const (
	dangerousOverride = "I can't provide that guidance. Stopping or skipping insulin, or stacking doses, can be life-threatening for someone with type 1 diabetes. Please talk to your diabetes care team about what prompted this question; they can adjust your plan safely."

	dosingOverride = "I can't calculate insulin doses. Dosing depends on your insulin-to-carb ratio, correction factor, insulin on board, and current trend, which only your pump's bolus calculator and your care team account for safely. Please use your device's built-in calculator or contact your diabetes team."

	a1cOverride = "I can't endorse that A1C target. Targets below 5.5% substantially raise the risk of severe hypoglycemia and are not recommended outside specialist supervision. Please discuss your target with your diabetes care team."

	clinicalOverride = "That decision needs your diabetes care team. Changing, stopping, or starting medication, and managing diabetes through pregnancy or surgery, require clinical supervision this assistant cannot provide. Please contact your team; bring this question to them directly."

	disclaimerEducation    = "Disclaimer: this is general diabetes education, not medical advice. Confirm any change to your management with your healthcare team."
	disclaimerPersonalized = "Disclaimer: this suggestion is based on your own data and is small enough to trial, but monitor your glucose closely while testing it and involve your healthcare team before making it permanent."
	disclaimerClinical     = "Disclaimer: this topic involves clinical decisions. The information above is background only; the decision itself belongs with your healthcare team."
)

// =============================================================================
// Classifier
// =============================================================================

// TierInput carries everything one tier classification needs.
type TierInput struct {
	Query           string
	Response        string
	SourcesUsed     []string
	RAGQuality      *datatypes.RAGQuality
	GlookoAvailable bool
}

// TierClassifier grades a (query, response) pair into T1-T4.
//
// The classifier is regex-first. When an intent LLM is configured it is
// consulted only for the ambiguous case of unit numbers in a response to
// a query the regex catalog did not mark educational.
//
// Thread Safety: safe for concurrent use.
type TierClassifier struct {
	intentLLM llm.LLMClient
}

// NewTierClassifier creates a classifier. intentLLM may be nil; the
// regex decision then stands alone.
func NewTierClassifier(intentLLM llm.LLMClient) *TierClassifier {
	return &TierClassifier{intentLLM: intentLLM}
}

// Classify runs the ordered decision procedure. First match wins.
func (c *TierClassifier) Classify(ctx context.Context, in TierInput) datatypes.TierDecision {
	educational := isEducationalQuery(in.Query)
	if !educational && c.intentLLM != nil && specificUnitsPattern.MatchString(in.Response) {
		educational = c.classifyIntentLLM(ctx, in.Query)
	}

	if m := matchAny(dangerousPatterns, in.Response); m != "" {
		return datatypes.TierDecision{
			Tier:             datatypes.TierDangerous,
			Action:           datatypes.ActionBlock,
			Reason:           "response contains dangerous guidance: " + m,
			OverrideResponse: dangerousOverride,
		}
	}

	if m := matchAny(dosingRequestPatterns, in.Query); m != "" {
		return datatypes.TierDecision{
			Tier:             datatypes.TierDangerous,
			Action:           datatypes.ActionBlock,
			Reason:           "query requests a dose calculation: " + m,
			OverrideResponse: dosingOverride,
		}
	}

	if !educational && specificUnitsPattern.MatchString(in.Response) {
		return datatypes.TierDecision{
			Tier:             datatypes.TierDangerous,
			Action:           datatypes.ActionBlock,
			Reason:           "response states a specific insulin unit amount on a non-educational query",
			OverrideResponse: dosingOverride,
		}
	}

	if v, ok := unsafeA1CTarget(in.Query); ok {
		return a1cBlock(v, "query")
	}
	if v, ok := unsafeA1CTarget(in.Response); ok {
		return a1cBlock(v, "response")
	}

	if !educational {
		if m := matchAny(clinicalDecisionPatterns, in.Query); m != "" {
			return datatypes.TierDecision{
				Tier:             datatypes.TierClinical,
				Action:           datatypes.ActionDefer,
				Reason:           "query asks for a clinical decision: " + m,
				Disclaimer:       disclaimerClinical,
				OverrideResponse: clinicalOverride,
			}
		}
	}

	if c.qualifiesPersonalized(in) {
		return datatypes.TierDecision{
			Tier:       datatypes.TierPersonalized,
			Action:     datatypes.ActionAllow,
			Reason:     "personalized response with a small testable adjustment and a testing protocol",
			Disclaimer: disclaimerPersonalized,
		}
	}

	return datatypes.TierDecision{
		Tier:       datatypes.TierEducation,
		Action:     datatypes.ActionAllow,
		Reason:     "general education",
		Disclaimer: disclaimerEducation,
	}
}

// qualifiesPersonalized checks the three T2 conditions: personalization
// evidence, an adjustment of at most 20%, and a named testing protocol.
func (c *TierClassifier) qualifiesPersonalized(in TierInput) bool {
	personalized := in.GlookoAvailable
	lower := strings.ToLower(in.Response)
	if !personalized {
		for _, m := range personalMarkers {
			if strings.Contains(lower, m) {
				personalized = true
				break
			}
		}
	}
	if !personalized {
		return false
	}

	matches := percentPattern.FindAllStringSubmatch(in.Response, -1)
	if len(matches) == 0 {
		return false
	}
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil || v > 20 {
			return false
		}
	}

	for _, marker := range testingMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

const intentPrompt = `Classify the intent of this diabetes question as exactly one word, EDUCATIONAL or PRESCRIPTIVE.

EDUCATIONAL: asking how something works, why something happens, or general strategies.
PRESCRIPTIVE: asking what dose to take, what setting to use, or what the asker personally should do right now.

Question: %s

One word answer:`

// classifyIntentLLM asks the intent model whether an ambiguous query is
// educational. Anything other than a clean EDUCATIONAL answer, including
// errors and timeouts, is treated as PRESCRIPTIVE.
func (c *TierClassifier) classifyIntentLLM(ctx context.Context, query string) bool {
	llmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, _, err := c.intentLLM.Generate(llmCtx, strings.Replace(intentPrompt, "%s", query, 1), llm.GenerationParams{
		Temperature: llm.Float32Ptr(0),
		MaxTokens:   llm.IntPtr(10),
	})
	if err != nil {
		slog.Debug("Intent classification LLM failed; treating as prescriptive", "error", err)
		return false
	}
	return strings.EqualFold(strings.TrimSpace(raw), "EDUCATIONAL")
}

// =============================================================================
// Helpers
// =============================================================================

func isEducationalQuery(query string) bool {
	return matchAny(educationalPatterns, query) != ""
}

// IsDosingQuery reports whether a query asks for an actual dose. The
// agent uses this to select the safety-fallback template when the
// provider fails on such a query.
func IsDosingQuery(query string) bool {
	return matchAny(dosingRequestPatterns, query) != ""
}

func matchAny(patterns []*regexp.Regexp, text string) string {
	for _, p := range patterns {
		if m := p.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

// unsafeA1CTarget reports the first A1C value below the safe floor.
func unsafeA1CTarget(text string) (float64, bool) {
	for _, m := range a1cPattern.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if v < minSafeA1C && v > 0 {
			return v, true
		}
	}
	return 0, false
}

func a1cBlock(value float64, where string) datatypes.TierDecision {
	return datatypes.TierDecision{
		Tier:             datatypes.TierDangerous,
		Action:           datatypes.ActionBlock,
		Reason:           fmt.Sprintf("A1C target %.1f%% in %s is below the 5.5%% safety floor", value, where),
		OverrideResponse: a1cOverride,
	}
}
