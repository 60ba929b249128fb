// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"regexp"
	"strings"
)

var (
	// citationArtifactPattern strips source annotations the model
	// sometimes injects despite the format rules, e.g. "(Source: manual,
	// p. 12)". Numbered [n] markers are kept; they are the citations we
	// asked for.
	citationArtifactPattern = regexp.MustCompile(`(?i)\((?:source|from|see)\s*:?[^)]*\)`)

	// trailingSourcesPattern drops a "Sources:" section appended after
	// the prose, which duplicates the structured sources_used field.
	trailingSourcesPattern = regexp.MustCompile(`(?is)\n+\s*(sources?|references?)\s*:?\s*\n.*$`)

	duplicatePeriods  = regexp.MustCompile(`\.{2,}`)
	runsOfSpaces      = regexp.MustCompile(`[ \t]{2,}`)
	runsOfBlankLines  = regexp.MustCompile(`\n{3,}`)
	citationMarkerAny = regexp.MustCompile(`\[(\d+|Glooko|General medical knowledge)\]`)
)

// cleanResponse normalizes raw model output before auditing.
func cleanResponse(raw string) string {
	s := citationArtifactPattern.ReplaceAllString(raw, "")
	s = trailingSourcesPattern.ReplaceAllString(s, "")
	s = duplicatePeriods.ReplaceAllString(s, ".")
	s = runsOfSpaces.ReplaceAllString(s, " ")
	s = runsOfBlankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// countCitations counts citation markers in a response.
func countCitations(text string) int {
	return len(citationMarkerAny.FindAllString(text, -1))
}

// stopwords excluded from the relevancy overlap computation.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "do": true, "does": true,
	"for": true, "from": true, "how": true, "i": true, "if": true, "in": true,
	"is": true, "it": true, "my": true, "of": true, "on": true, "or": true,
	"should": true, "so": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "what": true, "when": true, "which": true,
	"why": true, "will": true, "with": true, "you": true, "your": true,
}

var wordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9'-]*`)

// keyTermOverlap returns the fraction of the query's key terms that
// appear in the response, in [0, 1]. A query with no key terms counts
// as fully covered.
func keyTermOverlap(query, response string) float64 {
	terms := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(strings.ToLower(query), -1) {
		if !stopwords[w] && len(w) > 2 {
			terms[w] = true
		}
	}
	if len(terms) == 0 {
		return 1
	}

	responseWords := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(strings.ToLower(response), -1) {
		responseWords[w] = true
	}

	hit := 0
	for t := range terms {
		if responseWords[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}
