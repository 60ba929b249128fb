// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

// QualityThresholds hold the sufficiency cut-offs. Zero value is invalid;
// use DefaultQualityThresholds or the config section.
type QualityThresholds struct {
	MinChunks     int
	MinConfidence float64
	MinSources    int
}

// DefaultQualityThresholds are the shipped sufficiency cut-offs.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{MinChunks: 3, MinConfidence: 0.7, MinSources: 2}
}

// QualityAssessor grades a retrieval result. Purely deterministic.
type QualityAssessor struct {
	thresholds QualityThresholds
}

// NewQualityAssessor creates an assessor with the given thresholds.
func NewQualityAssessor(t QualityThresholds) *QualityAssessor {
	return &QualityAssessor{thresholds: t}
}

// Assess computes the RAGQuality for a chunk list.
//
// Coverage policy:
//   - sufficient: chunkCount >= MinChunks AND avgConfidence >= MinConfidence
//     AND sourceDiversity >= MinSources.
//   - partial: chunkCount >= 1 AND avgConfidence >= 0.5, when not sufficient.
//   - sparse: everything else, including an empty list.
func (a *QualityAssessor) Assess(chunks []datatypes.Chunk) datatypes.RAGQuality {
	if len(chunks) == 0 {
		return datatypes.RAGQuality{Coverage: datatypes.CoverageSparse}
	}

	var sum float64
	maxConf := chunks[0].Confidence
	minConf := chunks[0].Confidence
	seen := make(map[string]bool)
	var sources []string
	for _, ch := range chunks {
		sum += ch.Confidence
		if ch.Confidence > maxConf {
			maxConf = ch.Confidence
		}
		if ch.Confidence < minConf {
			minConf = ch.Confidence
		}
		if !seen[ch.Source] {
			seen[ch.Source] = true
			sources = append(sources, ch.Source)
		}
	}
	avg := sum / float64(len(chunks))

	q := datatypes.RAGQuality{
		ChunkCount:      len(chunks),
		AvgConfidence:   avg,
		MaxConfidence:   maxConf,
		MinConfidence:   minConf,
		SourcesCovered:  sources,
		SourceDiversity: len(sources),
	}

	switch {
	case q.ChunkCount >= a.thresholds.MinChunks &&
		q.AvgConfidence >= a.thresholds.MinConfidence &&
		q.SourceDiversity >= a.thresholds.MinSources:
		q.Coverage = datatypes.CoverageSufficient
		q.IsSufficient = true
	case q.AvgConfidence >= 0.5:
		q.Coverage = datatypes.CoveragePartial
	default:
		q.Coverage = datatypes.CoverageSparse
	}
	return q
}
