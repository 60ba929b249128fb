// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval turns a query into a filtered, boosted chunk list
// and grades the result for prompt-mode gating.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
	"github.com/AleutianAI/glycoassist/services/assistant/knowledge"
	"github.com/AleutianAI/glycoassist/services/assistant/personalization"
)

// Coordinator runs one retrieval pass: strategy resolution, store query,
// confidence filter, router exclusions, device boost.
//
// Thread Safety: safe for concurrent use.
type Coordinator struct {
	store    knowledge.Store
	personal *personalization.Manager
}

// NewCoordinator wires the store and the personalization layer. personal
// may be nil; retrieval then runs with the default strategy and no boost.
func NewCoordinator(store knowledge.Store, personal *personalization.Manager) *Coordinator {
	return &Coordinator{store: store, personal: personal}
}

// Retrieve produces the chunk list for a query.
//
// Inputs:
//
//	rc - Router analysis; nil skips source exclusion.
//	pumpManufacturer, cgmManufacturer - Device hints for the boost pass.
//
// Outputs:
//
//	[]datatypes.Chunk - Sorted by adjusted confidence, descending. An
//	unavailable store yields an empty list, never an error: the pipeline
//	degrades to a thinner hybrid response instead of failing.
func (c *Coordinator) Retrieve(ctx context.Context, query, sessionID string, rc *datatypes.RouterContext, pumpManufacturer, cgmManufacturer string) []datatypes.Chunk {
	strategy := personalization.DefaultStrategy()
	if c.personal != nil {
		strategy = c.personal.AdjustRetrievalStrategy(query, sessionID)
	}

	raw, err := c.store.Query(ctx, query, strategy.TopK)
	if err != nil {
		slog.Warn("Knowledge store query failed, continuing with empty retrieval",
			"error", err, "top_k", strategy.TopK)
		return nil
	}

	chunks := raw[:0:0]
	for _, ch := range raw {
		if ch.Confidence < strategy.MinConfidence {
			continue
		}
		if rc != nil && excluded(ch.Source, rc.ExcludeSources) {
			continue
		}
		chunks = append(chunks, ch)
	}

	if c.personal != nil {
		chunks = c.personal.ApplyDeviceBoost(chunks, pumpManufacturer, cgmManufacturer)
		sort.SliceStable(chunks, func(i, j int) bool {
			return chunks[i].Confidence > chunks[j].Confidence
		})
	}

	slog.Debug("Retrieval complete",
		"raw", len(raw), "kept", len(chunks),
		"top_k", strategy.TopK, "min_confidence", strategy.MinConfidence,
		"strategy", strategy.Reason)
	return chunks
}

// excluded reports whether a chunk source matches any router exclusion,
// case-insensitive substring in either direction. Exclusion terms like
// "manual_bolus_features" must also catch sources named
// "pump_manual_bolus", so both containment directions count.
func excluded(source string, excludeSources []string) bool {
	s := strings.ToLower(source)
	for _, term := range excludeSources {
		t := strings.ToLower(strings.TrimSpace(term))
		if t == "" {
			continue
		}
		if strings.Contains(s, t) || strings.Contains(t, s) {
			return true
		}
	}
	return false
}
