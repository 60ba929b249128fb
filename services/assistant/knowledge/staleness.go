// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

// StalenessLevel grades how outdated a collection's index is.
type StalenessLevel string

const (
	StalenessFresh    StalenessLevel = "fresh"
	StalenessStale    StalenessLevel = "stale"
	StalenessCritical StalenessLevel = "critical"
)

// CollectionStatus is one collection's staleness assessment.
type CollectionStatus struct {
	Collection datatypes.CollectionInfo `json:"collection"`
	AgeDays    int                      `json:"age_days"`
	Level      StalenessLevel           `json:"level"`
}

// Monitor assesses index freshness against configured thresholds.
// Clinical guidance shifts; an index nobody reindexed for a year is a
// safety concern, not just a quality one.
type Monitor struct {
	store         Store
	stalenessDays int
	criticalDays  int
}

// NewMonitor builds a staleness monitor. Thresholds come from the
// knowledge_monitoring config section.
func NewMonitor(store Store, stalenessDays, criticalDays int) *Monitor {
	return &Monitor{store: store, stalenessDays: stalenessDays, criticalDays: criticalDays}
}

// Report classifies every collection and logs stale ones.
func (m *Monitor) Report(ctx context.Context) ([]CollectionStatus, error) {
	collections, err := m.store.Collections(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	statuses := make([]CollectionStatus, 0, len(collections))
	for _, c := range collections {
		age := 0
		if !c.LastIndexed.IsZero() {
			age = int(now.Sub(c.LastIndexed).Hours() / 24)
		}
		level := StalenessFresh
		switch {
		case c.LastIndexed.IsZero() || age >= m.criticalDays:
			level = StalenessCritical
		case age >= m.stalenessDays:
			level = StalenessStale
		}
		if level != StalenessFresh {
			slog.Warn("Knowledge collection is stale",
				"collection", c.Name,
				"age_days", age,
				"level", level)
		}
		statuses = append(statuses, CollectionStatus{Collection: c, AgeDays: age, Level: level})
	}
	return statuses, nil
}
