// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiment assigns sessions to A/B cohorts for the RAG-only
// versus hybrid prompt experiment.
//
// Assignment is sticky: the first decision for a session is persisted in
// Badger and every later request returns the stored cohort. The initial
// split is a deterministic hash of the session ID, so assignment is
// reproducible even if the store is rebuilt.
package experiment

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

const cohortKeyPrefix = "cohort:"

// Manager hands out sticky cohort assignments.
//
// Thread Safety: safe for concurrent use; Badger transactions provide
// the serialization.
type Manager struct {
	db *badger.DB
}

// NewManager opens (or creates) the cohort store at storageDir.
func NewManager(storageDir string) (*Manager, error) {
	opts := badger.DefaultOptions(storageDir).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening cohort store: %w", err)
	}
	return &Manager{db: db}, nil
}

// Assign returns the session's cohort, creating and persisting one on
// first sight. Store failures degrade to the hash-only assignment so an
// experiment hiccup never fails a request.
func (m *Manager) Assign(sessionID string) datatypes.Cohort {
	key := []byte(cohortKeyPrefix + sessionID)

	var cohort datatypes.Cohort
	err := m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			return item.Value(func(val []byte) error {
				cohort = datatypes.Cohort(val)
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		cohort = hashCohort(sessionID)
		return txn.Set(key, []byte(cohort))
	})
	if err != nil {
		slog.Warn("Cohort store unavailable, using hash assignment", "error", err)
		return hashCohort(sessionID)
	}
	return cohort
}

// Close releases the Badger store.
func (m *Manager) Close() error {
	return m.db.Close()
}

// hashCohort splits sessions 50/50 by FNV-1a hash.
func hashCohort(sessionID string) datatypes.Cohort {
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	if h.Sum64()%2 == 0 {
		return datatypes.CohortControl
	}
	return datatypes.CohortTreatment
}
