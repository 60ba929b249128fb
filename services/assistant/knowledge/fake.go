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
	"sort"
	"sync"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

// FakeStore is an in-memory Store for tests and local development
// without a Weaviate instance.
//
// Thread Safety: safe for concurrent use.
type FakeStore struct {
	mu     sync.Mutex
	chunks []datatypes.Chunk
	infos  []datatypes.CollectionInfo

	// Err, when non-nil, is returned by Query to simulate an outage.
	Err error

	// Queries records every query text, for assertions.
	Queries []string
}

var _ Store = (*FakeStore)(nil)

// NewFakeStore seeds the store with chunks, pre-sorted by confidence.
func NewFakeStore(chunks ...datatypes.Chunk) *FakeStore {
	f := &FakeStore{chunks: chunks}
	sort.SliceStable(f.chunks, func(i, j int) bool {
		return f.chunks[i].Confidence > f.chunks[j].Confidence
	})
	return f
}

// SetCollections seeds Collections output.
func (f *FakeStore) SetCollections(infos []datatypes.CollectionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = infos
}

// Query implements Store.
func (f *FakeStore) Query(_ context.Context, text string, topK int) ([]datatypes.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries = append(f.Queries, text)
	if f.Err != nil {
		return nil, f.Err
	}
	n := topK
	if n > len(f.chunks) || n <= 0 {
		n = len(f.chunks)
	}
	out := make([]datatypes.Chunk, n)
	copy(out, f.chunks[:n])
	return out, nil
}

// Collections implements Store.
func (f *FakeStore) Collections(_ context.Context) ([]datatypes.CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]datatypes.CollectionInfo, len(f.infos))
	copy(out, f.infos)
	return out, nil
}
