// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestStore_AppendAndHistoryOrder(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		err := store.AppendExchange("sess-1",
			fmt.Sprintf("question %d", i),
			fmt.Sprintf("answer %d", i),
			"question")
		require.NoError(t, err)
	}

	history, err := store.History("sess-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, ex := range history {
		assert.Equal(t, fmt.Sprintf("question %d", i), ex.Query)
		assert.Equal(t, fmt.Sprintf("answer %d", i), ex.Response)
	}
}

func TestStore_HistoryReturnsMostRecent(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 8; i++ {
		require.NoError(t, store.AppendExchange("sess-1",
			fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i), ""))
	}

	history, err := store.History("sess-1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "q5", history[0].Query)
	assert.Equal(t, "q7", history[2].Query)
}

func TestStore_HistoryTruncatesResponses(t *testing.T) {
	store := newTestStore(t)

	long := strings.Repeat("x", PromptResponseLimit+200)
	require.NoError(t, store.AppendExchange("sess-1", "q", long, ""))

	history, err := store.History("sess-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Len(t, history[0].Response, PromptResponseLimit+3)
	assert.True(t, strings.HasSuffix(history[0].Response, "..."))
}

func TestStore_ClearThenHistoryEmpty(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AppendExchange("sess-1", "q", "a", ""))
	require.NoError(t, store.Clear("sess-1"))

	history, err := store.History("sess-1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_HistoryUnknownSession(t *testing.T) {
	store := newTestStore(t)

	history, err := store.History("never-seen", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AppendExchange("sess-1", "q", "a", ""))
	require.NoError(t, store.Delete("sess-1"))
	require.NoError(t, store.Delete("sess-1")) // idempotent

	history, err := store.History("sess-1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStore_RejectsPathEscapingIDs(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"../etc/passwd", "a/b", "", strings.Repeat("x", 200)} {
		err := store.AppendExchange(id, "q", "a", "")
		assert.ErrorIs(t, err, ErrInvalidSessionID, "id %q", id)
	}
}

func TestStore_GetOrCreate(t *testing.T) {
	store := newTestStore(t)

	created, err := store.GetOrCreate("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", created.ID)
	assert.Empty(t, created.Exchanges)

	require.NoError(t, store.AppendExchange("sess-1", "q", "a", ""))
	loaded, err := store.GetOrCreate("sess-1")
	require.NoError(t, err)
	assert.Len(t, loaded.Exchanges, 1)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.AppendExchange("sess-1", fmt.Sprintf("q%d", i), "a", "")
		}(i)
	}
	wg.Wait()

	history, err := store.History("sess-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 20)
}
