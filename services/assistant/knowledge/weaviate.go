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
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

// chunkClassName is the Weaviate class holding corpus passages. Each
// object carries the passage text, its collection key, and a page number.
const chunkClassName = "CorpusChunk"

// WeaviateStore implements Store against a Weaviate instance.
//
// Thread Safety: safe for concurrent use; the underlying client is
// concurrency-safe by contract.
type WeaviateStore struct {
	client *weaviate.Client
}

var _ Store = (*WeaviateStore)(nil)

// NewWeaviateStore wraps an existing Weaviate client.
func NewWeaviateStore(client *weaviate.Client) (*WeaviateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate client must not be nil")
	}
	return &WeaviateStore{client: client}, nil
}

// Query implements Store.
//
// Retrieval runs a NearText search across the corpus class and converts
// the returned cosine distance to confidence. Results arrive sorted by
// distance; we re-sort by confidence after conversion to keep the
// contract explicit.
func (w *WeaviateStore) Query(ctx context.Context, text string, topK int) ([]datatypes.Chunk, error) {
	if topK <= 0 {
		topK = 5
	}

	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{text})

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "source"},
		{Name: "page"},
		{Name: "_additional { distance }"},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(chunkClassName).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, result.Errors[0].Message)
	}

	chunks := parseChunks(result.Data)
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Confidence > chunks[j].Confidence
	})
	slog.Debug("Knowledge query complete", "top_k", topK, "returned", len(chunks))
	return chunks, nil
}

// Collections implements Store.
//
// Collection membership is derived from the distinct source values via a
// grouped aggregate; lastIndexed comes from the per-source max of the
// indexedAt property maintained by the ingestion service.
func (w *WeaviateStore) Collections(ctx context.Context) ([]datatypes.CollectionInfo, error) {
	result, err := w.client.GraphQL().Aggregate().
		WithClassName(chunkClassName).
		WithGroupBy("source").
		WithFields(
			graphql.Field{Name: "groupedBy", Fields: []graphql.Field{{Name: "value"}}},
			graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}},
			graphql.Field{Name: "indexedAt", Fields: []graphql.Field{{Name: "maximum"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, result.Errors[0].Message)
	}
	return parseCollections(result.Data), nil
}

// =============================================================================
// GraphQL response parsing
// =============================================================================

func parseChunks(data map[string]models.JSONObject) []datatypes.Chunk {
	var chunks []datatypes.Chunk
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return chunks
	}
	rows, ok := get[chunkClassName].([]any)
	if !ok {
		return chunks
	}

	for _, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			continue
		}
		text, _ := obj["text"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		source, _ := obj["source"].(string)
		page := 0
		if p, ok := obj["page"].(float64); ok {
			page = int(p)
		}
		confidence := 0.0
		if add, ok := obj["_additional"].(map[string]any); ok {
			if d, ok := add["distance"].(float64); ok {
				confidence = DistanceToConfidence(d)
			}
		}
		chunks = append(chunks, datatypes.Chunk{
			Text:       text,
			Source:     source,
			Page:       page,
			Confidence: confidence,
		})
	}
	return chunks
}

func parseCollections(data map[string]models.JSONObject) []datatypes.CollectionInfo {
	var infos []datatypes.CollectionInfo
	agg, ok := data["Aggregate"].(map[string]any)
	if !ok {
		return infos
	}
	rows, ok := agg[chunkClassName].([]any)
	if !ok {
		return infos
	}

	for _, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			continue
		}
		info := datatypes.CollectionInfo{}
		if grouped, ok := obj["groupedBy"].(map[string]any); ok {
			info.Name, _ = grouped["value"].(string)
		}
		if meta, ok := obj["meta"].(map[string]any); ok {
			if count, ok := meta["count"].(float64); ok {
				info.ChunkCount = int(count)
			}
		}
		if idx, ok := obj["indexedAt"].(map[string]any); ok {
			if maxStr, ok := idx["maximum"].(string); ok {
				if t, err := time.Parse(time.RFC3339, maxStr); err == nil {
					info.LastIndexed = t
				}
			}
		}
		if info.Name != "" {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
