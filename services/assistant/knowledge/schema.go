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

	"github.com/weaviate/weaviate/entities/models"
)

// corpusChunkSchema defines the class the retrieval queries run against.
// The ingestion collaborator writes objects of this shape; the assistant
// only reads them, but ensures the class exists so a fresh deployment
// answers (with empty retrieval) instead of erroring.
func corpusChunkSchema() *models.Class {
	indexFilterable := true
	indexSearchable := true

	return &models.Class{
		Class:       chunkClassName,
		Description: "Chunked passages from device manuals and clinical guidance documents",
		Vectorizer:  "text2vec-transformers",
		ModuleConfig: map[string]interface{}{
			"text2vec-transformers": map[string]interface{}{
				"vectorizeClassName": false,
			},
		},
		Properties: []*models.Property{
			{
				Name:            "text",
				DataType:        []string{"text"},
				Description:     "Passage body",
				IndexSearchable: &indexSearchable,
				Tokenization:    "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Stable collection key of the source document",
				IndexFilterable: &indexFilterable,
				Tokenization:    "field",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:        "page",
				DataType:    []string{"int"},
				Description: "Page number within the source document",
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
			{
				Name:            "indexedAt",
				DataType:        []string{"date"},
				Description:     "When the chunk was indexed, drives staleness reporting",
				IndexFilterable: &indexFilterable,
				ModuleConfig: map[string]interface{}{
					"text2vec-transformers": map[string]interface{}{
						"skip": true,
					},
				},
			},
		},
	}
}

// EnsureSchema creates the corpus class when it does not exist yet.
// Idempotent; safe to call on every startup.
func (w *WeaviateStore) EnsureSchema(ctx context.Context) error {
	_, err := w.client.Schema().ClassGetter().WithClassName(chunkClassName).Do(ctx)
	if err == nil {
		return nil
	}

	if err := w.client.Schema().ClassCreator().WithClass(corpusChunkSchema()).Do(ctx); err != nil {
		return fmt.Errorf("creating class %s: %w", chunkClassName, err)
	}
	return nil
}
