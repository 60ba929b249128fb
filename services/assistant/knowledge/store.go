// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge exposes vector search over the indexed corpus of
// clinical guidelines and device manuals.
//
// The pipeline consumes only the Store interface; chunking, embedding,
// and ingestion live outside the core. The shipped implementation is a
// Weaviate adapter that converts cosine distance to confidence as
// confidence = 1 - distance/2 and is agnostic to the embedding model.
package knowledge

import (
	"context"
	"errors"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

// ErrStoreUnavailable wraps knowledge store failures. The pipeline treats
// them as recoverable: retrieval degrades to an empty chunk list.
var ErrStoreUnavailable = errors.New("knowledge store unavailable")

// Store is the vector search contract consumed by the core.
//
// Thread Safety: implementations must be safe for concurrent use.
type Store interface {
	// Query runs nearest-neighbor retrieval over all enabled collections
	// and returns chunks sorted by descending confidence.
	Query(ctx context.Context, text string, topK int) ([]datatypes.Chunk, error)

	// Collections enumerates the indexed collections. Used for staleness
	// reporting and device detection.
	Collections(ctx context.Context) ([]datatypes.CollectionInfo, error)
}

// DistanceToConfidence converts a cosine distance in [0, 2] to a
// confidence in [0, 1].
func DistanceToConfidence(distance float64) float64 {
	c := 1 - distance/2
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
