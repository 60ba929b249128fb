// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package personal exposes the user's uploaded diabetes statistics to the
// prompt builder.
//
// Parsing and statistics live in an external collaborator; this package
// only defines the interface the pipeline consumes plus a file-backed
// implementation that reads the collaborator's pre-formatted summary.
package personal

import (
	"context"
	"os"
	"strings"
)

// Loader provides the personal-data block for a session.
type Loader interface {
	// Load returns the pre-formatted personal statistics text for the
	// session, or "" when the user has uploaded no data. Errors are not
	// part of the contract: a loader that cannot read its backing data
	// returns "" and the pipeline proceeds without personalization.
	Load(ctx context.Context, sessionID string) string
}

// FileLoader reads the summary the data-upload collaborator writes to a
// fixed path. The same summary is served to every session; per-user data
// separation happens upstream.
type FileLoader struct {
	path string
}

// NewFileLoader points at the collaborator's summary file.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load implements Loader.
func (l *FileLoader) Load(_ context.Context, _ string) string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// NopLoader always reports no personal data.
type NopLoader struct{}

// Load implements Loader.
func (NopLoader) Load(context.Context, string) string { return "" }
