// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit appends analysis records to CSV and JSONL files.
//
// Audit records are observational; losing one is preferable to blocking
// the query pipeline. Writes go through a bounded queue drained by a
// single goroutine per file, and the oldest queued record is dropped on
// overflow.
package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// queueDepth bounds pending records per file before drop-oldest applies.
const queueDepth = 256

// Standard analysis file names under <dataDir>/analysis.
const (
	FileEmergencyQueries = "emergency_queries.csv"
	FileSafetyFallback   = "safety_fallback_log.csv"
	FileLowCitation      = "low_citation_responses.csv"
	FileLowRelevancy     = "low_relevancy_responses.csv"
	FileHallucination    = "hallucination_log.csv"
)

type record struct {
	fields []string // CSV row, or nil for JSONL
	value  any      // JSONL payload, or nil for CSV
}

// Writer appends audit records to one file.
//
// Thread Safety: Append/AppendJSON are safe for concurrent use and never
// block longer than a queue push.
type Writer struct {
	path   string
	header []string

	mu     sync.Mutex
	queue  []record
	kick   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewWriter creates an appender for path. For CSV files, header is
// written when the file is first created; pass nil for JSONL.
func NewWriter(path string, header []string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create the audit directory: %w", err)
	}
	w := &Writer{
		path:   path,
		header: header,
		kick:   make(chan struct{}, 1),
	}
	w.wg.Add(1)
	go w.drain()
	return w, nil
}

// Append queues a CSV row.
func (w *Writer) Append(fields ...string) {
	w.push(record{fields: fields})
}

// AppendJSON queues a JSONL record.
func (w *Writer) AppendJSON(value any) {
	w.push(record{value: value})
}

func (w *Writer) push(r record) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if len(w.queue) >= queueDepth {
		// Drop-oldest keeps the most recent evidence when the disk is
		// slower than the pipeline.
		w.queue = w.queue[1:]
		slog.Warn("Audit queue overflow, dropped oldest record", "path", w.path)
	}
	w.queue = append(w.queue, r)
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Close flushes pending records and stops the writer goroutine.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	close(w.kick)
	w.wg.Wait()
}

func (w *Writer) drain() {
	defer w.wg.Done()
	for range w.kick {
		w.flush()
	}
	w.flush()
}

func (w *Writer) flush() {
	w.mu.Lock()
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	writeHeader := false
	if w.header != nil {
		if _, err := os.Stat(w.path); os.IsNotExist(err) {
			writeHeader = true
		}
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("Audit write failed, records lost", "path", w.path, "count", len(batch), "error", err)
		return
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if writeHeader {
		cw.Write(w.header)
	}
	for _, r := range batch {
		if r.fields != nil {
			cw.Write(r.fields)
			continue
		}
		cw.Flush()
		line, err := json.Marshal(r.value)
		if err != nil {
			slog.Error("Audit JSONL marshal failed", "path", w.path, "error", err)
			continue
		}
		f.Write(append(line, '\n'))
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("Audit CSV flush failed", "path", w.path, "error", err)
	}
}

// =============================================================================
// Sink
// =============================================================================

// Sink bundles the standard analysis writers the pipeline reports to.
type Sink struct {
	Emergency      *Writer
	SafetyFallback *Writer
	LowCitation    *Writer
	LowRelevancy   *Writer
	Hallucination  *Writer
}

// NewSink opens the standard analysis files under dataDir/analysis.
func NewSink(dataDir string) (*Sink, error) {
	dir := filepath.Join(dataDir, "analysis")
	open := func(name string, header []string) (*Writer, error) {
		return NewWriter(filepath.Join(dir, name), header)
	}

	emergency, err := open(FileEmergencyQueries, []string{"timestamp", "query", "severity", "detected_keywords", "score"})
	if err != nil {
		return nil, err
	}
	fallback, err := open(FileSafetyFallback, []string{"timestamp", "session_id", "query", "error"})
	if err != nil {
		return nil, err
	}
	lowCitation, err := open(FileLowCitation, []string{"timestamp", "session_id", "response_length", "citation_count"})
	if err != nil {
		return nil, err
	}
	lowRelevancy, err := open(FileLowRelevancy, []string{"timestamp", "session_id", "overlap", "query_terms"})
	if err != nil {
		return nil, err
	}
	hallucination, err := open(FileHallucination, []string{"timestamp", "claim_type", "claim", "confidence"})
	if err != nil {
		return nil, err
	}

	return &Sink{
		Emergency:      emergency,
		SafetyFallback: fallback,
		LowCitation:    lowCitation,
		LowRelevancy:   lowRelevancy,
		Hallucination:  hallucination,
	}, nil
}

// Close flushes and stops every writer.
func (s *Sink) Close() {
	for _, w := range []*Writer{s.Emergency, s.SafetyFallback, s.LowCitation, s.LowRelevancy, s.Hallucination} {
		if w != nil {
			w.Close()
		}
	}
}
