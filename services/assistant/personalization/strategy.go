// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package personalization

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// QueryType buckets queries for feedback pattern matching.
type QueryType string

const (
	QueryTypeQuestion        QueryType = "question"
	QueryTypeConfiguration   QueryType = "configuration"
	QueryTypeTroubleshooting QueryType = "troubleshooting"
	QueryTypeDeviceSpecific  QueryType = "device_specific"
	QueryTypeGeneral         QueryType = "general"
)

// ClassifyQuery derives the feedback bucket from keywords. Order is
// specific-to-general: troubleshooting and configuration win over the
// bare question bucket.
func ClassifyQuery(query string) QueryType {
	q := strings.ToLower(query)
	switch {
	case containsAny(q, "not working", "error", "problem", "issue", "fix", "troubleshoot", "fail", "alarm"):
		return QueryTypeTroubleshooting
	case containsAny(q, "set up", "setup", "configure", "setting", "calibrat", "install", "pair"):
		return QueryTypeConfiguration
	case containsAny(q, "pump", "cgm", "sensor", "pod", "cannula", "infusion set", "transmitter"):
		return QueryTypeDeviceSpecific
	case strings.Contains(q, "?") || containsAny(q, "what", "how", "why", "when", "which", "should"):
		return QueryTypeQuestion
	default:
		return QueryTypeGeneral
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// NegativeFeedback is one JSONL row in the per-user feedback log.
type NegativeFeedback struct {
	Timestamp  time.Time `json:"timestamp"`
	QueryType  QueryType `json:"query_type"`
	RAGQuality float64   `json:"rag_quality"`
	Sources    []string  `json:"sources"`
}

// RetrievalStrategy is the resolved parameter set for one retrieval.
type RetrievalStrategy struct {
	TopK          int     `json:"top_k"`
	MinConfidence float64 `json:"min_confidence"`
	Reason        string  `json:"reason"`
}

// DefaultStrategy is used when feedback history shows no pattern.
func DefaultStrategy() RetrievalStrategy {
	return RetrievalStrategy{TopK: 5, MinConfidence: 0.35, Reason: "default"}
}

// LogNegativeFeedback appends a feedback entry to the user's JSONL log.
// Fire-and-forget: failures are logged, never returned.
func (m *Manager) LogNegativeFeedback(sessionID string, fb NegativeFeedback) {
	dir := m.userDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Cannot create user feedback dir", "error", err)
		return
	}
	if fb.Timestamp.IsZero() {
		fb.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(fb)
	if err != nil {
		slog.Warn("Cannot marshal negative feedback", "error", err)
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "negative_feedback.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("Cannot append negative feedback", "error", err)
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

// AdjustRetrievalStrategy resolves retrieval parameters for a query from
// the session's negative-feedback history.
//
// When at least two past entries of the same query type averaged below
// 0.5 retrieval confidence, retrieval widens (topK=10, minConf=0.25) to
// pull in more candidates. When they averaged above 0.8 — retrieval was
// confident yet the user was still unhappy — diversity pressure rises
// instead (topK=8, minConf=0.4).
func (m *Manager) AdjustRetrievalStrategy(query, sessionID string) RetrievalStrategy {
	queryType := ClassifyQuery(query)
	entries := m.readFeedback(sessionID)

	var sum float64
	var count int
	for _, e := range entries {
		if e.QueryType == queryType {
			sum += e.RAGQuality
			count++
		}
	}
	if count < 2 {
		return DefaultStrategy()
	}

	avg := sum / float64(count)
	switch {
	case avg < 0.5:
		return RetrievalStrategy{
			TopK:          10,
			MinConfidence: 0.25,
			Reason:        string(queryType) + " queries repeatedly retrieved low-confidence chunks; widening",
		}
	case avg > 0.8:
		return RetrievalStrategy{
			TopK:          8,
			MinConfidence: 0.4,
			Reason:        string(queryType) + " queries retrieved confidently but dissatisfied; raising diversity pressure",
		}
	default:
		return DefaultStrategy()
	}
}

func (m *Manager) readFeedback(sessionID string) []NegativeFeedback {
	f, err := os.Open(filepath.Join(m.userDir(sessionID), "negative_feedback.jsonl"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []NegativeFeedback
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var fb NegativeFeedback
		if err := json.Unmarshal(scanner.Bytes(), &fb); err != nil {
			continue
		}
		entries = append(entries, fb)
	}
	return entries
}
