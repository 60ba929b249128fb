// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package personalization adjusts retrieval for the user's devices and
// learns from feedback.
//
// Two responsibilities:
//
//  1. Device boost: chunks whose source matches the user's pump or CGM
//     manufacturer get a confidence boost so device-specific passages
//     outrank generic guidance.
//  2. Regularized learning: per (session, deviceType, manufacturer)
//     boost state updated from feedback with a decaying learning rate,
//     so early feedback moves the boost and later feedback stabilizes it.
//
// State persists under data/users/<sha256(session)>/ and every
// load-modify-save is serialized with a per-key lock.
package personalization

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

// Defaults for the personalization config section.
const (
	DefaultDeviceBoost  = 0.2
	DefaultMaxBoost     = 0.3
	DefaultLearningRate = 0.1
	DefaultDecayFactor  = 0.1
)

// Config tunes boosting and learning. Zero values take the defaults.
type Config struct {
	DeviceBoost  float64
	MaxBoost     float64
	LearningRate float64
	DecayFactor  float64
}

func (c *Config) applyDefaults() {
	if c.DeviceBoost == 0 {
		c.DeviceBoost = DefaultDeviceBoost
	}
	if c.MaxBoost == 0 {
		c.MaxBoost = DefaultMaxBoost
	}
	if c.LearningRate == 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.DecayFactor == 0 {
		c.DecayFactor = DefaultDecayFactor
	}
}

// BoostAdjustment is one entry in a boost state's history.
type BoostAdjustment struct {
	Timestamp time.Time `json:"timestamp"`
	Delta     float64   `json:"delta"`
	Rate      float64   `json:"rate"`
	NewBoost  float64   `json:"new_boost"`
}

// BoostState is the persisted learning state for one device.
type BoostState struct {
	FeedbackCount int               `json:"feedback_count"`
	CurrentBoost  float64           `json:"current_boost"`
	History       []BoostAdjustment `json:"history"`
}

// Manager implements device boosting and feedback learning.
//
// Thread Safety: safe for concurrent use. Boost state updates are
// serialized per (session, deviceType, manufacturer).
type Manager struct {
	dataDir string
	config  Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager rooted at dataDir (the directory holding
// users/).
func NewManager(dataDir string, config Config) *Manager {
	config.applyDefaults()
	return &Manager{
		dataDir: dataDir,
		config:  config,
		locks:   make(map[string]*sync.Mutex),
	}
}

// =============================================================================
// Device boost
// =============================================================================

// ApplyDeviceBoost returns a new chunk list with the configured boost
// added to chunks whose source matches the pump or CGM manufacturer
// (case-insensitive substring match in either direction). Confidence is
// clamped to [0, 1]; the input slice is not mutated. Chunks carry a
// Boosted mark once boosted, making the operation idempotent: a second
// pass over already-boosted chunks changes nothing.
func (m *Manager) ApplyDeviceBoost(chunks []datatypes.Chunk, pumpManufacturer, cgmManufacturer string) []datatypes.Chunk {
	boost := m.config.DeviceBoost
	if boost > m.config.MaxBoost {
		boost = m.config.MaxBoost
	}

	out := make([]datatypes.Chunk, len(chunks))
	copy(out, chunks)
	for i := range out {
		if out[i].Boosted {
			continue
		}
		if !matchesManufacturer(out[i].Source, pumpManufacturer) &&
			!matchesManufacturer(out[i].Source, cgmManufacturer) {
			continue
		}
		c := out[i].Confidence + boost
		if c > 1 {
			c = 1
		}
		out[i].Confidence = c
		out[i].Boosted = true
	}
	return out
}

func matchesManufacturer(source, manufacturer string) bool {
	if manufacturer == "" {
		return false
	}
	s := strings.ToLower(source)
	man := strings.ToLower(manufacturer)
	return strings.Contains(s, man) || strings.Contains(man, s)
}

// =============================================================================
// Regularized learning
// =============================================================================

// EffectiveRate returns the learning rate after n feedbacks:
// baseRate / (1 + decayFactor * n). Monotonically non-increasing in n;
// with defaults it drops below 0.025 after about 30 feedbacks.
func (m *Manager) EffectiveRate(feedbackCount int) float64 {
	return m.config.LearningRate / (1 + m.config.DecayFactor*float64(feedbackCount))
}

// RecordFeedback applies one feedback delta to the device's boost state
// and persists it. Positive deltas raise the boost, negative lower it;
// the result is clamped to [0, maxBoost].
func (m *Manager) RecordFeedback(sessionID, deviceType, manufacturer string, delta float64) (BoostState, error) {
	key := m.stateKey(sessionID, deviceType, manufacturer)
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.loadState(sessionID, deviceType, manufacturer)
	if err != nil {
		return BoostState{}, err
	}

	rate := m.EffectiveRate(state.FeedbackCount)
	newBoost := state.CurrentBoost + rate*delta
	if newBoost < 0 {
		newBoost = 0
	}
	if newBoost > m.config.MaxBoost {
		newBoost = m.config.MaxBoost
	}

	state.CurrentBoost = newBoost
	state.FeedbackCount++
	state.History = append(state.History, BoostAdjustment{
		Timestamp: time.Now().UTC(),
		Delta:     delta,
		Rate:      rate,
		NewBoost:  newBoost,
	})

	if err := m.saveState(sessionID, deviceType, manufacturer, state); err != nil {
		return BoostState{}, err
	}
	return state, nil
}

// CurrentBoost reads the persisted boost for a device, zero when no
// feedback was ever recorded.
func (m *Manager) CurrentBoost(sessionID, deviceType, manufacturer string) (float64, error) {
	state, err := m.loadState(sessionID, deviceType, manufacturer)
	if err != nil {
		return 0, err
	}
	return state.CurrentBoost, nil
}

// =============================================================================
// Persistence
// =============================================================================

// userDir hashes the session ID so filesystem paths never embed it.
func (m *Manager) userDir(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return filepath.Join(m.dataDir, "users", hex.EncodeToString(sum[:]))
}

var fileSafe = regexp.MustCompile(`[^a-z0-9_-]+`)

func sanitize(s string) string {
	return fileSafe.ReplaceAllString(strings.ToLower(s), "_")
}

func (m *Manager) statePath(sessionID, deviceType, manufacturer string) string {
	name := fmt.Sprintf("boost_%s_%s.json", sanitize(deviceType), sanitize(manufacturer))
	return filepath.Join(m.userDir(sessionID), name)
}

func (m *Manager) stateKey(sessionID, deviceType, manufacturer string) string {
	return sessionID + "|" + deviceType + "|" + manufacturer
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Manager) loadState(sessionID, deviceType, manufacturer string) (BoostState, error) {
	data, err := os.ReadFile(m.statePath(sessionID, deviceType, manufacturer))
	if errors.Is(err, os.ErrNotExist) {
		return BoostState{}, nil
	}
	if err != nil {
		return BoostState{}, err
	}
	var state BoostState
	if err := json.Unmarshal(data, &state); err != nil {
		return BoostState{}, fmt.Errorf("boost state is corrupt: %w", err)
	}
	return state, nil
}

func (m *Manager) saveState(sessionID, deviceType, manufacturer string, state BoostState) error {
	dir := m.userDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	path := m.statePath(sessionID, deviceType, manufacturer)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
