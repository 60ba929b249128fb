// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devices enumerates the user's uploaded device manuals and
// classifies each as an algorithm, pump, or CGM.
//
// Classification is filename-pattern based: the manuals directory and
// the knowledge store's collection names are both matched against a
// fixed pattern catalog. The first device found is the primary device,
// injected into prompts to steer the model toward the user's actual
// hardware instead of generic pump language.
package devices

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/AleutianAI/glycoassist/services/assistant/knowledge"
)

// Type classifies a device manual.
type Type string

const (
	TypeAlgorithm Type = "algorithm"
	TypePump      Type = "pump"
	TypeCGM       Type = "cgm"
	TypeUnknown   Type = "unknown"
)

// Device is one recognized device.
type Device struct {
	// DisplayName is the clean, user-facing device name.
	DisplayName string `json:"display_name"`

	// Type is the device category.
	Type Type `json:"type"`

	// CollectionKey is the knowledge collection holding its manual.
	CollectionKey string `json:"collection_key"`
}

// pattern maps a filename/collection regex to a recognized device.
type pattern struct {
	re          *regexp.Regexp
	displayName string
	deviceType  Type
}

// knownPatterns is the device catalog. Order matters: on duplicate
// display names the first match wins.
var knownPatterns = []pattern{
	{regexp.MustCompile(`(?i)camaps|cam_aps`), "CamAPS FX", TypeAlgorithm},
	{regexp.MustCompile(`(?i)control[-_ ]?iq`), "Control-IQ", TypeAlgorithm},
	{regexp.MustCompile(`(?i)omnipod.*5|omnipod5`), "Omnipod 5", TypeAlgorithm},
	{regexp.MustCompile(`(?i)\bloop\b`), "Loop", TypeAlgorithm},
	{regexp.MustCompile(`(?i)androidaps|android_aps`), "AndroidAPS", TypeAlgorithm},
	{regexp.MustCompile(`(?i)dana[-_ ]?i\b|dana_i`), "Dana-i", TypePump},
	{regexp.MustCompile(`(?i)dana[-_ ]?rs`), "Dana RS", TypePump},
	{regexp.MustCompile(`(?i)t[:]?slim|tslim|tandem`), "Tandem t:slim X2", TypePump},
	{regexp.MustCompile(`(?i)medtronic|minimed|780g|770g`), "Medtronic MiniMed", TypePump},
	{regexp.MustCompile(`(?i)ypsopump|ypsomed`), "YpsoPump", TypePump},
	{regexp.MustCompile(`(?i)omnipod(?:[^5]|$)`), "Omnipod DASH", TypePump},
	{regexp.MustCompile(`(?i)dexcom|g6\b|g7\b`), "Dexcom", TypeCGM},
	{regexp.MustCompile(`(?i)libre|freestyle`), "FreeStyle Libre", TypeCGM},
	{regexp.MustCompile(`(?i)guardian`), "Medtronic Guardian", TypeCGM},
}

// guidelineTokens mark corpus documents that are clinical guidance, not
// device manuals, and must never be surfaced as devices.
var guidelineTokens = regexp.MustCompile(`(?i)guideline|standards?|\bada\b|protocol|consensus|position[-_ ]statement`)

// Registry scans manuals and collections into a device list.
//
// Thread Safety: safe for concurrent use; Rescan swaps the device list
// under a write lock and readers copy under a read lock.
type Registry struct {
	manualsDir string
	store      knowledge.Store

	mu      sync.RWMutex
	devices []Device
}

// NewRegistry creates a registry. store may be nil when running without
// a knowledge backend (manual scan only).
func NewRegistry(manualsDir string, store knowledge.Store) *Registry {
	return &Registry{manualsDir: manualsDir, store: store}
}

// Rescan rebuilds the device list from the manuals directory and the
// knowledge store's collection names.
func (r *Registry) Rescan(ctx context.Context) error {
	var names []string

	entries, err := os.ReadDir(r.manualsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Cannot read manuals directory", "dir", r.manualsDir, "error", err)
		}
	} else {
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".pdf") {
				continue
			}
			names = append(names, e.Name())
		}
	}

	if r.store != nil {
		collections, err := r.store.Collections(ctx)
		if err != nil {
			slog.Warn("Cannot list knowledge collections for device scan", "error", err)
		} else {
			for _, c := range collections {
				names = append(names, c.Name)
			}
		}
	}

	devices := classify(names)
	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()
	slog.Info("Device registry rescanned", "candidates", len(names), "devices", len(devices))
	return nil
}

// classify runs the pattern catalog over names, deduplicating by clean
// display name with first-match-wins.
func classify(names []string) []Device {
	seen := make(map[string]bool)
	var devices []Device
	for _, name := range names {
		if guidelineTokens.MatchString(name) {
			continue
		}
		for _, p := range knownPatterns {
			if !p.re.MatchString(name) {
				continue
			}
			if seen[p.displayName] {
				break
			}
			seen[p.displayName] = true
			devices = append(devices, Device{
				DisplayName:   p.displayName,
				Type:          p.deviceType,
				CollectionKey: collectionKey(name),
			})
			break
		}
	}
	return devices
}

// collectionKey normalizes a filename into a stable collection key.
func collectionKey(name string) string {
	key := strings.TrimSuffix(strings.ToLower(name), ".pdf")
	key = regexp.MustCompile(`[^a-z0-9]+`).ReplaceAllString(key, "_")
	return strings.Trim(key, "_")
}

// Devices returns a copy of the current device list.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Primary returns the user's primary device, or false when no device
// manual is indexed.
func (r *Registry) Primary() (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.devices) == 0 {
		return Device{}, false
	}
	return r.devices[0], true
}

// ByType returns the first device of the given type.
func (r *Registry) ByType(t Type) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.Type == t {
			return d, true
		}
	}
	return Device{}, false
}
