// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package units implements the glucose unit policy.
//
// Glucose values are carried internally in mg/dL. The configured display
// unit is resolved once at startup (GLUCOSE_UNIT or config) and threaded
// through as a UnitConfig value; there is no package-level mutable state.
package units

import (
	"fmt"
	"strings"
)

// ConversionFactor converts between mmol/L and mg/dL:
// mg/dL = mmol/L * ConversionFactor.
const ConversionFactor = 18.0182

// Unit is a glucose measurement unit.
type Unit string

const (
	UnitMgdl Unit = "mg/dL"
	UnitMmol Unit = "mmol/L"
)

// Clinical thresholds in mg/dL, with mmol/L equivalents.
const (
	TargetLowMgdl    = 70.0
	TargetHighMgdl   = 180.0
	SevereHyperMgdl  = 250.0
	TargetLowMmol    = TargetLowMgdl / ConversionFactor
	TargetHighMmol   = TargetHighMgdl / ConversionFactor
	SevereHyperMmol  = SevereHyperMgdl / ConversionFactor
)

// ParseUnit validates a configured unit string.
//
// Outputs:
//
//	Unit - The parsed unit.
//	error - Non-nil for anything other than "mg/dL" or "mmol/L". Callers
//	treat this as a fatal configuration error.
func ParseUnit(s string) (Unit, error) {
	switch strings.TrimSpace(s) {
	case string(UnitMgdl), "":
		return UnitMgdl, nil
	case string(UnitMmol):
		return UnitMmol, nil
	default:
		return "", fmt.Errorf("invalid glucose unit %q (want %q or %q)", s, UnitMgdl, UnitMmol)
	}
}

// UnitConfig is the process-wide unit policy resolved at startup.
type UnitConfig struct {
	Unit Unit
}

// MgdlToMmol converts a mg/dL value to mmol/L.
func MgdlToMmol(mgdl float64) float64 {
	return mgdl / ConversionFactor
}

// MmolToMgdl converts a mmol/L value to mg/dL.
func MmolToMgdl(mmol float64) float64 {
	return mmol * ConversionFactor
}

// ConvertToConfigured converts an internal mg/dL value to the configured
// unit's scale.
func (c UnitConfig) ConvertToConfigured(mgdl float64) float64 {
	if c.Unit == UnitMmol {
		return MgdlToMmol(mgdl)
	}
	return mgdl
}

// Format renders an internal mg/dL value in the configured unit.
//
// mg/dL values are whole numbers by convention; mmol/L uses one decimal.
func (c UnitConfig) Format(mgdl float64) string {
	if c.Unit == UnitMmol {
		return fmt.Sprintf("%.1f mmol/L", MgdlToMmol(mgdl))
	}
	return fmt.Sprintf("%.0f mg/dL", mgdl)
}
