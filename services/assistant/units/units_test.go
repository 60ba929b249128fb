// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package units

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnit(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Unit
		wantErr bool
	}{
		{name: "mgdl", input: "mg/dL", want: UnitMgdl},
		{name: "mmol", input: "mmol/L", want: UnitMmol},
		{name: "empty defaults to mgdl", input: "", want: UnitMgdl},
		{name: "whitespace trimmed", input: "  mmol/L  ", want: UnitMmol},
		{name: "unknown unit rejected", input: "mg%", wantErr: true},
		{name: "wrong case rejected", input: "MG/DL", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUnit(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConversionRoundTrip(t *testing.T) {
	// Conversion is lossy only through display rounding; the numeric
	// round trip must stay within 0.06 mmol/L across the clinical range.
	for mgdl := 20.0; mgdl <= 600.0; mgdl += 0.5 {
		back := MmolToMgdl(MgdlToMmol(mgdl))
		diff := math.Abs(MgdlToMmol(back) - MgdlToMmol(mgdl))
		if diff > 0.06 {
			t.Fatalf("round trip at %.1f mg/dL drifted %.4f mmol/L", mgdl, diff)
		}
	}
}

func TestUnitConfig_Format(t *testing.T) {
	mgdl := UnitConfig{Unit: UnitMgdl}
	assert.Equal(t, "70 mg/dL", mgdl.Format(TargetLowMgdl))
	assert.Equal(t, "180 mg/dL", mgdl.Format(TargetHighMgdl))

	mmol := UnitConfig{Unit: UnitMmol}
	assert.Equal(t, "3.9 mmol/L", mmol.Format(TargetLowMgdl))
	assert.Equal(t, "10.0 mmol/L", mmol.Format(TargetHighMgdl))
}

func TestUnitConfig_ConvertToConfigured(t *testing.T) {
	mgdl := UnitConfig{Unit: UnitMgdl}
	assert.Equal(t, 250.0, mgdl.ConvertToConfigured(SevereHyperMgdl))

	mmol := UnitConfig{Unit: UnitMmol}
	assert.InDelta(t, SevereHyperMmol, mmol.ConvertToConfigured(SevereHyperMgdl), 1e-9)
}
