// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devices

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantName string
		wantType Type
	}{
		{name: "camaps", input: "CamAPS_FX_manual.pdf", wantName: "CamAPS FX", wantType: TypeAlgorithm},
		{name: "control iq", input: "control-iq_user_guide.pdf", wantName: "Control-IQ", wantType: TypeAlgorithm},
		{name: "omnipod 5 beats dash", input: "omnipod5_guide.pdf", wantName: "Omnipod 5", wantType: TypeAlgorithm},
		{name: "omnipod dash", input: "omnipod_dash.pdf", wantName: "Omnipod DASH", wantType: TypePump},
		{name: "dana-i pump", input: "dana-i_usermanual.pdf", wantName: "Dana-i", wantType: TypePump},
		{name: "tandem", input: "tandem_tslim_x2.pdf", wantName: "Tandem t:slim X2", wantType: TypePump},
		{name: "medtronic 780g", input: "minimed_780g.pdf", wantName: "Medtronic MiniMed", wantType: TypePump},
		{name: "dexcom g6", input: "dexcom_g6.pdf", wantName: "Dexcom", wantType: TypeCGM},
		{name: "libre", input: "freestyle_libre3.pdf", wantName: "FreeStyle Libre", wantType: TypeCGM},
		{name: "guardian cgm", input: "guardian_sensor.pdf", wantName: "Medtronic Guardian", wantType: TypeCGM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify([]string{tt.input})
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantName, got[0].DisplayName)
			assert.Equal(t, tt.wantType, got[0].Type)
		})
	}
}

func TestClassify_GuidelinesNeverBecomeDevices(t *testing.T) {
	got := classify([]string{
		"ada_standards_of_care_2025.pdf",
		"australian_guidelines.pdf",
		"dexcom_position_statement.pdf",
	})
	assert.Empty(t, got)
}

func TestClassify_DeduplicatesByDisplayName(t *testing.T) {
	got := classify([]string{"camaps_fx_v1.pdf", "camaps_fx_v2.pdf", "dana-i.pdf"})
	require.Len(t, got, 2)
	assert.Equal(t, "CamAPS FX", got[0].DisplayName)
	assert.Equal(t, "Dana-i", got[1].DisplayName)
}

func TestClassify_UnknownNamesSkipped(t *testing.T) {
	got := classify([]string{"random_notes.pdf", "shopping_list.pdf"})
	assert.Empty(t, got)
}

func TestRegistry_RescanAndLookups(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"camaps_fx.pdf", "dana-i_manual.pdf", "dexcom_g7.pdf", "readme.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	r := NewRegistry(dir, nil)
	require.NoError(t, r.Rescan(context.Background()))

	devices := r.Devices()
	require.Len(t, devices, 3)

	primary, ok := r.Primary()
	require.True(t, ok)
	assert.Equal(t, "CamAPS FX", primary.DisplayName)

	pump, ok := r.ByType(TypePump)
	require.True(t, ok)
	assert.Equal(t, "Dana-i", pump.DisplayName)

	cgm, ok := r.ByType(TypeCGM)
	require.True(t, ok)
	assert.Equal(t, "Dexcom", cgm.DisplayName)
}

func TestRegistry_EmptyDirectory(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "missing"), nil)
	require.NoError(t, r.Rescan(context.Background()))

	_, ok := r.Primary()
	assert.False(t, ok)
	assert.Empty(t, r.Devices())
}

func TestCollectionKey(t *testing.T) {
	assert.Equal(t, "camaps_fx_manual", collectionKey("CamAPS FX Manual.pdf"))
	assert.Equal(t, "dana_i", collectionKey("Dana-i.PDF"))
}
