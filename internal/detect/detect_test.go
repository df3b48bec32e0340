// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// GPU TYPE TESTS
// =============================================================================

func TestGpuType_String(t *testing.T) {
	tests := []struct {
		gpuType GpuType
		want    string
	}{
		{GpuTypeCPU, "CPU"},
		{GpuTypeNvidia, "NVIDIA"},
		{GpuTypeAppleSilicon, "Apple Silicon"},
		{GpuType(99), "Unknown"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.gpuType.String())
	}
}

func TestGpuInfo_String(t *testing.T) {
	assert.Equal(t, "NVIDIA RTX 4090 (24GB VRAM)",
		(&GpuInfo{Name: "NVIDIA RTX 4090", VramGB: 24, Type: GpuTypeNvidia}).String())
	assert.Equal(t, "NVIDIA RTX 4090 (24GB VRAM) [Driver: 535.154.05]",
		(&GpuInfo{Name: "NVIDIA RTX 4090", VramGB: 24, Driver: "535.154.05", Type: GpuTypeNvidia}).String())
}

// =============================================================================
// PARSER TESTS
// =============================================================================

func TestParseNvidiaSmi(t *testing.T) {
	info := parseNvidiaSmi("GeForce RTX 3090, 24576, 550.54.14\nGeForce RTX 3060, 12288, 550.54.14\n")
	require.NotNil(t, info)
	assert.Equal(t, "NVIDIA GeForce RTX 3090", info.Name)
	assert.Equal(t, uint32(24), info.VramGB)
	assert.Equal(t, "550.54.14", info.Driver)
	assert.Equal(t, GpuTypeNvidia, info.Type)

	assert.Nil(t, parseNvidiaSmi(""))
	assert.Nil(t, parseNvidiaSmi("No devices were found"))
	assert.Nil(t, parseNvidiaSmi("RTX, lots, 1.0"))
}

func TestParseMemInfo(t *testing.T) {
	meminfo := "MemTotal:       32768000 kB\nMemFree:         1024000 kB\n"
	assert.Equal(t, uint32(15), parseMemInfo(meminfo))
	assert.Equal(t, uint32(0), parseMemInfo("MemFree: 10 kB\n"))
	assert.Equal(t, uint32(0), parseMemInfo("MemTotal: lots kB\n"))
}

func TestAppleChipName(t *testing.T) {
	assert.Equal(t, "Apple M2 Max", appleChipName(`"sppci_model" : "Apple M2 Max"`))
	assert.Equal(t, "Apple M3", appleChipName(`"sppci_model" : "Apple M3"`))
	assert.Equal(t, "Apple Silicon", appleChipName(`"sppci_model" : "Apple"`))
}

// =============================================================================
// LAYER OFFLOAD TESTS
// =============================================================================

func TestSuggestGPULayers(t *testing.T) {
	const gb = int64(1) << 30
	gpu := &GpuInfo{Name: "NVIDIA RTX 4070", VramGB: 12, Type: GpuTypeNvidia}

	tests := []struct {
		name       string
		gpu        *GpuInfo
		modelBytes int64
		wantLayers int
		wantOK     bool
	}{
		{"cpu", &GpuInfo{Type: GpuTypeCPU, VramGB: 16}, 4 * gb, 0, true},
		{"nil gpu", nil, 4 * gb, 0, true},
		{"fits", gpu, 8 * gb, AllLayers, true},
		{"too large", gpu, 11 * gb, 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			layers, ok := SuggestGPULayers(tc.gpu, tc.modelBytes)
			assert.Equal(t, tc.wantLayers, layers)
			assert.Equal(t, tc.wantOK, ok)
		})
	}
}

func TestDetect_AlwaysReturnsInfo(t *testing.T) {
	info := Detect(context.Background())
	require.NotNil(t, info)
	assert.NotEmpty(t, info.Name)
	assert.NotZero(t, info.VramGB)
}
