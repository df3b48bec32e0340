// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package detect finds the accelerator llama.cpp can offload layers to and
// suggests an engine.gpu_layers value for a model file.
//
// Supported GPU Types:
//   - NVIDIA (via nvidia-smi)
//   - Apple Silicon (via system_profiler on macOS)
//
// Anything else falls back to CPU-only mode.
package detect

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// gpuDetectTimeout bounds detection when the caller sets no deadline.
const gpuDetectTimeout = 10 * time.Second

// =============================================================================
// GPU TYPE DEFINITIONS
// =============================================================================

// GpuType represents the type of GPU detected on the system.
type GpuType int

const (
	// GpuTypeCPU indicates no usable GPU, CPU-only inference.
	GpuTypeCPU GpuType = iota
	// GpuTypeNvidia indicates an NVIDIA GPU (CUDA-capable).
	GpuTypeNvidia
	// GpuTypeAppleSilicon indicates Apple Silicon with unified memory (Metal).
	GpuTypeAppleSilicon
)

// String returns the string representation of the GPU type.
func (t GpuType) String() string {
	switch t {
	case GpuTypeNvidia:
		return "NVIDIA"
	case GpuTypeAppleSilicon:
		return "Apple Silicon"
	case GpuTypeCPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// =============================================================================
// GPU INFO
// =============================================================================

// GpuInfo contains information about a detected GPU.
type GpuInfo struct {
	// Name of the GPU (e.g., "NVIDIA RTX 4090")
	Name string
	// VramGB is the memory available to the GPU in gigabytes. For CPU mode
	// it is the share of system RAM usable for inference.
	VramGB uint32
	// Driver version if available
	Driver string
	Type   GpuType
}

// String returns a formatted string representation of the GPU info.
func (g *GpuInfo) String() string {
	s := fmt.Sprintf("%s (%dGB VRAM)", g.Name, g.VramGB)
	if g.Driver != "" {
		s += fmt.Sprintf(" [Driver: %s]", g.Driver)
	}
	return s
}

// Detect checks for an NVIDIA GPU, then Apple Silicon, and falls back to
// CPU-only mode. It never returns nil.
func Detect(ctx context.Context) *GpuInfo {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gpuDetectTimeout)
		defer cancel()
	}

	if info := detectNvidia(ctx); info != nil {
		return info
	}
	if info := detectAppleSilicon(ctx); info != nil {
		return info
	}
	return cpuInfo(ctx)
}

// =============================================================================
// NVIDIA DETECTION
// =============================================================================

func detectNvidia(ctx context.Context) *GpuInfo {
	var (
		output []byte
		err    error
	)
	for _, path := range nvidiaSmiPaths() {
		cmd := exec.CommandContext(ctx, path,
			"--query-gpu=name,memory.total,driver_version",
			"--format=csv,noheader,nounits")
		output, err = cmd.Output()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	if err != nil {
		return nil
	}
	return parseNvidiaSmi(string(output))
}

// parseNvidiaSmi reads the first line of nvidia-smi CSV output
// ("name, memory MiB, driver").
func parseNvidiaSmi(output string) *GpuInfo {
	line := strings.TrimSpace(strings.Split(strings.TrimSpace(output), "\n")[0])
	parts := strings.Split(line, ", ")
	if len(parts) < 3 {
		return nil
	}

	vramMB, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil
	}

	return &GpuInfo{
		Name:   "NVIDIA " + strings.TrimSpace(parts[0]),
		VramGB: uint32(vramMB/1024.0 + 0.5),
		Driver: strings.TrimSpace(parts[2]),
		Type:   GpuTypeNvidia,
	}
}

func nvidiaSmiPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			"nvidia-smi",
			`C:\Windows\System32\nvidia-smi.exe`,
			`C:\Program Files\NVIDIA Corporation\NVSMI\nvidia-smi.exe`,
		}
	}
	return []string{"nvidia-smi", "/usr/bin/nvidia-smi", "/usr/local/bin/nvidia-smi"}
}

// =============================================================================
// APPLE SILICON DETECTION
// =============================================================================

var appleChips = []string{
	"M4 Ultra", "M4 Max", "M4 Pro", "M4",
	"M3 Ultra", "M3 Max", "M3 Pro", "M3",
	"M2 Ultra", "M2 Max", "M2 Pro", "M2",
	"M1 Ultra", "M1 Max", "M1 Pro", "M1",
}

func detectAppleSilicon(ctx context.Context) *GpuInfo {
	if runtime.GOOS != "darwin" {
		return nil
	}

	output, err := exec.CommandContext(ctx, "system_profiler", "SPDisplaysDataType", "-json").Output()
	if err != nil || !strings.Contains(string(output), "Apple") {
		return nil
	}

	info := &GpuInfo{Name: appleChipName(string(output)), VramGB: 8, Type: GpuTypeAppleSilicon}

	// Unified memory is shared, so report all of it.
	if out, err := exec.CommandContext(ctx, "sysctl", "-n", "hw.memsize").Output(); err == nil {
		if n, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); err == nil {
			info.VramGB = uint32(n / 1_073_741_824)
		}
	}
	if out, err := exec.CommandContext(ctx, "sw_vers", "-productVersion").Output(); err == nil {
		info.Driver = "macOS " + strings.TrimSpace(string(out))
	}
	return info
}

func appleChipName(profile string) string {
	for _, chip := range appleChips {
		if strings.Contains(profile, chip) {
			return "Apple " + chip
		}
	}
	return "Apple Silicon"
}

// =============================================================================
// CPU FALLBACK
// =============================================================================

// cpuInfo estimates usable memory as half of system RAM.
func cpuInfo(ctx context.Context) *GpuInfo {
	vramGB := uint32(0)

	switch runtime.GOOS {
	case "darwin":
		if out, err := exec.CommandContext(ctx, "sysctl", "-n", "hw.memsize").Output(); err == nil {
			if n, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); err == nil {
				vramGB = uint32(n / 1_073_741_824 / 2)
			}
		}
	case "linux":
		if data, err := os.ReadFile("/proc/meminfo"); err == nil {
			vramGB = parseMemInfo(string(data))
		}
	}

	if vramGB == 0 {
		vramGB = 4
	}
	return &GpuInfo{Name: "CPU Only", VramGB: vramGB, Type: GpuTypeCPU}
}

// parseMemInfo returns half of MemTotal from /proc/meminfo, in GB.
func parseMemInfo(meminfo string) uint32 {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return 0
		}
		return uint32(kb / 1024 / 1024 / 2)
	}
	return 0
}

// =============================================================================
// LAYER OFFLOAD
// =============================================================================

// AllLayers asks llama.cpp to offload every layer.
const AllLayers = 999

// vramHeadroom is the share of GPU memory a model may occupy, leaving room
// for the KV cache.
const vramHeadroom = 0.85

// SuggestGPULayers returns the engine.gpu_layers value for a model of
// modelBytes on gpu: 0 for CPU-only mode, AllLayers when the
// model fits, and ok=false when it does not fit and the layer count has to
// be tuned by hand.
func SuggestGPULayers(gpu *GpuInfo, modelBytes int64) (layers int, ok bool) {
	if gpu == nil || gpu.Type == GpuTypeCPU {
		return 0, true
	}
	budget := float64(gpu.VramGB) * 1_073_741_824 * vramHeadroom
	if float64(modelBytes) <= budget {
		return AllLayers, true
	}
	return 0, false
}
