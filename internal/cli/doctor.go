// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// doctor.go - Doctor command implementation for rigchat.
//
// Command: doctor
// Short:   Run setup health checks
//
// Health Checks Performed:
//   1. Config Valid     - Loads and validates the configuration file
//   2. Model File       - Checks engine.model_path exists
//   3. Llama Server     - Checks engine.server_path is executable
//   4. Engine Reachable - Checks the server at engine.base_url responds
//   5. GPU Detected     - Suggests engine.gpu_layers for the model
//   6. Grammar          - Converts sampling.grammar_schema
//   7. Run Ledger       - Opens telemetry.db_path
//
// Exit Codes:
//   0   No check failed
//   1   One or more checks failed

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/detect"
	"github.com/jeranaias/rigrun-chat/internal/llama"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

// =============================================================================
// DOCTOR STYLES
// =============================================================================

var (
	checkPassStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82")).
			Bold(true)

	checkWarnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220")).
			Bold(true)

	checkFailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	fixStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true).
			PaddingLeft(2)
)

// =============================================================================
// HEALTH CHECK TYPES
// =============================================================================

// CheckStatus represents the status of a health check.
type CheckStatus int

const (
	// CheckPass indicates the check passed successfully.
	CheckPass CheckStatus = iota
	// CheckWarn indicates the check passed with warnings.
	CheckWarn
	// CheckFail indicates the check failed.
	CheckFail
)

// String returns the string representation of the check status.
func (s CheckStatus) String() string {
	switch s {
	case CheckPass:
		return "pass"
	case CheckWarn:
		return "warn"
	case CheckFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns the rendered marker for the check status.
func (s CheckStatus) Symbol() string {
	switch s {
	case CheckPass:
		return checkPassStyle.Render("[OK]")
	case CheckWarn:
		return checkWarnStyle.Render("[!!]")
	case CheckFail:
		return checkFailStyle.Render("[FAIL]")
	default:
		return "?"
	}
}

// MarshalJSON encodes the status by name.
func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// HealthCheck represents a single health check result.
type HealthCheck struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
	Fix     string      `json:"fix,omitempty"` // Suggested fix
}

// Render returns a formatted string representation of the health check.
func (c *HealthCheck) Render() string {
	result := fmt.Sprintf("%s %s", c.Status.Symbol(), c.Message)
	if c.Status != CheckPass && c.Fix != "" {
		result += "\n" + fixStyle.Render("-> "+c.Fix)
	}
	return result
}

// =============================================================================
// DOCTOR COMMAND
// =============================================================================

func newDoctorCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run setup health checks",
		Long: `Check the configuration, model file, llama.cpp server, GPU and run ledger.

Examples:
  rigchat doctor
  rigchat doctor --json`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := a.runChecks(cmd.Context())

			var failed, warned int
			for _, c := range checks {
				switch c.Status {
				case CheckFail:
					failed++
				case CheckWarn:
					warned++
				}
			}

			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{
					"checks":  checks,
					"healthy": failed == 0,
				}); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(a.stdout, TitleStyle.Render("rigchat Doctor"))
				fmt.Fprintln(a.stdout, RenderSeparator(41))
				for _, c := range checks {
					fmt.Fprintln(a.stdout, c.Render())
				}
				fmt.Fprintln(a.stdout, RenderSeparator(41))
				parts := []string{fmt.Sprintf("%d passed", len(checks)-warned-failed)}
				if warned > 0 {
					parts = append(parts, checkWarnStyle.Render(fmt.Sprintf("%d warning", warned)))
				}
				if failed > 0 {
					parts = append(parts, checkFailStyle.Render(fmt.Sprintf("%d failed", failed)))
				}
				fmt.Fprintln(a.stdout, DimStyle.Render(strings.Join(parts, ", ")))
			}

			if failed > 0 {
				return fmt.Errorf("%d health check(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output results as JSON")
	return cmd
}

// runChecks runs every health check. A config that fails to load stops the
// checks that depend on it.
func (a *app) runChecks(ctx context.Context) []*HealthCheck {
	cfg, cfgPath, check := a.checkConfig()
	checks := []*HealthCheck{check}
	if cfg == nil {
		return checks
	}
	if a.modelPath != "" {
		cfg.Engine.ModelPath = a.modelPath
	}

	checks = append(checks,
		checkModelFile(cfg),
		checkServerBinary(cfg),
		checkEngineReachable(ctx, cfg),
		checkGPU(ctx, cfg),
		checkGrammar(cfg, cfgPath),
		checkLedger(cfg),
	)
	return checks
}

// =============================================================================
// HEALTH CHECK FUNCTIONS
// =============================================================================

func (a *app) checkConfig() (*config.Config, string, *HealthCheck) {
	check := &HealthCheck{Name: "Config Valid"}

	path := a.configPath
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		if path, err = config.ResolvePath(); err != nil {
			check.Status = CheckFail
			check.Message = fmt.Sprintf("Could not determine config path: %s", err)
			return nil, "", check
		}
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFromPath(path)
	}
	if err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Config invalid: %s", err)
		check.Fix = "Fix the file or recreate it with: rigchat config init --force"
		return nil, path, check
	}

	check.Status = CheckPass
	check.Message = "Config valid"
	if !exists(path) {
		check.Message = "Config valid (using defaults)"
	}
	return cfg, path, check
}

func checkModelFile(cfg *config.Config) *HealthCheck {
	check := &HealthCheck{Name: "Model File"}

	if cfg.Engine.ModelPath == "" {
		check.Status = CheckWarn
		check.Message = "No model configured, using the server's loaded model"
		check.Fix = "Run: rigchat config set engine.model_path /path/to/model.gguf"
		return check
	}

	info, err := os.Stat(cfg.Engine.ModelPath)
	if err != nil || info.IsDir() {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Model file not found: %s", cfg.Engine.ModelPath)
		check.Fix = "Check engine.model_path"
		return check
	}

	check.Status = CheckPass
	check.Message = fmt.Sprintf("Model file: %s (%.1f GB)", filepath.Base(cfg.Engine.ModelPath), float64(info.Size())/(1<<30))
	return check
}

func checkServerBinary(cfg *config.Config) *HealthCheck {
	check := &HealthCheck{Name: "Llama Server"}

	if cfg.Engine.ServerPath == "" {
		check.Status = CheckPass
		check.Message = "Attaching to a running server (engine.server_path unset)"
		return check
	}

	path, err := exec.LookPath(cfg.Engine.ServerPath)
	if err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("llama-server not found: %s", cfg.Engine.ServerPath)
		check.Fix = "Install llama.cpp or set engine.server_path"
		return check
	}

	check.Status = CheckPass
	check.Message = fmt.Sprintf("llama-server: %s", path)
	return check
}

func checkEngineReachable(ctx context.Context, cfg *config.Config) *HealthCheck {
	check := &HealthCheck{Name: "Engine Reachable"}

	client := llama.NewClientWithConfig(&llama.ClientConfig{BaseURL: cfg.Engine.BaseURL, Timeout: 3 * time.Second})
	err := client.CheckHealth(ctx)
	switch {
	case err == nil:
		check.Status = CheckPass
		check.Message = fmt.Sprintf("Engine ready at %s", cfg.Engine.BaseURL)
	case llama.IsLoading(err):
		check.Status = CheckWarn
		check.Message = fmt.Sprintf("Engine at %s is still loading its model", cfg.Engine.BaseURL)
	case llama.IsTimeout(err):
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Engine at %s did not answer within 3s", cfg.Engine.BaseURL)
		check.Fix = "Check that engine.base_url points at llama-server and it is not stuck"
	case !llama.IsNotRunning(err):
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Engine at %s is unhealthy: %s", cfg.Engine.BaseURL, err)
		check.Fix = "Check the llama-server log"
	case cfg.Engine.ServerPath != "":
		check.Status = CheckPass
		check.Message = fmt.Sprintf("No server at %s, one will be started on load", cfg.Engine.BaseURL)
	default:
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Engine not reachable at %s", cfg.Engine.BaseURL)
		check.Fix = "Start llama-server or set engine.server_path"
	}
	return check
}

func checkGPU(ctx context.Context, cfg *config.Config) *HealthCheck {
	check := &HealthCheck{Name: "GPU Detected"}

	gpu := detect.Detect(ctx)
	if gpu.Type == detect.GpuTypeCPU {
		check.Status = CheckWarn
		check.Message = fmt.Sprintf("No GPU detected, running in CPU mode (%dGB usable RAM)", gpu.VramGB)
		check.Fix = "Install GPU drivers for acceleration"
		return check
	}

	check.Status = CheckPass
	check.Message = fmt.Sprintf("GPU detected: %s", gpu)

	if cfg.Engine.GPULayers != nil || cfg.Engine.ModelPath == "" {
		return check
	}
	info, err := os.Stat(cfg.Engine.ModelPath)
	if err != nil {
		return check
	}
	if layers, ok := detect.SuggestGPULayers(gpu, info.Size()); ok {
		check.Status = CheckWarn
		check.Message += ", engine.gpu_layers unset"
		check.Fix = fmt.Sprintf("Run: rigchat config set engine.gpu_layers %d", layers)
	} else {
		check.Status = CheckWarn
		check.Message += ", model is larger than GPU memory"
		check.Fix = "Set engine.gpu_layers to a partial layer count"
	}
	return check
}

func checkGrammar(cfg *config.Config, cfgPath string) *HealthCheck {
	check := &HealthCheck{Name: "Grammar"}

	if cfg.Sampling.GrammarSchema == "" {
		check.Status = CheckPass
		check.Message = "No grammar configured"
		return check
	}
	if _, err := cfg.Sampling.Inference(filepath.Dir(cfgPath)); err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Grammar schema unusable: %s", err)
		check.Fix = "Check sampling.grammar_schema"
		return check
	}

	check.Status = CheckPass
	check.Message = fmt.Sprintf("Grammar schema: %s", cfg.Sampling.GrammarSchema)
	return check
}

func checkLedger(cfg *config.Config) *HealthCheck {
	check := &HealthCheck{Name: "Run Ledger"}

	if !cfg.Telemetry.Enabled {
		check.Status = CheckPass
		check.Message = "Run ledger disabled"
		return check
	}

	runlog, err := telemetry.Open(cfg.Telemetry.DBPath)
	if err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Run ledger unavailable: %s", err)
		check.Fix = fmt.Sprintf("Check permissions on %s", filepath.Dir(cfg.Telemetry.DBPath))
		return check
	}
	_ = runlog.Close()

	check.Status = CheckPass
	check.Message = fmt.Sprintf("Run ledger: %s", cfg.Telemetry.DBPath)
	return check
}
