// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command tree and shared setup for rigchat.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-chat/internal/chat"
	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/llama"
	"github.com/jeranaias/rigrun-chat/internal/logging"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// skipConfig marks commands that run without loading the configuration.
const skipConfig = "skip-config"

// =============================================================================
// APP STATE
// =============================================================================

// app holds global flags and the state built from them before a command runs.
type app struct {
	// Global flags
	configPath string
	modelPath  string
	logLevel   string
	verbose    bool

	stdout io.Writer
	stderr io.Writer

	cfg     *config.Config
	cfgPath string
	logger  *zap.Logger
	level   zap.AtomicLevel
}

// Execute runs the rigchat command line.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}

// NewRootCommand builds the rigchat command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "rigchat",
		Short: "Chat with a local llama.cpp model",
		Long: `rigchat is a terminal chat client for models served by llama.cpp.

It keeps a scoped conversation history, streams replies token by token and
records the outcome of every run in a local ledger.

Run without arguments to start the interactive chat.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.stdout = cmd.OutOrStdout()
			a.stderr = cmd.ErrOrStderr()
			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd.Context(), "")
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.rigrun-chat/config.toml)")
	flags.StringVarP(&a.modelPath, "model", "m", "", "GGUF model file (overrides engine.model_path)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newChatCommand(a),
		newAskCommand(a),
		newGrammarCommand(a),
		newConfigCommand(a),
		newStatsCommand(a),
		newDoctorCommand(a),
		newVersionCommand(a),
	)
	return root
}

// setup loads the configuration and builds the logger.
func (a *app) setup() error {
	path := a.configPath
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		if path, err = config.ResolvePath(); err != nil {
			return err
		}
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFromPath(path)
	}
	if err != nil {
		return err
	}

	if a.modelPath != "" {
		cfg.Engine.ModelPath = a.modelPath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}

	opts := logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}
	if opts.File == "" {
		opts.Output = a.stderr
	}
	logger, level, err := logging.New(opts)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.cfg = cfg
	a.cfgPath = path
	a.logger = logger
	a.level = level
	return nil
}

// =============================================================================
// SESSION
// =============================================================================

// session is a controller, the engine that loads its models and the run
// ledger recording it.
type session struct {
	ctrl   *chat.Controller
	engine *llama.Engine
	runlog *telemetry.RunLog
}

// newSession builds a controller from the loaded configuration. No model is
// loaded yet.
func (a *app) newSession() (*session, error) {
	sampling, err := a.cfg.Sampling.Inference(filepath.Dir(a.cfgPath))
	if err != nil {
		return nil, err
	}

	opts := a.cfg.ChatOptions(sampling)
	opts.Logger = a.logger

	s := &session{engine: llama.NewEngine(a.cfg.Engine.LlamaConfig(), a.logger)}
	if a.cfg.Telemetry.Enabled {
		runlog, err := telemetry.Open(a.cfg.Telemetry.DBPath)
		if err != nil {
			a.logger.Warn("run ledger unavailable", zap.String("path", a.cfg.Telemetry.DBPath), zap.Error(err))
		} else {
			s.runlog = runlog
			opts.Recorder = runlog
		}
	}

	s.ctrl = chat.New(opts)
	return s, nil
}

// load loads the configured model into the session. Reloading reuses the
// session's engine so a server it launched is stopped before the next one
// starts.
func (a *app) load(ctx context.Context, s *session) error {
	err := s.ctrl.LoadEngine(ctx, chat.EngineLoader(s.engine), a.cfg.Engine.ModelPath, a.cfg.Engine.LoadOptions())
	if llama.IsModelNotFound(err) {
		return fmt.Errorf("%w (set engine.model_path or pass --model)", err)
	}
	return err
}

// Close stops the controller and closes the ledger.
func (s *session) Close() {
	_ = s.ctrl.Close()
	if s.runlog != nil {
		_ = s.runlog.Close()
	}
}

// =============================================================================
// VERSION
// =============================================================================

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "rigchat %s (commit %s, built %s, %s %s/%s)\n",
				Version, GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// exists reports whether path names an existing file.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
