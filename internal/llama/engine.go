// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llama

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// ENGINE
// =============================================================================

// EngineConfig configures how models are loaded.
type EngineConfig struct {
	// ServerPath is the llama-server executable. When empty the engine
	// attaches to a server already listening on BaseURL.
	ServerPath string

	// BaseURL is where the server listens (default: http://127.0.0.1:8080).
	BaseURL string

	// StartupTimeout bounds the wait for the model to finish loading
	// (default: 2m).
	StartupTimeout time.Duration

	// ExtraArgs are appended to the server command line.
	ExtraArgs []string
}

// Engine loads models into llama.cpp servers. It owns at most one launched
// server: loading again stops the previous one first, since both would bind
// the same address.
type Engine struct {
	config EngineConfig
	logger *zap.Logger

	mu       sync.Mutex
	launched *Context
}

// NewEngine creates an engine. A nil logger disables logging.
func NewEngine(config EngineConfig, logger *zap.Logger) *Engine {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.StartupTimeout == 0 {
		config.StartupTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{config: config, logger: logger}
}

// Load makes the model at modelPath ready for completions. Every successful
// load returns a Context with a new ID, including reloads of the same file.
func (e *Engine) Load(ctx context.Context, modelPath string, opts LoadOptions) (*Context, error) {
	client := NewClientWithConfig(&ClientConfig{BaseURL: e.config.BaseURL})
	lctx := &Context{
		id:        uuid.NewString(),
		modelPath: modelPath,
		client:    client,
		logger:    e.logger,
	}

	if e.config.ServerPath == "" {
		e.logger.Info("attaching to llama server", zap.String("base_url", e.config.BaseURL))
		if err := client.WaitReady(ctx, e.config.StartupTimeout); err != nil {
			return nil, err
		}
		e.logger.Info("engine context ready", zap.String("context_id", lctx.id))
		return lctx, nil
	}

	if modelPath == "" {
		return nil, &ClientError{Type: ErrTypeModelNotFound, Message: "no model path configured"}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, &ClientError{Type: ErrTypeModelNotFound, Message: "model file not found: " + modelPath, Cause: err}
	}

	args, err := e.serverArgs(modelPath, opts)
	if err != nil {
		return nil, err
	}

	serverPath, err := findServerExecutable(e.config.ServerPath)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to find llama-server executable", Cause: err}
	}

	e.logger.Info("starting llama server",
		zap.String("path", serverPath),
		zap.String("model", modelPath),
		zap.Strings("args", args))

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev := e.launched; prev != nil {
		e.launched = nil
		if err := prev.Close(); err != nil {
			e.logger.Warn("failed to stop previous llama server", zap.String("context_id", prev.id), zap.Error(err))
		}
	}

	if addr, err := e.listenAddr(); err == nil {
		if conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
			conn.Close()
			return nil, &ClientError{
				Type:    ErrTypeConnection,
				Message: "another process is already listening on " + addr + "; clear engine.server_path to attach to it",
			}
		}
	}

	cmd, err := startServerProcess(serverPath, args)
	if err != nil {
		return nil, err
	}
	lctx.cmd = cmd
	lctx.exited = make(chan struct{})
	go func() {
		lctx.exitErr = cmd.Wait()
		close(lctx.exited)
	}()

	start := time.Now()
	if err := lctx.waitReady(ctx, e.config.StartupTimeout); err != nil {
		lctx.Close()
		return nil, err
	}
	e.launched = lctx

	e.logger.Info("engine context ready",
		zap.String("context_id", lctx.id),
		zap.Duration("load_time", time.Since(start)))
	return lctx, nil
}

// waitReady polls the launched server until it is healthy. A process that
// exits first fails the load, even if another server answers on its port.
func (c *Context) waitReady(ctx context.Context, timeout time.Duration) error {
	readyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.exited:
			cancel()
		case <-readyCtx.Done():
		}
	}()

	err := c.client.WaitReady(readyCtx, timeout)
	select {
	case <-c.exited:
		return &ClientError{Type: ErrTypeConnection, Message: "llama server exited during startup", Cause: c.exitErr}
	default:
	}
	return err
}

// listenAddr returns the host:port a launched server binds.
func (e *Engine) listenAddr() (string, error) {
	u, err := url.Parse(e.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", e.config.BaseURL, err)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return "", fmt.Errorf("base url %q must include a port: %w", e.config.BaseURL, err)
	}
	return u.Host, nil
}

// serverArgs builds the command line for launching a server for modelPath.
func (e *Engine) serverArgs(modelPath string, opts LoadOptions) ([]string, error) {
	addr, err := e.listenAddr()
	if err != nil {
		return nil, err
	}
	host, port, _ := net.SplitHostPort(addr)

	args := []string{"-m", modelPath}
	args = append(args, opts.Args()...)
	args = append(args, "--host", host, "--port", port)
	args = append(args, e.config.ExtraArgs...)
	return args, nil
}

// =============================================================================
// CONTEXT
// =============================================================================

// Context is one loaded model. It is safe for concurrent use, though the
// server processes one completion per slot.
type Context struct {
	id        string
	modelPath string
	client    *Client
	logger    *zap.Logger

	closeOnce sync.Once
	cmd       *exec.Cmd
	exited    chan struct{} // closed once cmd has been reaped
	exitErr   error
}

// ID returns the identifier assigned when the context was loaded.
func (c *Context) ID() string {
	return c.id
}

// ModelPath returns the model file this context was loaded from.
func (c *Context) ModelPath() string {
	return c.modelPath
}

// Completion streams a completion for req. See Client.Completion.
func (c *Context) Completion(ctx context.Context, req CompletionRequest, onToken TokenCallback) (*CompletionResult, error) {
	return c.client.Completion(ctx, req, onToken)
}

// Close stops the server process if this context launched one.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cmd == nil {
			return
		}
		c.logger.Info("stopping llama server", zap.String("context_id", c.id))
		err = stopServerProcess(c.cmd, c.exited)
	})
	return err
}
