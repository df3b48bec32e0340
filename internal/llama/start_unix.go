// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows
// +build !windows

package llama

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// findServerExecutable resolves the configured server path, searching PATH
// and common installation directories for a bare name.
func findServerExecutable(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	possiblePaths := []string{
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/opt/homebrew/bin", name),
		filepath.Join("/usr/bin", name),
	}
	if home := os.Getenv("HOME"); home != "" {
		possiblePaths = append(possiblePaths,
			filepath.Join(home, ".local", "bin", name),
			filepath.Join(home, "llama.cpp", "build", "bin", name),
		)
	}

	for _, p := range possiblePaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%s not found in PATH or common installation directories", name)
}

// startServerProcess launches the server in its own process group so that
// stopping it also stops any helpers it spawned.
func startServerProcess(path string, args []string) (*exec.Cmd, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, &ClientError{
			Type:    ErrTypeConnection,
			Message: fmt.Sprintf("failed to start llama server (path: %s)", path),
			Cause:   err,
		}
	}

	return cmd, nil
}

// stopServerProcess sends SIGTERM to the process group and escalates to
// SIGKILL if it has not exited within five seconds. exited is closed by the
// goroutine that reaps cmd.
func stopServerProcess(cmd *exec.Cmd, exited <-chan struct{}) error {
	if cmd.Process == nil {
		return nil
	}
	pgid := -cmd.Process.Pid

	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("terminate llama server: %w", err)
	}

	select {
	case <-exited:
		return nil
	case <-time.After(5 * time.Second):
		if err := unix.Kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("kill llama server: %w", err)
		}
		<-exited
		return nil
	}
}
