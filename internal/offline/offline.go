// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline keeps the inference engine on the local machine.
//
// Prompts carry the whole visible conversation, so by default the engine
// URL must point at a loopback address. Remote engines are an explicit
// opt-in.
package offline

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNonLocalhost is returned for a remote engine URL when remote engines
	// are not allowed.
	ErrNonLocalhost = errors.New("engine must listen on localhost (set engine.allow_remote to use a remote server)")

	// ErrInvalidURLScheme is returned when the scheme is not http or https.
	ErrInvalidURLScheme = errors.New("only http and https engine URLs are allowed")

	// ErrInvalidURL is returned for URLs that do not parse or lack a host.
	ErrInvalidURL = errors.New("invalid engine URL")
)

// =============================================================================
// URL VALIDATION
// =============================================================================

// IsLocalhost checks if a host string refers to localhost.
// Accepts "localhost", the whole 127.0.0.0/8 range and every IPv6 loopback
// spelling, with or without a port.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	host = strings.Trim(host, "[]")
	host = strings.ToLower(host)

	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateEngineURL checks an engine base URL. The scheme is always
// checked; the host must be local unless allowRemote is set.
func ValidateEngineURL(rawURL string, allowRemote bool) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ErrInvalidURL
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrInvalidURLScheme
	}

	if !allowRemote && !IsLocalhost(parsed.Hostname()) {
		return ErrNonLocalhost
	}
	return nil
}
