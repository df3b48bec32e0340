// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"testing"
)

// =============================================================================
// LOCALHOST DETECTION TESTS
// =============================================================================

func TestIsLocalhost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"localhost:8080", true},
		{"127.0.0.1", true},
		{"127.0.0.1:8080", true},
		{"127.1.2.3", true},
		{"::1", true},
		{"[::1]", true},
		{"[::1]:8080", true},
		{"0:0:0:0:0:0:0:1", true},
		{"192.168.1.10", false},
		{"10.0.0.1:8080", false},
		{"example.com", false},
		{"localhost.example.com", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsLocalhost(tt.host); got != tt.want {
			t.Errorf("IsLocalhost(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

// =============================================================================
// URL VALIDATION TESTS
// =============================================================================

func TestValidateEngineURL(t *testing.T) {
	tests := []struct {
		url         string
		allowRemote bool
		want        error
	}{
		{"http://127.0.0.1:8080", false, nil},
		{"http://localhost:8080", false, nil},
		{"https://[::1]:8443", false, nil},
		{"http://192.168.1.20:8080", false, ErrNonLocalhost},
		{"http://192.168.1.20:8080", true, nil},
		{"file:///etc/passwd", true, ErrInvalidURL},
		{"ftp://127.0.0.1:21", false, ErrInvalidURLScheme},
		{"javascript://127.0.0.1/x", true, ErrInvalidURLScheme},
		{"not a url", false, ErrInvalidURL},
		{"://bad", false, ErrInvalidURL},
	}

	for _, tt := range tests {
		err := ValidateEngineURL(tt.url, tt.allowRemote)
		if !errors.Is(err, tt.want) {
			t.Errorf("ValidateEngineURL(%q, %v) = %v, want %v", tt.url, tt.allowRemote, err, tt.want)
		}
	}
}
