// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llama

import (
	"encoding/json"
	"strconv"
)

// =============================================================================
// LOAD OPTIONS
// =============================================================================

// LoadOptions controls how a model is loaded. Zero values leave the server's
// defaults in place.
type LoadOptions struct {
	// UseMlock pins the model in memory.
	UseMlock bool

	// GPULayers is the number of layers to offload. Nil keeps the default.
	GPULayers *int

	// Embedding enables the embedding endpoint.
	Embedding bool
}

// Args returns the llama-server flags for these options.
func (o LoadOptions) Args() []string {
	var args []string
	if o.UseMlock {
		args = append(args, "--mlock")
	}
	if o.GPULayers != nil {
		args = append(args, "-ngl", strconv.Itoa(*o.GPULayers))
	}
	if o.Embedding {
		args = append(args, "--embedding")
	}
	return args
}

// =============================================================================
// COMPLETION REQUEST
// =============================================================================

// LogitBias adjusts the likelihood of a single token. It encodes as the
// [token, bias] pair the server expects.
type LogitBias struct {
	Token int
	Bias  float64
}

// MarshalJSON implements json.Marshaler.
func (l LogitBias) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{l.Token, l.Bias})
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *LogitBias) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	l.Token = int(pair[0])
	l.Bias = pair[1]
	return nil
}

// CompletionRequest is the body of POST /completion. Nil pointer fields are
// omitted so the server applies its own defaults.
type CompletionRequest struct {
	Prompt string   `json:"prompt"`
	Stream bool     `json:"stream"`
	Stop   []string `json:"stop,omitempty"`

	Temperature   *float64    `json:"temperature,omitempty"`
	TopK          *int        `json:"top_k,omitempty"`
	TopP          *float64    `json:"top_p,omitempty"`
	RepeatPenalty *float64    `json:"repeat_penalty,omitempty"`
	Mirostat      *int        `json:"mirostat,omitempty"`
	MirostatTau   *float64    `json:"mirostat_tau,omitempty"`
	MirostatEta   *float64    `json:"mirostat_eta,omitempty"`
	Seed          *int64      `json:"seed,omitempty"`
	NPredict      *int        `json:"n_predict,omitempty"`
	LogitBias     []LogitBias `json:"logit_bias,omitempty"`
	Grammar       string      `json:"grammar,omitempty"`
}

// =============================================================================
// COMPLETION RESULT
// =============================================================================

// TokenData is delivered once per generated fragment.
type TokenData struct {
	Token string
}

// TokenCallback receives fragments in generation order.
type TokenCallback func(TokenData)

// Timings are the generation statistics reported with the final event.
type Timings struct {
	PromptN             int     `json:"prompt_n"`
	PromptMS            float64 `json:"prompt_ms"`
	PromptPerTokenMS    float64 `json:"prompt_per_token_ms"`
	PromptPerSecond     float64 `json:"prompt_per_second"`
	PredictedN          int     `json:"predicted_n"`
	PredictedMS         float64 `json:"predicted_ms"`
	PredictedPerTokenMS float64 `json:"predicted_per_token_ms"`
	PredictedPerSecond  float64 `json:"predicted_per_second"`
}

// CompletionResult is returned when a completion finishes normally.
type CompletionResult struct {
	Content         string
	Timings         Timings
	TokensPredicted int
	StoppedEOS      bool
	StoppedWord     bool
	StoppedLimit    bool
	StoppingWord    string
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// streamEvent is the JSON payload of one "data:" line.
type streamEvent struct {
	Content         string    `json:"content"`
	Stop            bool      `json:"stop"`
	Timings         *Timings  `json:"timings,omitempty"`
	TokensPredicted int       `json:"tokens_predicted"`
	StoppedEOS      bool      `json:"stopped_eos"`
	StoppedWord     bool      `json:"stopped_word"`
	StoppedLimit    bool      `json:"stopped_limit"`
	StoppingWord    string    `json:"stopping_word"`
	Error           *apiError `json:"error,omitempty"`
}

// apiError is the error object returned by the server.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// errorResponse wraps apiError in non-200 responses.
type errorResponse struct {
	Error apiError `json:"error"`
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status string `json:"status"`
}
