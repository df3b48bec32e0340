// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import "github.com/jeranaias/rigrun-chat/internal/llama"

// SamplingConfig holds the optional sampling parameters for a run. Nil
// fields and an empty grammar are not sent, leaving the engine default.
type SamplingConfig struct {
	Temperature   *float64
	TopK          *int
	TopP          *float64
	RepeatPenalty *float64
	Mirostat      *int
	MirostatTau   *float64
	MirostatEta   *float64
	Seed          *int64
	MaxTokens     *int
	LogitBias     []llama.LogitBias

	// Grammar is a GBNF grammar constraining the output.
	Grammar string
}

// Merge returns c with every field set in override replacing c's value.
func (c SamplingConfig) Merge(override SamplingConfig) SamplingConfig {
	out := c
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopK != nil {
		out.TopK = override.TopK
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.RepeatPenalty != nil {
		out.RepeatPenalty = override.RepeatPenalty
	}
	if override.Mirostat != nil {
		out.Mirostat = override.Mirostat
	}
	if override.MirostatTau != nil {
		out.MirostatTau = override.MirostatTau
	}
	if override.MirostatEta != nil {
		out.MirostatEta = override.MirostatEta
	}
	if override.Seed != nil {
		out.Seed = override.Seed
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.LogitBias != nil {
		out.LogitBias = override.LogitBias
	}
	if override.Grammar != "" {
		out.Grammar = override.Grammar
	}
	return out
}

// Request builds the engine request for prompt and stop.
func (c SamplingConfig) Request(prompt string, stop []string) llama.CompletionRequest {
	return llama.CompletionRequest{
		Prompt:        prompt,
		Stream:        true,
		Stop:          stop,
		Temperature:   c.Temperature,
		TopK:          c.TopK,
		TopP:          c.TopP,
		RepeatPenalty: c.RepeatPenalty,
		Mirostat:      c.Mirostat,
		MirostatTau:   c.MirostatTau,
		MirostatEta:   c.MirostatEta,
		Seed:          c.Seed,
		NPredict:      c.MaxTokens,
		LogitBias:     c.LogitBias,
		Grammar:       c.Grammar,
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
