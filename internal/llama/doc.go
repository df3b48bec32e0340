// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llama drives a local llama.cpp server as the on-device inference
// engine.
//
// An Engine loads a model file into a llama-server process (or attaches to one
// that is already running) and returns a Context. A Context streams
// completions token by token and reports generation timings when it finishes.
//
// # Key Types
//
//   - Engine: Launches or attaches to the server and waits for it to be ready
//   - Context: One loaded model, identified by a fresh ID on every load
//   - Client: HTTP client for the /health and /completion endpoints
//   - CompletionRequest: Prompt, stop set and optional sampling parameters
//   - StreamReader: Parses the server-sent event stream of a completion
//
// # Usage
//
//	engine := llama.NewEngine(llama.EngineConfig{ServerPath: "llama-server"}, logger)
//	lctx, err := engine.Load(ctx, "/models/phi3.gguf", llama.LoadOptions{UseMlock: true})
//	if err != nil {
//	    return err
//	}
//	defer lctx.Close()
//
//	res, err := lctx.Completion(ctx, llama.CompletionRequest{
//	    Prompt: prompt,
//	    Stop:   []string{"<|end|>", "<|user|>"},
//	}, func(td llama.TokenData) {
//	    fmt.Print(td.Token)
//	})
package llama
