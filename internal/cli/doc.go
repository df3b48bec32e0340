// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigchat command line.
//
// # Commands
//
//   - chat: interactive REPL with line editing and input history (default)
//   - ask: one question, reply streamed to stdout
//   - grammar: convert a JSON or YAML schema to a GBNF grammar
//   - config: show, path, init, get and set configuration values
//   - stats: totals and recent runs from the run ledger
//   - doctor: setup health checks (config, model, server, GPU, ledger)
//   - version: build information
//
// Output goes through a Renderer subscribed to the controller's message
// store, so the REPL never reads reply text directly.
package cli
