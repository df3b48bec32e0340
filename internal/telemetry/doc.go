// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry keeps a local ledger of completion runs.
//
// Each finished run is recorded with its outcome, token count and generation
// speed so the stats command can report how the local model performs.
//
// # Key Types
//
//   - RunLog: SQLite-backed ledger
//   - Record: Single run with outcome, tokens, timings and duration
//   - Summary: Aggregated counts and average throughput
//
// # Usage
//
//	log, err := telemetry.Open(path)
//	if err != nil {
//	    return err
//	}
//	defer log.Close()
//	summary, err := log.Summary(ctx)
//
// # Privacy
//
// The ledger is local-only. Prompt and response text are never stored.
package telemetry
