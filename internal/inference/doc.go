// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package inference runs streaming completions against a loaded engine
// context and reports their outcome.
//
// A Session owns one engine context and allows at most one Run at a time.
// A Run delivers token events in generation order, followed by exactly one
// terminal event carrying the Outcome:
//
//	run, err := session.Run(ctx, responseID, promptText, sampling, prompt.StopSequences())
//	if err != nil {
//	    return err
//	}
//	for ev := range run.Events() {
//	    if ev.Outcome != nil {
//	        handle(*ev.Outcome)
//	        break
//	    }
//	    fmt.Print(ev.Token)
//	}
//
// Cancelling a run always resolves it as Failed with Cancelled set, unless it
// had already completed, in which case Cancel is a no-op.
package inference
