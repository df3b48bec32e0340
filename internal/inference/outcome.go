// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"errors"
	"fmt"
	"math"

	"github.com/jeranaias/rigrun-chat/internal/llama"
)

// ErrCancelled is the failure reported for a run stopped by its caller.
var ErrCancelled = errors.New("cancelled")

// OutcomeKind distinguishes the two terminal states of a run.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
)

// String returns the lowercase name of the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Kind OutcomeKind

	// Completed
	Timings llama.Timings
	Summary string

	// Failed
	Err       error
	Cancelled bool
}

// Completed reports whether the run finished normally.
func (o Outcome) Completed() bool {
	return o.Kind == OutcomeCompleted
}

// Description is the human-readable failure reason, "cancelled" for a
// cancelled run and empty for a completed one.
func (o Outcome) Description() string {
	switch {
	case o.Kind == OutcomeCompleted:
		return ""
	case o.Cancelled:
		return ErrCancelled.Error()
	case o.Err != nil:
		return o.Err.Error()
	default:
		return "unknown error"
	}
}

// Label is "completed", "failed" or "cancelled".
func (o Outcome) Label() string {
	if o.Cancelled {
		return "cancelled"
	}
	return o.Kind.String()
}

// FormatTimings renders the per-token latency and throughput summary shown
// under a completed response. Halves round away from zero ("12.5" gives
// "13ms"), not to even as fmt does.
func FormatTimings(t llama.Timings) string {
	perToken := math.Round(t.PredictedPerTokenMS)
	perSecond := math.Round(t.PredictedPerSecond*100) / 100
	return fmt.Sprintf("%.0fms per token, %.2f tokens per second", perToken, perSecond)
}

func completed(t llama.Timings) Outcome {
	return Outcome{Kind: OutcomeCompleted, Timings: t, Summary: FormatTimings(t)}
}

func failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

func cancelled() Outcome {
	return Outcome{Kind: OutcomeFailed, Err: ErrCancelled, Cancelled: true}
}
