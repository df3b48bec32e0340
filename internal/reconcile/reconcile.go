// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reconcile applies the events of a completion run to the message
// store: tokens grow the response message, the terminal outcome finalizes it.
package reconcile

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-chat/internal/inference"
	"github.com/jeranaias/rigrun-chat/internal/model"
)

// DefaultStoppedNotice is appended when the user stops a generation.
const DefaultStoppedNotice = "Generation stopped by user"

// FailurePrefix starts the status message appended for a failed completion.
const FailurePrefix = "Completion failed: "

// Target identifies the response message a run writes to.
type Target struct {
	ResponseID     string
	ConversationID string
	ContextID      string
	CreatedAt      time.Time
}

// ReleaseFunc is called once per response when its terminal outcome has been
// applied. The session controller uses it to clear its busy flag.
type ReleaseFunc func(responseID string, outcome inference.Outcome)

// Options configures a Reconciler.
type Options struct {
	// StoppedNotice is appended after a cancelled run. Empty disables it.
	StoppedNotice string

	// Release is notified when a response is finalized.
	Release ReleaseFunc

	Logger *zap.Logger
}

// finishedWindow is how many finalized response ids are remembered. Runs are
// reconciled one at a time, so only recent ids can still see late events.
const finishedWindow = 32

// Reconciler translates run events into store mutations. Terminal outcomes
// are applied at most once per response id; later events for a recently
// finalized response are ignored.
type Reconciler struct {
	store         *model.Store
	stoppedNotice string
	release       ReleaseFunc
	logger        *zap.Logger

	mu       sync.Mutex
	finished map[string]struct{}
	order    []string // finished ids, oldest first
}

// New creates a reconciler writing to store.
func New(store *model.Store, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reconciler{
		store:         store,
		stoppedNotice: opts.StoppedNotice,
		release:       opts.Release,
		logger:        opts.Logger,
		finished:      make(map[string]struct{}, finishedWindow),
	}
}

// Apply dispatches a run event.
func (r *Reconciler) Apply(t Target, ev inference.Event) {
	if ev.Outcome == nil {
		r.Token(t, ev.Token)
		return
	}
	if ev.Outcome.Completed() {
		r.Completed(t, *ev.Outcome)
		return
	}
	r.Failed(t, *ev.Outcome)
}

// Token appends fragment to the response, creating it on the first token.
// Leading whitespace is stripped from the accumulated text after every
// append, not only from the first fragment.
func (r *Reconciler) Token(t Target, fragment string) {
	if r.isFinished(t.ResponseID) {
		return
	}

	r.store.MutateOrAppend(t.ResponseID,
		func() model.Message {
			return model.NewResponseMessage(t.ResponseID, stripLeading(fragment), t.ConversationID, t.ContextID, t.CreatedAt)
		},
		func(m *model.Message) {
			m.Text = stripLeading(m.Text + fragment)
		})
}

// Completed attaches the timings summary and finalizes the response.
func (r *Reconciler) Completed(t Target, outcome inference.Outcome) {
	if !r.finish(t.ResponseID) {
		return
	}

	r.store.Mutate(t.ResponseID, func(m *model.Message) {
		m.Metadata.Timings = outcome.Summary
		m.Streaming = false
	})

	r.logger.Debug("response completed",
		zap.String("response_id", t.ResponseID),
		zap.String("timings", outcome.Summary))
	r.notify(t.ResponseID, outcome)
}

// Failed finalizes the response as it stands and appends a status notice.
func (r *Reconciler) Failed(t Target, outcome inference.Outcome) {
	if !r.finish(t.ResponseID) {
		return
	}

	r.store.Mutate(t.ResponseID, func(m *model.Message) {
		m.Streaming = false
	})
	r.notify(t.ResponseID, outcome)

	if outcome.Cancelled {
		r.logger.Info("response cancelled", zap.String("response_id", t.ResponseID))
		if r.stoppedNotice != "" {
			r.store.Append(model.NewStatusMessage(r.stoppedNotice))
		}
		return
	}

	r.logger.Warn("response failed",
		zap.String("response_id", t.ResponseID),
		zap.String("error", outcome.Description()))
	r.store.Append(model.NewStatusMessage(FailurePrefix + outcome.Description()))
}

// Finished reports whether a terminal outcome was applied for responseID
// among the most recent responses.
func (r *Reconciler) Finished(responseID string) bool {
	return r.isFinished(responseID)
}

func (r *Reconciler) isFinished(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.finished[id]
	return ok
}

// finish marks id finished and reports whether this call did so. The
// oldest id is forgotten once the window is full.
func (r *Reconciler) finish(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.finished[id]; ok {
		return false
	}
	if len(r.order) == finishedWindow {
		delete(r.finished, r.order[0])
		r.order = append(r.order[:0], r.order[1:]...)
	}
	r.finished[id] = struct{}{}
	r.order = append(r.order, id)
	return true
}

func (r *Reconciler) notify(id string, outcome inference.Outcome) {
	if r.release != nil {
		r.release(id, outcome)
	}
}

func stripLeading(s string) string {
	return strings.TrimLeftFunc(s, unicode.IsSpace)
}
