// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"sync"

	"github.com/jeranaias/rigrun-chat/internal/inference"
)

// Turn tracks one user message and the response generated for it.
type Turn struct {
	UserMessageID string
	ResponseID    string

	once    sync.Once
	done    chan struct{}
	outcome inference.Outcome
}

func newTurn(userID, responseID string) *Turn {
	return &Turn{
		UserMessageID: userID,
		ResponseID:    responseID,
		done:          make(chan struct{}),
	}
}

// Done is closed once the response has been finalized in the store.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the response is final or ctx is done.
func (t *Turn) Wait(ctx context.Context) (inference.Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return inference.Outcome{}, ctx.Err()
	}
}

// Outcome returns the outcome if the turn is finished.
func (t *Turn) Outcome() (inference.Outcome, bool) {
	select {
	case <-t.done:
		return t.outcome, true
	default:
		return inference.Outcome{}, false
	}
}

func (t *Turn) finish(o inference.Outcome) {
	t.once.Do(func() {
		t.outcome = o
		close(t.done)
	})
}
