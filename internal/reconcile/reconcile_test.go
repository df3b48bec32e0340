// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chat/internal/inference"
	"github.com/jeranaias/rigrun-chat/internal/llama"
	"github.com/jeranaias/rigrun-chat/internal/model"
)

func newTarget(id string) Target {
	return Target{ResponseID: id, ConversationID: "default", ContextID: "ctx-1", CreatedAt: time.Now()}
}

func completedOutcome() inference.Outcome {
	timings := llama.Timings{PredictedPerTokenMS: 20, PredictedPerSecond: 50}
	return inference.Outcome{Kind: inference.OutcomeCompleted, Timings: timings, Summary: inference.FormatTimings(timings)}
}

func cancelledOutcome() inference.Outcome {
	return inference.Outcome{Kind: inference.OutcomeFailed, Err: inference.ErrCancelled, Cancelled: true}
}

type releases struct {
	ids []string
}

func (r *releases) fn(id string, _ inference.Outcome) { r.ids = append(r.ids, id) }

// =============================================================================
// TOKEN TESTS
// =============================================================================

func TestToken_FirstTokenCreatesResponse(t *testing.T) {
	store := model.NewStore()
	rec := New(store, Options{})
	target := newTarget("r1")

	rec.Token(target, "  Hi")

	msg, ok := store.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "Hi", msg.Text)
	assert.Equal(t, model.AuthorSystem, msg.Author)
	assert.False(t, msg.Metadata.System)
	assert.Equal(t, "ctx-1", msg.Metadata.ContextID)
	assert.Equal(t, "default", msg.Metadata.ConversationID)
	assert.True(t, msg.Streaming)
}

func TestToken_Accumulates(t *testing.T) {
	store := model.NewStore()
	rec := New(store, Options{})
	target := newTarget("r1")

	rec.Token(target, "He")
	rec.Token(target, "llo")

	msg, _ := store.Get("r1")
	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, 1, store.Len())
}

func TestToken_StripsAccumulatedLeadingWhitespace(t *testing.T) {
	store := model.NewStore()
	rec := New(store, Options{})
	target := newTarget("r1")

	steps := []struct {
		fragment string
		want     string
	}{
		{" ", ""},
		{"\n", ""},
		{" He", "He"},
		{"llo", "Hello"},
		{" world", "Hello world"},
	}

	for _, step := range steps {
		rec.Token(target, step.fragment)
		msg, _ := store.Get("r1")
		assert.Equal(t, step.want, msg.Text, "after fragment %q", step.fragment)
	}
}

// =============================================================================
// OUTCOME TESTS
// =============================================================================

func TestCompleted_SetsTimingsAndReleases(t *testing.T) {
	store := model.NewStore()
	rel := &releases{}
	rec := New(store, Options{Release: rel.fn})
	target := newTarget("r1")

	rec.Token(target, "answer")
	rec.Completed(target, completedOutcome())

	msg, _ := store.Get("r1")
	assert.Equal(t, "20ms per token, 50.00 tokens per second", msg.Metadata.Timings)
	assert.False(t, msg.Streaming)
	assert.Equal(t, []string{"r1"}, rel.ids)
	assert.True(t, rec.Finished("r1"))
}

func TestCompleted_Idempotent(t *testing.T) {
	store := model.NewStore()
	rel := &releases{}
	rec := New(store, Options{Release: rel.fn})
	target := newTarget("r1")

	rec.Token(target, "answer")
	rec.Completed(target, completedOutcome())
	before := store.Snapshot()

	rec.Completed(target, completedOutcome())
	rec.Token(target, " late")

	if diff := cmp.Diff(before, store.Snapshot()); diff != "" {
		t.Errorf("store changed after duplicate outcome (-before +after):\n%s", diff)
	}
	assert.Equal(t, []string{"r1"}, rel.ids, "release happens once")
}

func TestFinished_KeepsRecentWindow(t *testing.T) {
	store := model.NewStore()
	rec := New(store, Options{})

	for i := 0; i < finishedWindow*4; i++ {
		target := newTarget(fmt.Sprintf("r%d", i))
		rec.Token(target, "x")
		rec.Completed(target, completedOutcome())
	}

	assert.Len(t, rec.finished, finishedWindow)
	assert.Len(t, rec.order, finishedWindow)
	assert.False(t, rec.Finished("r0"))
	assert.True(t, rec.Finished(fmt.Sprintf("r%d", finishedWindow*4-1)))
	assert.True(t, rec.Finished(fmt.Sprintf("r%d", finishedWindow*3)))
}

func TestCompleted_WithoutTokensIsNoop(t *testing.T) {
	store := model.NewStore()
	rec := New(store, Options{})

	rec.Completed(newTarget("r1"), completedOutcome())

	assert.Equal(t, 0, store.Len())
}

func TestFailed_AppendsStatus(t *testing.T) {
	store := model.NewStore()
	rel := &releases{}
	rec := New(store, Options{Release: rel.fn})
	target := newTarget("r1")

	rec.Token(target, "partial")
	rec.Failed(target, inference.Outcome{Kind: inference.OutcomeFailed, Err: assert.AnError})

	snap := store.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "Completion failed: "+assert.AnError.Error(), snap[0].Text)
	assert.True(t, snap[0].IsStatus())
	assert.Equal(t, "partial", snap[1].Text, "partial response is kept")
	assert.Empty(t, snap[1].Metadata.Timings)
	assert.Equal(t, []string{"r1"}, rel.ids)
}

func TestFailed_Cancelled(t *testing.T) {
	store := model.NewStore()
	rec := New(store, Options{StoppedNotice: DefaultStoppedNotice})
	target := newTarget("r1")

	rec.Token(target, "part")
	rec.Failed(target, cancelledOutcome())

	snap := store.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, DefaultStoppedNotice, snap[0].Text)
	assert.True(t, snap[0].IsStatus())
}

func TestFailed_CancelledWithoutNotice(t *testing.T) {
	store := model.NewStore()
	rec := New(store, Options{})
	target := newTarget("r1")

	rec.Token(target, "part")
	rec.Failed(target, cancelledOutcome())

	assert.Equal(t, 1, store.Len())
}

func TestCancelAfterCompleted(t *testing.T) {
	store := model.NewStore()
	rel := &releases{}
	rec := New(store, Options{StoppedNotice: DefaultStoppedNotice, Release: rel.fn})
	target := newTarget("r1")

	rec.Token(target, "done")
	rec.Completed(target, completedOutcome())
	rec.Failed(target, cancelledOutcome())

	snap := store.Snapshot()
	require.Len(t, snap, 1, "no stop notice after completion")
	assert.NotEmpty(t, snap[0].Metadata.Timings)
	assert.Equal(t, []string{"r1"}, rel.ids)
}

func TestApply_Dispatch(t *testing.T) {
	store := model.NewStore()
	rec := New(store, Options{})
	target := newTarget("r1")
	done := completedOutcome()

	rec.Apply(target, inference.Event{Token: "ok"})
	rec.Apply(target, inference.Event{Outcome: &done})

	msg, _ := store.Get("r1")
	assert.Equal(t, "ok", msg.Text)
	assert.NotEmpty(t, msg.Metadata.Timings)
}
