// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeranaias/rigrun-chat/internal/llama"
)

func TestCancelManager_CancelBeforeRegister(t *testing.T) {
	cm := newCancelManager()
	assert.False(t, cm.cancel(), "nothing reserved")

	cm.reserve("r1")
	assert.True(t, cm.cancel())
	assert.False(t, cm.cancel(), "already pending")

	calls := 0
	cm.register("r1", func() bool { calls++; return true })
	assert.Equal(t, 1, calls, "pending cancel applied on register")
}

func TestCancelManager_StaleIDs(t *testing.T) {
	cm := newCancelManager()
	cm.reserve("r1")
	cm.reserve("r2")

	stale := false
	cm.register("r1", func() bool { stale = true; return true })
	cm.clear("r1")

	current := false
	cm.register("r2", func() bool { current = true; return true })
	assert.True(t, cm.cancel())
	assert.True(t, current)
	assert.False(t, stale)

	cm.clear("r2")
	assert.False(t, cm.cancel())
}

// startCancelContext cancels the active run from inside Completion, which
// can run before SendText has returned.
type startCancelContext struct {
	fakeContext
	ctrl     *Controller
	accepted chan bool
}

func (f *startCancelContext) Completion(ctx context.Context, req llama.CompletionRequest, onToken llama.TokenCallback) (*llama.CompletionResult, error) {
	f.accepted <- f.ctrl.CancelActive()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelActive_WhileRunStarting(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := &startCancelContext{fakeContext: fakeContext{id: "ctx-1"}, accepted: make(chan bool, 1)}
	c := New(DefaultOptions())
	engine.ctrl = c
	require.NoError(t, c.LoadEngine(context.Background(), loaderFor(engine), "/models/phi3.gguf", llama.LoadOptions{}))

	turn, err := c.SendText(context.Background(), "hi")
	require.NoError(t, err)

	outcome := waitTurn(t, turn)
	assert.True(t, <-engine.accepted)
	assert.True(t, outcome.Cancelled)
	assert.False(t, c.Busy())
	require.NoError(t, c.Close())
}
