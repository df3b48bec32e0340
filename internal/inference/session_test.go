// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeranaias/rigrun-chat/internal/llama"
)

// =============================================================================
// FAKE ENGINE
// =============================================================================

type fakeContext struct {
	id      string
	tokens  []string
	timings llama.Timings
	err     error
	panicV  any

	// gate, when set, blocks the completion after the first token until
	// the context is cancelled or the gate is closed.
	gate chan struct{}

	lastReq llama.CompletionRequest
}

func (f *fakeContext) ID() string { return f.id }

func (f *fakeContext) Completion(ctx context.Context, req llama.CompletionRequest, onToken llama.TokenCallback) (*llama.CompletionResult, error) {
	f.lastReq = req
	if f.panicV != nil {
		panic(f.panicV)
	}
	var sb strings.Builder
	for i, tok := range f.tokens {
		onToken(llama.TokenData{Token: tok})
		sb.WriteString(tok)
		if i == 0 && f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llama.CompletionResult{Content: sb.String(), Timings: f.timings}, nil
}

func drain(t *testing.T, run *Run) ([]string, Outcome) {
	t.Helper()
	var tokens []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				t.Fatal("event stream closed without terminal event")
			}
			if ev.Terminal() {
				return tokens, *ev.Outcome
			}
			tokens = append(tokens, ev.Token)
		case <-timeout:
			t.Fatal("timed out waiting for run")
		}
	}
}

// =============================================================================
// SESSION TESTS
// =============================================================================

func TestSession_Completed(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := &fakeContext{
		id:      "ctx-1",
		tokens:  []string{"I", " don't", " have", " that", " info."},
		timings: llama.Timings{PredictedPerTokenMS: 41.6, PredictedPerSecond: 24.037},
	}
	session := NewSession(engine, nil)

	run, err := session.Run(context.Background(), "r1", "prompt", SamplingConfig{}, []string{"<|end|>"})
	require.NoError(t, err)

	tokens, outcome := drain(t, run)
	assert.Equal(t, []string{"I", " don't", " have", " that", " info."}, tokens)
	assert.True(t, outcome.Completed())
	assert.Equal(t, "42ms per token, 24.04 tokens per second", outcome.Summary)
	assert.Equal(t, 5, run.Tokens())

	<-run.Done()
	assert.Nil(t, session.Active())
}

func TestSession_OneRunAtATime(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := &fakeContext{id: "ctx-1", tokens: []string{"a", "b"}, gate: make(chan struct{})}
	session := NewSession(engine, nil)

	run, err := session.Run(context.Background(), "r1", "p", SamplingConfig{}, nil)
	require.NoError(t, err)

	_, err = session.Run(context.Background(), "r2", "p", SamplingConfig{}, nil)
	assert.ErrorIs(t, err, ErrRunActive)

	close(engine.gate)
	_, outcome := drain(t, run)
	assert.True(t, outcome.Completed())

	engine.gate = nil
	run2, err := session.Run(context.Background(), "r3", "p", SamplingConfig{}, nil)
	require.NoError(t, err)
	drain(t, run2)
}

func TestSession_EngineError(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := &fakeContext{id: "ctx-1", tokens: []string{"partial"}, err: errors.New("context full")}
	run, err := NewSession(engine, nil).Run(context.Background(), "r1", "p", SamplingConfig{}, nil)
	require.NoError(t, err)

	tokens, outcome := drain(t, run)
	assert.Equal(t, []string{"partial"}, tokens)
	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.False(t, outcome.Cancelled)
	assert.Equal(t, "context full", outcome.Description())
}

func TestSession_EnginePanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := &fakeContext{id: "ctx-1", panicV: "boom"}
	run, err := NewSession(engine, nil).Run(context.Background(), "r1", "p", SamplingConfig{}, nil)
	require.NoError(t, err)

	_, outcome := drain(t, run)
	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Description(), "boom")
}

func TestRun_Cancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := &fakeContext{id: "ctx-1", tokens: []string{"first", "second"}, gate: make(chan struct{})}
	run, err := NewSession(engine, nil).Run(context.Background(), "r1", "p", SamplingConfig{}, nil)
	require.NoError(t, err)

	ev := <-run.Events()
	assert.Equal(t, "first", ev.Token)

	assert.True(t, run.Cancel())
	assert.False(t, run.Cancel(), "second cancel is a no-op")

	tokens, outcome := drain(t, run)
	assert.Empty(t, tokens, "no tokens after cancellation")
	assert.True(t, outcome.Cancelled)
	assert.Equal(t, "cancelled", outcome.Description())
	assert.ErrorIs(t, outcome.Err, ErrCancelled)
}

func TestRun_CancelAfterCompleted(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := &fakeContext{id: "ctx-1", tokens: []string{"done"}}
	run, err := NewSession(engine, nil).Run(context.Background(), "r1", "p", SamplingConfig{}, nil)
	require.NoError(t, err)

	_, outcome := drain(t, run)
	require.True(t, outcome.Completed())

	assert.False(t, run.Cancel())
	final, ok := run.Outcome()
	assert.True(t, ok)
	assert.True(t, final.Completed(), "outcome must not change after completion")
}

func TestRun_ParentContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	engine := &fakeContext{id: "ctx-1", tokens: []string{"a", "b"}, gate: make(chan struct{})}
	run, err := NewSession(engine, nil).Run(ctx, "r1", "p", SamplingConfig{}, nil)
	require.NoError(t, err)

	<-run.Events()
	cancel()

	_, outcome := drain(t, run)
	assert.True(t, outcome.Cancelled)
}

func TestSession_Close(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := &fakeContext{id: "ctx-1", tokens: []string{"a", "b"}, gate: make(chan struct{})}
	session := NewSession(engine, nil)
	run, err := session.Run(context.Background(), "r1", "p", SamplingConfig{}, nil)
	require.NoError(t, err)

	session.Close()
	_, outcome := drain(t, run)
	assert.True(t, outcome.Cancelled)

	_, err = session.Run(context.Background(), "r2", "p", SamplingConfig{}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

// =============================================================================
// SAMPLING TESTS
// =============================================================================

func TestSampling_RequestForwardsOnlySetOptions(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := &fakeContext{id: "ctx-1"}
	sampling := SamplingConfig{Temperature: Float(0.7), Seed: Int64(1234)}

	run, err := NewSession(engine, nil).Run(context.Background(), "r1", "the prompt", sampling, []string{"<|end|>", "<|user|>"})
	require.NoError(t, err)
	drain(t, run)

	req := engine.lastReq
	assert.Equal(t, "the prompt", req.Prompt)
	assert.True(t, req.Stream)
	assert.Equal(t, []string{"<|end|>", "<|user|>"}, req.Stop)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.7, *req.Temperature)
	assert.Equal(t, int64(1234), *req.Seed)
	assert.Nil(t, req.TopK)
	assert.Nil(t, req.NPredict)
	assert.Empty(t, req.Grammar)
}

func TestSampling_Merge(t *testing.T) {
	base := SamplingConfig{Temperature: Float(0.2), TopK: Int(40)}
	merged := base.Merge(SamplingConfig{Temperature: Float(0.9), Grammar: "root ::= \"x\""})

	assert.Equal(t, 0.9, *merged.Temperature)
	assert.Equal(t, 40, *merged.TopK)
	assert.Equal(t, "root ::= \"x\"", merged.Grammar)
	assert.Equal(t, 0.2, *base.Temperature, "base is not modified")
}

func TestFormatTimings(t *testing.T) {
	tests := []struct {
		timings llama.Timings
		want    string
	}{
		{llama.Timings{PredictedPerTokenMS: 41.6, PredictedPerSecond: 24.0385}, "42ms per token, 24.04 tokens per second"},
		{llama.Timings{PredictedPerTokenMS: 10, PredictedPerSecond: 100}, "10ms per token, 100.00 tokens per second"},
		{llama.Timings{}, "0ms per token, 0.00 tokens per second"},
		{llama.Timings{PredictedPerTokenMS: 12.5, PredictedPerSecond: 80}, "13ms per token, 80.00 tokens per second"},
		{llama.Timings{PredictedPerTokenMS: 7.5, PredictedPerSecond: 133.125}, "8ms per token, 133.13 tokens per second"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, FormatTimings(tc.timings))
	}
}
