// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-chat/internal/llama"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRunActive is returned when a run is started while another is active.
	ErrRunActive = errors.New("a completion is already running")

	// ErrClosed is returned when a run is started on a closed session.
	ErrClosed = errors.New("session closed")
)

// =============================================================================
// ENGINE CONTRACT
// =============================================================================

// EngineContext is a loaded model able to stream completions.
type EngineContext interface {
	ID() string
	Completion(ctx context.Context, req llama.CompletionRequest, onToken llama.TokenCallback) (*llama.CompletionResult, error)
}

// =============================================================================
// SESSION
// =============================================================================

// eventBuffer bounds how far the engine may run ahead of the consumer.
const eventBuffer = 64

// Session runs completions on one engine context, one at a time.
type Session struct {
	engine EngineContext
	logger *zap.Logger

	mu     sync.Mutex
	active *Run
	closed bool
}

// NewSession creates a session bound to engine. A nil logger disables
// logging.
func NewSession(engine EngineContext, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		engine: engine,
		logger: logger.With(zap.String("context_id", engine.ID())),
	}
}

// ContextID returns the id of the engine context.
func (s *Session) ContextID() string {
	return s.engine.ID()
}

// Engine returns the engine context the session runs on.
func (s *Session) Engine() EngineContext {
	return s.engine
}

// Active returns the running run, or nil.
func (s *Session) Active() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Run starts a streaming completion for prompt. The caller must drain
// Events until the terminal event. Cancelling ctx cancels the run.
func (s *Session) Run(ctx context.Context, id, prompt string, sampling SamplingConfig, stop []string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.active != nil {
		return nil, ErrRunActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		id:      id,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		cancel:  cancel,
		started: time.Now(),
	}
	s.active = run

	req := sampling.Request(prompt, stop)
	s.logger.Debug("starting completion",
		zap.String("response_id", id),
		zap.Int("prompt_bytes", len(prompt)))

	go s.execute(runCtx, run, req)
	return run, nil
}

// Close cancels any active run and rejects new ones.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	active := s.active
	s.mu.Unlock()

	if active != nil {
		active.Cancel()
	}
}

func (s *Session) execute(ctx context.Context, run *Run, req llama.CompletionRequest) {
	defer close(run.events)
	defer run.cancel()

	res, err := s.complete(ctx, run, req)
	outcome := run.resolve(res, err, ctx.Err())

	s.mu.Lock()
	if s.active == run {
		s.active = nil
	}
	s.mu.Unlock()

	s.logger.Debug("completion finished",
		zap.String("response_id", run.id),
		zap.String("outcome", outcome.Label()),
		zap.Int("tokens", run.Tokens()),
		zap.Duration("elapsed", time.Since(run.started)))

	run.events <- Event{Outcome: &outcome}
	close(run.done)
}

// complete calls the engine, converting a panic into an error.
func (s *Session) complete(ctx context.Context, run *Run, req llama.CompletionRequest) (res *llama.CompletionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("engine panic", zap.String("response_id", run.id), zap.Any("panic", r))
			res, err = nil, fmt.Errorf("engine panic: %v", r)
		}
	}()

	return s.engine.Completion(ctx, req, func(td llama.TokenData) {
		if !run.acceptToken() {
			return
		}
		select {
		case run.events <- Event{Token: td.Token}:
		case <-ctx.Done():
		}
	})
}

// =============================================================================
// RUN
// =============================================================================

// Event is one item of a run's stream. Exactly one event, the last, has a
// non-nil Outcome.
type Event struct {
	Token   string
	Outcome *Outcome
}

// Terminal reports whether this is the final event of the run.
func (e Event) Terminal() bool {
	return e.Outcome != nil
}

// Run is one in-flight completion.
type Run struct {
	id      string
	events  chan Event
	done    chan struct{}
	cancel  context.CancelFunc
	started time.Time

	mu              sync.Mutex
	cancelRequested bool
	finished        bool
	tokens          int
	outcome         Outcome
}

// ID returns the response id the run was started with.
func (r *Run) ID() string {
	return r.id
}

// Events returns the event stream. It is closed after the terminal event.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Done is closed once the outcome is decided and delivered to Events.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Cancel requests cancellation. It reports whether the request took effect;
// cancelling a finished run does nothing.
func (r *Run) Cancel() bool {
	r.mu.Lock()
	if r.finished || r.cancelRequested {
		r.mu.Unlock()
		return false
	}
	r.cancelRequested = true
	r.mu.Unlock()

	r.cancel()
	return true
}

// Outcome returns the terminal outcome once decided.
func (r *Run) Outcome() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.finished
}

// Tokens returns the number of token events emitted.
func (r *Run) Tokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		o, _ := r.Outcome()
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// acceptToken counts a token unless the run was cancelled or finished.
func (r *Run) acceptToken() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelRequested || r.finished {
		return false
	}
	r.tokens++
	return true
}

// resolve decides the outcome exactly once. A cancel request wins over
// whatever the engine returned.
func (r *Run) resolve(res *llama.CompletionResult, err, ctxErr error) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.cancelRequested:
		r.outcome = cancelled()
	case err != nil && errors.Is(ctxErr, context.Canceled):
		r.outcome = cancelled()
	case err != nil:
		r.outcome = failed(err)
	case res == nil:
		r.outcome = failed(errors.New("engine returned no result"))
	default:
		r.outcome = completed(res.Timings)
	}
	r.finished = true
	return r.outcome
}
