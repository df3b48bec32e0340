// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/rigrun-chat/internal/inference"
	"github.com/jeranaias/rigrun-chat/internal/llama"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/prompt"
	"github.com/jeranaias/rigrun-chat/internal/reconcile"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

// =============================================================================
// ERRORS AND CONSTANTS
// =============================================================================

var (
	// ErrBusy is returned by SendText while a response is being generated.
	ErrBusy = errors.New("a response is still being generated")

	// ErrNoContext is returned by SendText before a model has been loaded.
	ErrNoContext = errors.New("no model loaded")

	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("message is empty")
)

const (
	// DefaultConversationID scopes messages when no conversation is chosen.
	DefaultConversationID = "default"

	// DefaultGreeting is shown once a model has loaded.
	DefaultGreeting = "Hello There !!! How can I help you today?"

	// LoadFailurePrefix starts the status message for a failed load.
	LoadFailurePrefix = "Context initialization failed: "
)

// =============================================================================
// STATE
// =============================================================================

// State is the controller's position in the send/stream cycle.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Loader loads a model and returns an engine context.
type Loader interface {
	Load(ctx context.Context, modelPath string, opts llama.LoadOptions) (inference.EngineContext, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, modelPath string, opts llama.LoadOptions) (inference.EngineContext, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, modelPath string, opts llama.LoadOptions) (inference.EngineContext, error) {
	return f(ctx, modelPath, opts)
}

// EngineLoader returns a Loader backed by a llama engine.
func EngineLoader(engine *llama.Engine) Loader {
	return LoaderFunc(func(ctx context.Context, modelPath string, opts llama.LoadOptions) (inference.EngineContext, error) {
		lctx, err := engine.Load(ctx, modelPath, opts)
		if err != nil {
			return nil, err
		}
		return lctx, nil
	})
}

// Recorder persists finished runs.
type Recorder interface {
	Record(ctx context.Context, rec telemetry.Record) error
}

// =============================================================================
// OPTIONS
// =============================================================================

// Options configures a Controller.
type Options struct {
	ConversationID string
	Preamble       string
	Sampling       inference.SamplingConfig

	// Greeting is appended after a successful load. Empty disables it.
	Greeting string

	// StoppedNotice is appended after a cancelled run. Empty disables it.
	StoppedNotice string

	// MaxMessages bounds the store. Zero or less keeps everything.
	MaxMessages int

	Logger   *zap.Logger
	Recorder Recorder
}

// DefaultOptions returns the options matching the stock chat experience.
func DefaultOptions() Options {
	return Options{
		ConversationID: DefaultConversationID,
		Preamble:       prompt.DefaultPreamble,
		Greeting:       DefaultGreeting,
		StoppedNotice:  reconcile.DefaultStoppedNotice,
		MaxMessages:    model.DefaultMaxMessages,
	}
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller drives the chat session. It is safe for concurrent use.
type Controller struct {
	store      *model.Store
	builder    *prompt.Builder
	reconciler *reconcile.Reconciler
	recorder   Recorder
	logger     *zap.Logger
	greeting   string
	cancelMgr  *cancelManager
	pumps      sync.WaitGroup

	mu             sync.Mutex
	session        *inference.Session
	conversationID string
	sampling       inference.SamplingConfig
	state          State
	busy           bool
	inflight       string
}

// New creates a controller with an empty store and no engine.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ConversationID == "" {
		opts.ConversationID = DefaultConversationID
	}

	c := &Controller{
		store:          model.NewStoreWithLimit(opts.MaxMessages),
		builder:        prompt.NewBuilder(opts.Preamble),
		recorder:       opts.Recorder,
		logger:         opts.Logger,
		greeting:       opts.Greeting,
		cancelMgr:      newCancelManager(),
		conversationID: opts.ConversationID,
		sampling:       opts.Sampling,
	}
	c.reconciler = reconcile.New(c.store, reconcile.Options{
		StoppedNotice: opts.StoppedNotice,
		Release:       c.release,
		Logger:        opts.Logger,
	})
	return c
}

// LoadEngine loads a model and makes it the active engine context. On
// failure a status message is appended and the error returned; the
// controller stays usable and a later load may succeed.
func (c *Controller) LoadEngine(ctx context.Context, loader Loader, modelPath string, opts llama.LoadOptions) error {
	c.logger.Info("loading model", zap.String("model", modelPath))

	engine, err := loader.Load(ctx, modelPath, opts)
	if err != nil {
		c.logger.Error("model load failed", zap.String("model", modelPath), zap.Error(err))
		c.store.Append(model.NewStatusMessage(LoadFailurePrefix + err.Error()))
		return fmt.Errorf("load engine: %w", err)
	}

	c.Attach(engine)
	return nil
}

// Attach makes engine the active context, closing any previous one. Messages
// scoped to the old context stop contributing to prompts.
func (c *Controller) Attach(engine inference.EngineContext) {
	c.mu.Lock()
	prev := c.session
	c.session = inference.NewSession(engine, c.logger)
	c.mu.Unlock()

	if prev != nil {
		c.closeSession(prev)
	}

	c.logger.Info("engine context attached", zap.String("context_id", engine.ID()))
	if c.greeting != "" {
		c.store.Append(model.NewStatusMessage(c.greeting))
	}
}

// SendText stores text as a user message and starts generating a response.
// It returns ErrNoContext before a model is loaded and ErrBusy while another
// response is in flight; in both cases the store is not touched.
func (c *Controller) SendText(ctx context.Context, text string) (*Turn, error) {
	text = norm.NFC.String(text)
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil, ErrNoContext
	}
	if c.busy {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	session := c.session
	conversationID := c.conversationID
	sampling := c.sampling
	responseID := model.NewID()
	c.busy = true
	c.inflight = responseID
	c.cancelMgr.reserve(responseID)
	c.setStateLocked(StateSending)
	c.mu.Unlock()

	contextID := session.ContextID()
	history := c.store.Snapshot()
	userMsg := model.NewUserMessage(text, conversationID, contextID)
	c.store.Append(userMsg)

	promptText := prompt.Leader + c.builder.Build(prompt.WithPending(userMsg, history), conversationID, contextID)
	target := reconcile.Target{
		ResponseID:     responseID,
		ConversationID: conversationID,
		ContextID:      contextID,
		CreatedAt:      time.Now(),
	}
	turn := newTurn(userMsg.ID, responseID)

	run, err := session.Run(context.WithoutCancel(ctx), responseID, promptText, sampling, prompt.StopSequences())
	if err != nil {
		outcome := inference.Outcome{Kind: inference.OutcomeFailed, Err: err}
		c.reconciler.Failed(target, outcome)
		c.record(target, outcome, 0, 0)
		turn.finish(outcome)
		return turn, nil
	}

	c.cancelMgr.register(responseID, run.Cancel)
	c.mu.Lock()
	if c.inflight == responseID {
		c.setStateLocked(StateStreaming)
	}
	c.mu.Unlock()

	c.pumps.Add(1)
	go c.pump(run, target, turn, time.Now())
	return turn, nil
}

// CancelActive stops the in-flight response. It reports whether there was a
// run to cancel.
func (c *Controller) CancelActive() bool {
	return c.cancelMgr.cancel()
}

// Close cancels any active run, waits for it to be reconciled and releases
// the engine context.
func (c *Controller) Close() error {
	c.CancelActive()
	c.pumps.Wait()

	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session != nil {
		return c.closeSession(session)
	}
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Messages returns the visible conversation, newest first.
func (c *Controller) Messages() []model.Message {
	return c.store.Snapshot()
}

// Store returns the message store for observation.
func (c *Controller) Store() *model.Store {
	return c.store
}

// Busy reports whether a response is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ContextID returns the active engine context id, or "" before a load.
func (c *Controller) ContextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ContextID()
}

// ConversationID returns the conversation new messages are scoped to.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// SetConversation switches the conversation scope. A response already in
// flight keeps the scope it started with.
func (c *Controller) SetConversation(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = id
}

// NewConversation switches to a fresh conversation and returns its id.
func (c *Controller) NewConversation() string {
	id := model.NewID()
	c.SetConversation(id)
	return id
}

// Sampling returns the sampling configuration used for new runs.
func (c *Controller) Sampling() inference.SamplingConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampling
}

// SetSampling replaces the sampling configuration for future runs.
func (c *Controller) SetSampling(cfg inference.SamplingConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sampling = cfg
}

// =============================================================================
// INTERNAL
// =============================================================================

func (c *Controller) pump(run *inference.Run, target reconcile.Target, turn *Turn, started time.Time) {
	defer c.pumps.Done()

	for ev := range run.Events() {
		c.reconciler.Apply(target, ev)
		if ev.Terminal() {
			c.record(target, *ev.Outcome, run.Tokens(), time.Since(started))
			turn.finish(*ev.Outcome)
		}
	}
}

// release is called by the reconciler when a response is final.
func (c *Controller) release(responseID string, outcome inference.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight != responseID {
		return
	}
	c.busy = false
	c.inflight = ""
	c.cancelMgr.clear(responseID)

	if outcome.Completed() {
		c.setStateLocked(StateCompleted)
	} else {
		c.setStateLocked(StateFailed)
	}
	c.setStateLocked(StateIdle)
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("state change",
		zap.Stringer("from", c.state),
		zap.Stringer("to", s),
		zap.String("response_id", c.inflight))
	c.state = s
}

func (c *Controller) record(target reconcile.Target, outcome inference.Outcome, tokens int, elapsed time.Duration) {
	if c.recorder == nil {
		return
	}

	rec := telemetry.Record{
		ResponseID:      target.ResponseID,
		ConversationID:  target.ConversationID,
		ContextID:       target.ContextID,
		Outcome:         outcome.Label(),
		Tokens:          tokens,
		Timings:         outcome.Summary,
		TokensPerSecond: outcome.Timings.PredictedPerSecond,
		Duration:        elapsed,
		Error:           outcome.Description(),
		FinishedAt:      time.Now(),
	}
	if err := c.recorder.Record(context.Background(), rec); err != nil {
		c.logger.Warn("failed to record run", zap.String("response_id", target.ResponseID), zap.Error(err))
	}
}

func (c *Controller) closeSession(s *inference.Session) error {
	s.Close()
	if closer, ok := s.Engine().(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Warn("failed to close engine context", zap.Error(err))
			return err
		}
	}
	return nil
}
