// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the session controller that turns user input into
// completion runs.
//
// The Controller owns the engine session, the busy flag and the conversation
// scope. It stores the user's message, builds the prompt, starts the run and
// feeds the run's events to the reconciler until the response is final.
//
// # State Machine
//
//	Idle ──SendText──▶ Sending ──run started──▶ Streaming
//	  ▲                                            │
//	  └──────────── Completed / Failed ◀───────────┘
//
// While a response is in flight SendText returns ErrBusy and leaves the
// store untouched.
//
// # Usage
//
//	ctrl := chat.New(chat.DefaultOptions())
//	if err := ctrl.LoadEngine(ctx, chat.EngineLoader(engine), modelPath, loadOpts); err != nil {
//	    // a status message describing the failure is already in the store
//	}
//	turn, err := ctrl.SendText(ctx, "What's the weather today?")
//	if err != nil {
//	    return err
//	}
//	outcome, _ := turn.Wait(ctx)
package chat
