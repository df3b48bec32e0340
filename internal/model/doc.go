// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the message type shared by every layer of the chat
// core and the Store that owns the visible conversation.
//
// # Key Types
//
//   - Message: Single message with author, kind, text and scoping metadata
//   - Metadata: System flag, conversation/context scope and timings summary
//   - Store: Reverse-chronological, concurrency-safe message collection
//   - Author: The two fixed identities (user, system)
//   - Kind: Closed set of message variants (currently only text)
//
// # Usage
//
// Append a user message and observe the store:
//
//	store := model.NewStore()
//	unsubscribe := store.Subscribe(func() { redraw(store.Snapshot()) })
//	defer unsubscribe()
//	store.Append(model.NewUserMessage("Hello!", "default", ctxID))
//
// Mutations that target an id not (or no longer) present are no-ops:
//
//	store.Mutate(id, func(m *model.Message) { m.Metadata.Timings = summary })
package model
