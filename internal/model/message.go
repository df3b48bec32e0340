// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/rigrun-chat/internal/util"
)

// =============================================================================
// AUTHOR TYPE
// =============================================================================

// Author identifies who wrote a message. The assistant is not a third role:
// bot replies and status notices are both written by AuthorSystem.
type Author string

const (
	AuthorUser   Author = "user"
	AuthorSystem Author = "system"
)

// String returns the string representation of the author.
func (a Author) String() string {
	return string(a)
}

// DisplayName returns a human-readable name for the author.
func (a Author) DisplayName() string {
	switch a {
	case AuthorUser:
		return "You"
	case AuthorSystem:
		return "Assistant"
	default:
		return string(a)
	}
}

// =============================================================================
// KIND TYPE
// =============================================================================

// Kind is the closed set of message variants. Code that depends on the kind
// must switch over it exhaustively and treat unknown kinds as ineligible.
type Kind int

const (
	KindText Kind = iota
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Metadata holds the optional fields attached to a message.
type Metadata struct {
	// System marks pure status/error notices. They are never part of a prompt.
	System bool `json:"system,omitempty"`

	// ConversationID scopes the message to one conversation thread.
	ConversationID string `json:"conversation_id,omitempty"`

	// ContextID scopes the message to the engine context that produced or
	// received it.
	ContextID string `json:"context_id,omitempty"`

	// Timings is a human-readable performance summary, set only on success.
	Timings string `json:"timings,omitempty"`
}

// Message represents a single turn in the conversation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Author    Author    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	Kind      Kind      `json:"kind"`

	// Content
	Text string `json:"text"`

	// Streaming is true while a response is still receiving tokens. The Store
	// refuses text changes on messages that are not streaming.
	Streaming bool `json:"-"`

	Metadata Metadata `json:"metadata"`
}

// NewID returns a fresh opaque message identifier.
func NewID() string {
	return uuid.NewString()
}

// NewUserMessage creates a user text message bound to a conversation and
// engine context.
func NewUserMessage(text, conversationID, contextID string) Message {
	return Message{
		ID:        NewID(),
		Author:    AuthorUser,
		CreatedAt: time.Now(),
		Kind:      KindText,
		Text:      text,
		Metadata: Metadata{
			ConversationID: conversationID,
			ContextID:      contextID,
		},
	}
}

// NewStatusMessage creates a system-flagged notice (greeting, error, stop).
func NewStatusMessage(text string) Message {
	return Message{
		ID:        NewID(),
		Author:    AuthorSystem,
		CreatedAt: time.Now(),
		Kind:      KindText,
		Text:      text,
		Metadata:  Metadata{System: true},
	}
}

// NewResponseMessage creates the streaming assistant message for a run.
func NewResponseMessage(id, text, conversationID, contextID string, createdAt time.Time) Message {
	return Message{
		ID:        id,
		Author:    AuthorSystem,
		CreatedAt: createdAt,
		Kind:      KindText,
		Text:      text,
		Streaming: true,
		Metadata: Metadata{
			ConversationID: conversationID,
			ContextID:      contextID,
		},
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// IsStatus reports whether the message is a system-flagged notice.
func (m Message) IsStatus() bool {
	return m.Metadata.System
}

// IsAssistant reports whether the message is a bot reply.
func (m Message) IsAssistant() bool {
	return m.Author == AuthorSystem && !m.Metadata.System
}

// Preview returns a single line preview of the text at most maxWidth
// terminal columns wide.
func (m Message) Preview(maxWidth int) string {
	return util.Preview(m.Text, maxWidth)
}
