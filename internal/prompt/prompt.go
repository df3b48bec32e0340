// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt turns the visible conversation into the single prompt string
// sent to the inference engine.
//
// The format is the chat-tag dialect used by Phi-3 style models. Each eligible
// message renders as one line:
//
//	<|user|>What's up?<|end|>
//	<|assistant|>
//
// Lines are joined with a newline and prefixed with a fixed preamble. Building
// is pure: the same history and scope always produce the same string.
package prompt

import (
	"strings"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

// Chat tags understood by the model.
const (
	UserTag      = "<|user|>"
	AssistantTag = "<|assistant|>"
	EndTag       = "<|end|>"
)

// Leader is placed before the built prompt by the caller that sends it.
const Leader = UserTag + "\n"

// DefaultPreamble is prepended to every prompt unless overridden.
const DefaultPreamble = "This is a conversation between user and BawabaBot, a friendly chatbot working with EmiratesNBD. respond in simple markdown.\n\n"

// StopSequences returns the stop strings that end generation. A fresh slice
// is returned on every call.
func StopSequences() []string {
	return []string{EndTag, UserTag}
}

// Builder renders conversation history into a prompt.
type Builder struct {
	preamble string
}

// NewBuilder creates a builder. An empty preamble selects DefaultPreamble.
func NewBuilder(preamble string) *Builder {
	if preamble == "" {
		preamble = DefaultPreamble
	}
	return &Builder{preamble: preamble}
}

// Preamble returns the text placed before the rendered history.
func (b *Builder) Preamble() string {
	return b.preamble
}

var defaultBuilder = NewBuilder("")

// Build renders history with the default preamble.
func Build(history []model.Message, conversationID, contextID string) string {
	return defaultBuilder.Build(history, conversationID, contextID)
}

// Build renders history, given newest first, into a prompt. Only messages
// accepted by Eligible for the scope contribute a line. The result always
// starts with the preamble.
func (b *Builder) Build(history []model.Message, conversationID, contextID string) string {
	lines := make([]string, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if !Eligible(msg, conversationID, contextID) {
			continue
		}
		if line := renderTurn(msg); line != "" {
			lines = append(lines, line)
		}
	}

	var sb strings.Builder
	sb.WriteString(b.preamble)
	sb.WriteString(strings.Join(lines, "\n"))
	return sb.String()
}

// Eligible reports whether msg belongs in a prompt for the given scope. Status
// notices, other conversations, other engine contexts and non-text kinds are
// excluded.
func Eligible(msg model.Message, conversationID, contextID string) bool {
	switch msg.Kind {
	case model.KindText:
	default:
		return false
	}
	if msg.Metadata.System {
		return false
	}
	return msg.Metadata.ConversationID == conversationID &&
		msg.Metadata.ContextID == contextID
}

// WithPending returns history with pending placed first, as the newest
// message. Any entry already carrying pending's id is dropped, so a message
// that reached the store before the snapshot was taken is not rendered twice.
func WithPending(pending model.Message, history []model.Message) []model.Message {
	out := make([]model.Message, 0, len(history)+1)
	out = append(out, pending)
	for _, msg := range history {
		if msg.ID == pending.ID {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func renderTurn(msg model.Message) string {
	tag := UserTag
	if msg.Author == model.AuthorSystem {
		tag = AssistantTag
	}
	return tag + msg.Text + EndTag + "\n" + AssistantTag
}
