// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"sync"
	"testing"
	"time"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestAuthor_DisplayName(t *testing.T) {
	tests := []struct {
		author Author
		want   string
	}{
		{AuthorUser, "You"},
		{AuthorSystem, "Assistant"},
		{Author("other"), "other"},
	}

	for _, tc := range tests {
		if got := tc.author.DisplayName(); got != tc.want {
			t.Errorf("%q.DisplayName() = %q, want %q", tc.author, got, tc.want)
		}
	}
}

func TestNewUserMessage(t *testing.T) {
	msg := NewUserMessage("Hello", "default", "ctx-1")

	if msg.ID == "" {
		t.Error("ID should not be empty")
	}
	if msg.Author != AuthorUser {
		t.Errorf("Author = %q, want %q", msg.Author, AuthorUser)
	}
	if msg.Kind != KindText {
		t.Errorf("Kind = %v, want text", msg.Kind)
	}
	if msg.Metadata.ConversationID != "default" || msg.Metadata.ContextID != "ctx-1" {
		t.Errorf("Metadata = %+v, want default/ctx-1 scope", msg.Metadata)
	}
	if msg.Streaming {
		t.Error("user message must not be streaming")
	}
}

func TestNewStatusMessage(t *testing.T) {
	msg := NewStatusMessage("Generation stopped by user")

	if !msg.IsStatus() {
		t.Error("status message should be system flagged")
	}
	if msg.IsAssistant() {
		t.Error("status message is not an assistant reply")
	}
	if msg.Author != AuthorSystem {
		t.Errorf("Author = %q, want %q", msg.Author, AuthorSystem)
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestMessage_Preview(t *testing.T) {
	msg := Message{Text: "héllo wörld"}

	if got := msg.Preview(50); got != "héllo wörld" {
		t.Errorf("Preview(50) = %q", got)
	}
	if got := msg.Preview(8); got != "héllo..." {
		t.Errorf("Preview(8) = %q, want %q", got, "héllo...")
	}
}

// =============================================================================
// STORE TESTS
// =============================================================================

func TestStore_SnapshotNewestFirst(t *testing.T) {
	s := NewStore()
	a := NewUserMessage("a", "default", "c")
	b := NewUserMessage("b", "default", "c")
	c := NewStatusMessage("c")

	s.Append(a)
	s.Append(b)
	s.Append(c)

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	if snap[0].ID != c.ID || snap[1].ID != b.ID || snap[2].ID != a.ID {
		t.Errorf("snapshot order = %q,%q,%q; want newest first", snap[0].Text, snap[1].Text, snap[2].Text)
	}
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := NewStore()
	s.Append(NewUserMessage("original", "default", "c"))

	snap := s.Snapshot()
	snap[0].Text = "changed"

	if got := s.Snapshot()[0].Text; got != "original" {
		t.Errorf("store text = %q, want unchanged", got)
	}
}

func TestStore_MutateMissingIsNoop(t *testing.T) {
	s := NewStore()
	s.Append(NewUserMessage("a", "default", "c"))

	called := false
	if s.Mutate("does-not-exist", func(*Message) { called = true }) {
		t.Error("Mutate on missing id returned true")
	}
	if called {
		t.Error("mutation function should not run for a missing id")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStore_MutateKeepsIDAndFinalText(t *testing.T) {
	s := NewStore()
	user := NewUserMessage("fixed", "default", "c")
	s.Append(user)

	s.Mutate(user.ID, func(m *Message) {
		m.ID = "other"
		m.Text = "rewritten"
		m.Metadata.Timings = "1ms"
	})

	got, ok := s.Get(user.ID)
	if !ok {
		t.Fatal("message lost its id")
	}
	if got.Text != "fixed" {
		t.Errorf("user text = %q, want immutable", got.Text)
	}
	if got.Metadata.Timings != "1ms" {
		t.Errorf("metadata change not applied: %+v", got.Metadata)
	}
}

func TestStore_MutateStreamingText(t *testing.T) {
	s := NewStore()
	resp := NewResponseMessage("r1", "He", "default", "c", time.Now())
	s.Append(resp)

	s.Mutate("r1", func(m *Message) { m.Text += "llo" })
	s.Mutate("r1", func(m *Message) { m.Streaming = false })
	s.Mutate("r1", func(m *Message) { m.Text += " late" })

	got, _ := s.Get("r1")
	if got.Text != "Hello" {
		t.Errorf("Text = %q, want %q", got.Text, "Hello")
	}
}

func TestStore_MutateOrAppend(t *testing.T) {
	s := NewStore()
	create := func() Message { return NewResponseMessage("", "x", "default", "c", time.Now()) }
	grow := func(m *Message) { m.Text += "y" }

	if !s.MutateOrAppend("r1", create, grow) {
		t.Error("first call should append")
	}
	if s.MutateOrAppend("r1", create, grow) {
		t.Error("second call should mutate")
	}

	got, ok := s.Get("r1")
	if !ok {
		t.Fatal("created message should carry the requested id")
	}
	if got.Text != "xy" {
		t.Errorf("Text = %q, want %q", got.Text, "xy")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStore_Pruning(t *testing.T) {
	s := NewStoreWithLimit(3)
	streaming := NewResponseMessage("keep", "", "default", "c", time.Now())
	s.Append(streaming)
	for i := 0; i < 5; i++ {
		s.Append(NewStatusMessage("n"))
	}

	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
	if _, ok := s.Get("keep"); !ok {
		t.Error("streaming message should survive pruning")
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore()
	calls := 0
	unsubscribe := s.Subscribe(func() {
		calls++
		_ = s.Len()
	})

	s.Append(NewStatusMessage("a"))
	s.Mutate("missing", func(*Message) {})
	unsubscribe()
	s.Append(NewStatusMessage("b"))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()
	s.Append(NewResponseMessage("r", "", "default", "c", time.Now()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Mutate("r", func(m *Message) { m.Text += "x" })
		}()
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
		}()
	}
	wg.Wait()

	got, _ := s.Get("r")
	if len(got.Text) != 20 {
		t.Errorf("len(Text) = %d, want 20", len(got.Text))
	}
}
