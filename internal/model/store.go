// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "sync"

// DefaultMaxMessages is the retention limit used by NewStore.
const DefaultMaxMessages = 1000

// Store is the single authoritative message collection for a chat session.
// Snapshots are newest-first. All methods are safe for concurrent use.
//
// Internally messages are kept in chronological order so that appends are
// cheap; Snapshot reverses on the way out.
type Store struct {
	mu          sync.RWMutex
	messages    []Message
	maxMessages int

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
}

// NewStore creates an empty store with the default retention limit.
func NewStore() *Store {
	return NewStoreWithLimit(DefaultMaxMessages)
}

// NewStoreWithLimit creates an empty store keeping at most max messages.
// A limit <= 0 disables pruning.
func NewStoreWithLimit(max int) *Store {
	return &Store{
		maxMessages: max,
		subs:        make(map[int]func()),
	}
}

// Append inserts msg as the newest message.
func (s *Store) Append(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.pruneLocked()
	s.mu.Unlock()

	s.notify()
}

// Mutate applies fn to the message with the given id. It returns false and
// does nothing when no such message exists. The id can never be changed, and
// text changes are discarded unless the message is still streaming.
func (s *Store) Mutate(id string, fn func(*Message)) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.applyLocked(idx, fn)
	s.mu.Unlock()

	s.notify()
	return true
}

// MutateOrAppend mutates the message with the given id, or appends the
// message returned by create when it does not exist yet. The check and the
// write happen under one lock so the message is never inserted twice.
// It reports whether a new message was appended.
func (s *Store) MutateOrAppend(id string, create func() Message, fn func(*Message)) bool {
	s.mu.Lock()
	created := false
	if idx := s.indexLocked(id); idx >= 0 {
		s.applyLocked(idx, fn)
	} else {
		msg := create()
		msg.ID = id
		s.messages = append(s.messages, msg)
		s.pruneLocked()
		created = true
	}
	s.mu.Unlock()

	s.notify()
	return created
}

// Snapshot returns a copy of all messages, newest first.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	for i, msg := range s.messages {
		out[len(s.messages)-1-i] = msg
	}
	return out
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx := s.indexLocked(id); idx >= 0 {
		return s.messages[idx], true
	}
	return Message{}, false
}

// Len returns the number of messages held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Clear removes every message.
func (s *Store) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()

	s.notify()
}

// Subscribe registers fn to be called after every change. Callbacks run on
// the goroutine that made the change, outside the store lock, so they may
// read the store. The returned function removes the subscription.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// =============================================================================
// INTERNAL
// =============================================================================

// indexLocked searches from the newest end, where mutation targets live.
func (s *Store) indexLocked(id string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) applyLocked(idx int, fn func(*Message)) {
	before := s.messages[idx]
	next := before
	fn(&next)

	next.ID = before.ID
	if !before.Streaming {
		next.Text = before.Text
	}
	s.messages[idx] = next
}

// pruneLocked drops the oldest messages beyond the retention limit. Streaming
// messages are kept so an in-flight response never disappears.
func (s *Store) pruneLocked() {
	if s.maxMessages <= 0 || len(s.messages) <= s.maxMessages {
		return
	}

	excess := len(s.messages) - s.maxMessages
	kept := s.messages[:0:0]
	for _, msg := range s.messages {
		if excess > 0 && !msg.Streaming {
			excess--
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
