// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import "sync"

// =============================================================================
// CANCEL FUNCTION MANAGEMENT (THREAD-SAFE)
// =============================================================================

// cancelManager holds the cancel function of the in-flight run. It is shared
// by the goroutine that starts runs, the one that reconciles them and any
// caller of CancelActive.
//
// A response id is reserved before its run exists. A cancel that arrives in
// that window is remembered and applied when the run registers.
type cancelManager struct {
	mu         sync.Mutex
	responseID string
	cancelFunc func() bool
	pending    bool
}

// newCancelManager creates a new cancelManager pointer.
func newCancelManager() *cancelManager {
	return &cancelManager{}
}

// reserve claims the manager for responseID, dropping any earlier run.
func (cm *cancelManager) reserve(responseID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.responseID = responseID
	cm.cancelFunc = nil
	cm.pending = false
}

// register stores fn for responseID and invokes it at once if a cancel was
// requested while the run was starting. A stale responseID is ignored.
func (cm *cancelManager) register(responseID string, fn func() bool) {
	cm.mu.Lock()
	if cm.responseID != responseID {
		cm.mu.Unlock()
		return
	}
	cm.cancelFunc = fn
	pending := cm.pending
	cm.pending = false
	cm.mu.Unlock()

	if pending {
		fn()
	}
}

// cancel invokes the stored cancel function and reports whether it took
// effect. Safe to call multiple times or with nothing reserved.
func (cm *cancelManager) cancel() bool {
	cm.mu.Lock()
	fn := cm.cancelFunc
	if fn == nil {
		defer cm.mu.Unlock()
		if cm.responseID == "" || cm.pending {
			return false
		}
		cm.pending = true
		return true
	}
	cm.mu.Unlock()

	return fn()
}

// clear forgets responseID once its run has finished. Clearing an id that is
// no longer reserved does nothing.
func (cm *cancelManager) clear(responseID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.responseID != responseID {
		return
	}
	cm.responseID = ""
	cm.cancelFunc = nil
	cm.pending = false
}
