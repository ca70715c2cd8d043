package mcp

import (
	"sync"
	"time"
)

// checkTracker records recent dualcommit_check_precedent calls so that
// handlePropose can tell a caller who skipped the check-first workflow.
//
// Keyed on (principal, proposal type). Entries expire after window. The
// tracker is per-process and advisory only.
type checkTracker struct {
	mu     sync.Mutex
	checks map[checkKey]time.Time
	window time.Duration
	now    func() time.Time
}

type checkKey struct {
	principal    string
	proposalType string
}

func newCheckTracker(window time.Duration) *checkTracker {
	return &checkTracker{
		checks: make(map[checkKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes that principal checked precedent for proposalType.
func (t *checkTracker) Record(principal, proposalType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[checkKey{principal, proposalType}] = t.now()

	if len(t.checks) > 1000 {
		t.purgeStale()
	}
}

// WasChecked reports whether principal checked proposalType within the window.
func (t *checkTracker) WasChecked(principal, proposalType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := checkKey{principal, proposalType}
	ts, ok := t.checks[k]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.checks, k)
		return false
	}
	return true
}

// purgeStale removes expired entries. Must be called with mu held.
func (t *checkTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.checks {
		if now.Sub(ts) > t.window {
			delete(t.checks, k)
		}
	}
}
