// Package presence keeps the per-user count of open realtime connections and
// announces the online set whenever it changes.
package presence

import (
	"slices"
	"sync"
)

// Emitter receives the online set each time it changes.
type Emitter interface {
	PublishOnlineUsers(userIDs []string)
}

// Tracker counts live connections per user identity. The count map is owned
// by the tracker; every counter change and the broadcast decision that follows
// it happen under one lock.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
	order  []string
	emit   Emitter
}

// New creates a Tracker that announces changes through emit.
func New(emit Emitter) *Tracker {
	return &Tracker{counts: make(map[string]int), emit: emit}
}

// OnConnect records one more connection for userID. An empty userID is an
// anonymous connection and is ignored.
func (t *Tracker) OnConnect(userID string) {
	t.Join(userID, nil)
}

// Join records the connection like OnConnect. When the online set did not
// change, greet is called with the current set so the new connection can be
// told who is online without a broadcast. greet runs under the tracker lock
// and must not block.
func (t *Tracker) Join(userID string, greet func(online []string)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if userID != "" {
		prev := t.counts[userID]
		t.counts[userID] = prev + 1
		if prev == 0 {
			t.order = append(t.order, userID)
			t.publishLocked()
			return
		}
	}
	if greet != nil {
		greet(t.onlineLocked())
	}
}

// OnDisconnect drops one connection for userID. A disconnect without a
// matching connect leaves the set untouched.
func (t *Tracker) OnDisconnect(userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.counts[userID]
	if !ok {
		return
	}
	if prev > 1 {
		t.counts[userID] = prev - 1
		return
	}
	delete(t.counts, userID)
	if i := slices.Index(t.order, userID); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
	t.publishLocked()
}

// Online returns the identities that have at least one open connection, in
// the order they came online.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineLocked()
}

// Count returns the number of open connections for userID.
func (t *Tracker) Count(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userID]
}

func (t *Tracker) onlineLocked() []string {
	return slices.Clone(t.order)
}

func (t *Tracker) publishLocked() {
	if t.emit == nil {
		return
	}
	t.emit.PublishOnlineUsers(t.onlineLocked())
}
