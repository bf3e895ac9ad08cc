package injector

import (
	"sync"

	"github.com/meshkit/injector/monitor"
)

// Item owns one (key, value) tuple. An Item's pointer identity is its
// ref: two Items holding equal (key, value) pairs are still distinct if
// they are different *Item values. An Item carries its own
// liveness — withdrawing it is the only way to revoke it, and revocation
// is irreversible and fires every outstanding monitor exactly once.
type Item struct {
	key   string
	value any
	owner any // optional; typically a worker.Handle, opaque to Item itself

	hub *monitor.Hub

	mu     sync.Mutex
	dead   bool
	reason error
}

// newItem constructs a fresh Item monitored through hub. owner may be nil.
func newItem(hub *monitor.Hub, key string, value any, owner any) *Item {
	return &Item{key: key, value: value, owner: owner, hub: hub}
}

// Key returns the item's key. Total, side-effect free.
func (i *Item) Key() string { return i.key }

// Value returns the item's payload. Total, side-effect free.
func (i *Item) Value() any { return i.value }

// Owner returns the optional owner handle this Item was pushed under.
func (i *Item) Owner() any { return i.owner }

// Monitor installs a one-shot liveness watch on the item, returning a
// token and a channel that receives exactly one monitor.Notice when the
// item is withdrawn — including if it is already dead when Monitor is
// called.
func (i *Item) Monitor() (monitor.Token, <-chan monitor.Notice) {
	return i.hub.Watch(i)
}

// Demonitor cancels a previously installed watch; a no-op once the
// notice has already fired.
func (i *Item) Demonitor(tok monitor.Token) {
	i.hub.Demonitor(tok)
}

// Withdraw terminates the item with reason, firing every outstanding
// monitor. Calling Withdraw on an already-dead Item has no effect — a
// successfully withdrawn Item must never reappear.
func (i *Item) Withdraw(reason error) {
	i.mu.Lock()
	if i.dead {
		i.mu.Unlock()
		return
	}
	i.dead = true
	i.reason = reason
	i.mu.Unlock()

	i.hub.Fire(i, reason)
}

// IsDead reports whether the item has been withdrawn.
func (i *Item) IsDead() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dead
}

// Reason returns the withdrawal reason, or nil if still alive.
func (i *Item) Reason() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reason
}
