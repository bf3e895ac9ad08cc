// Package monitor provides one-shot liveness watches keyed by a stable
// token: any subject (an Item, a worker) can be watched by any number of
// observers, and each watch fires at most once, carrying the reason the
// subject died.
//
// The model is deliberately simple and callback-free at this layer —
// callers drain a channel rather than registering a function, which keeps
// the Hub itself free of knowledge about what it is monitoring. Higher
// layers (item.go, and the Engine's worker watches fed from the Worker
// Host's done channels) build their death-notification semantics on top
// of this.
package monitor

import (
	"sync"

	"github.com/google/uuid"
)

// Token uniquely identifies one watch. It is returned by Hub.Watch and
// included in every Notice delivered for that watch.
type Token string

// newToken generates a time-ordered token so notices can be sorted by
// watch-creation order for debugging.
func newToken() Token {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Token(id.String())
}

// Notice is delivered exactly once per watch, when the watched subject
// dies via Hub.Fire (or at once, carrying ErrAlreadyDead, for a watch
// installed after the subject was fired).
type Notice struct {
	Token  Token
	Reason error
}

// Hub tracks live subjects and the watches registered against them. A
// subject is any comparable value the caller chooses to use as a key —
// typically an Item ref or a worker handle.
type Hub struct {
	mu       sync.Mutex
	watchers map[any]map[Token]chan Notice
	byToken  map[Token]any
	closed   map[any]bool
}

// NewHub creates an empty monitor hub.
func NewHub() *Hub {
	return &Hub{
		watchers: make(map[any]map[Token]chan Notice),
		byToken:  make(map[Token]any),
		closed:   make(map[any]bool),
	}
}

// Watch installs a one-shot watch on subject and returns a token plus the
// channel the Notice will arrive on. The channel has capacity 1 so Fire
// never blocks on a slow or absent reader.
func (h *Hub) Watch(subject any) (Token, <-chan Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tok := newToken()
	ch := make(chan Notice, 1)

	if h.closed[subject] {
		// Subject already dead: fire immediately with an unknown reason
		// rather than silently dropping the watch.
		ch <- Notice{Token: tok, Reason: ErrAlreadyDead}
		return tok, ch
	}

	if h.watchers[subject] == nil {
		h.watchers[subject] = make(map[Token]chan Notice)
	}
	h.watchers[subject][tok] = ch
	h.byToken[tok] = subject
	return tok, ch
}

// Demonitor cancels a watch before it fires. It is a no-op if the watch
// already fired or never existed.
func (h *Hub) Demonitor(tok Token) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subject, ok := h.byToken[tok]
	if !ok {
		return
	}
	delete(h.byToken, tok)
	if subs := h.watchers[subject]; subs != nil {
		delete(subs, tok)
		if len(subs) == 0 {
			delete(h.watchers, subject)
		}
	}
}

// Fire marks subject dead and delivers reason to every outstanding watch
// on it. Fire is idempotent: firing an already-dead subject is a no-op,
// matching the "revocation is irreversible" contract on Items.
func (h *Hub) Fire(subject any, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed[subject] {
		return
	}
	h.closed[subject] = true

	subs := h.watchers[subject]
	delete(h.watchers, subject)
	for tok, ch := range subs {
		ch <- Notice{Token: tok, Reason: reason}
		delete(h.byToken, tok)
	}
}

// IsDead reports whether subject has already been fired.
func (h *Hub) IsDead(subject any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed[subject]
}

// Forget drops all bookkeeping for subject without firing any watch. Used
// when a subject is removed from the system through a path that does not
// constitute death (there is none today, but kept symmetrical with Fire
// for subjects whose watches were all cancelled already).
func (h *Hub) Forget(subject any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.closed, subject)
	if subs, ok := h.watchers[subject]; ok {
		for tok := range subs {
			delete(h.byToken, tok)
		}
		delete(h.watchers, subject)
	}
}
