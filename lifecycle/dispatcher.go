package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrDispatcherNotRunning is returned by Dispatch once Stop has completed.
var ErrDispatcherNotRunning = errors.New("lifecycle: dispatcher is not running")

// Observer receives every Event a Dispatcher fans out. EventTypes narrows
// delivery to a subset of kinds; an empty slice means "all events".
// Priority breaks ties when more than one observer is registered —
// higher priority observers are notified first, keeping the canonical
// event log reproducible.
type Observer interface {
	ID() string
	OnEvent(ctx context.Context, event Event) error
	EventTypes() []EventType
	Priority() int
}

// Sink forwards events outside the process (e.g. as CloudEvents). Unlike
// Observer it is not addressable/removable by ID — a Dispatcher typically
// has zero or one Sink, configured at construction.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

type observerEntry struct {
	observer Observer
	types    map[EventType]bool
}

// Dispatcher fans an Event out to every interested Observer, in priority
// order, and then (best-effort, logged not propagated) to its Sink if one
// is configured. Dispatch runs observers synchronously and in a fixed
// order so that, given the same sequence of events, two Dispatcher
// instances produce the same sequence of observer notifications.
type Dispatcher struct {
	mu        sync.RWMutex
	observers map[string]*observerEntry
	sink      Sink
	running   bool
	log       []Event
	onSinkErr func(event Event, err error)
}

// NewDispatcher creates a Dispatcher. sink may be nil.
func NewDispatcher(sink Sink) *Dispatcher {
	return &Dispatcher{
		observers: make(map[string]*observerEntry),
		sink:      sink,
		running:   true,
	}
}

// OnSinkError installs a callback invoked whenever forwarding to the Sink
// fails. Defaults to a no-op; the Injector wires its Logger in here.
func (d *Dispatcher) OnSinkError(fn func(event Event, err error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSinkErr = fn
}

// RegisterObserver adds observer to the fan-out list.
func (d *Dispatcher) RegisterObserver(observer Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	types := make(map[EventType]bool, len(observer.EventTypes()))
	for _, t := range observer.EventTypes() {
		types[t] = true
	}
	d.observers[observer.ID()] = &observerEntry{observer: observer, types: types}
}

// UnregisterObserver removes an observer by id. It is a no-op if the id is
// unknown.
func (d *Dispatcher) UnregisterObserver(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.observers, id)
}

// Observers returns the currently registered observers, ordered by
// descending priority and, within a tie, by id — a stable, deterministic
// order.
func (d *Dispatcher) Observers() []Observer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Observer, 0, len(d.observers))
	for _, e := range d.observers {
		out = append(out, e.observer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Stop marks the dispatcher as no longer accepting events. Already
// delivered events are unaffected.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
}

// Dispatch appends event to the log and delivers it to every interested
// observer, in priority order, then to the Sink if configured. Observer
// errors do not stop delivery to subsequent observers; they are not
// returned to the caller either — Dispatch's only failure mode is the
// dispatcher having been stopped, since event delivery is an
// observability side channel, not something the Injector's own
// correctness depends on.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrDispatcherNotRunning
	}
	d.log = append(d.log, event)
	sink := d.sink
	onSinkErr := d.onSinkErr
	d.mu.Unlock()

	for _, observer := range d.Observers() {
		d.mu.RLock()
		entry := d.observers[observer.ID()]
		d.mu.RUnlock()
		if entry == nil {
			continue
		}
		if len(entry.types) > 0 && !entry.types[event.Type] {
			continue
		}
		_ = observer.OnEvent(ctx, event)
	}

	if sink != nil {
		if err := sink.Send(ctx, event); err != nil && onSinkErr != nil {
			onSinkErr(event, err)
		}
	}

	return nil
}

// Tail returns up to n of the most recently dispatched events, oldest
// first. A non-positive n returns the full log.
func (d *Dispatcher) Tail(n int) []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if n <= 0 || n >= len(d.log) {
		out := make([]Event, len(d.log))
		copy(out, d.log)
		return out
	}
	out := make([]Event, n)
	copy(out, d.log[len(d.log)-n:])
	return out
}
