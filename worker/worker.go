// Package worker implements the Worker Host: a lightweight supervision
// primitive that spawns workers behind a bounded initialization
// handshake, dispatches messages to a state-function pair, and routes
// synchronous RPCs and fire-and-forget casts. The Engine's own
// serialized event loop is conceptually one more worker on this
// substrate; it implements its loop directly rather than through
// Module, since its state machine is fixed rather than pluggable.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is an opaque, comparable reference to a spawned worker. Handles
// are safe to share across goroutines; they carry no mutable state.
type Handle struct {
	id string
}

// String renders the handle for logging.
func (h Handle) String() string { return h.id }

// IsZero reports whether h is the zero Handle (never returned by Spawn).
func (h Handle) IsZero() bool { return h.id == "" }

func newHandle() Handle {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Handle{id: id.String()}
}

// ReplyFunc is the reply continuation passed to a StateFn. Calling it more
// than once, or calling it when the inbound message was a cast, has no
// effect beyond the first call.
type ReplyFunc func(reply any)

// ResultKind tags the three possible outcomes of a StateFn invocation.
type ResultKind int

const (
	// Transition moves the worker to a new (fn, state) pair.
	Transition ResultKind = iota
	// NoChange leaves the current (fn, state) pair untouched.
	NoChange
	// Exit terminates the worker gracefully with Reason (nil means a
	// clean, expected exit).
	Exit
)

// Result is what a StateFn returns.
type Result struct {
	Kind   ResultKind
	NextFn StateFn
	State  any
	Reason error
}

// Transit builds a Transition result.
func Transit(next StateFn, state any) Result {
	return Result{Kind: Transition, NextFn: next, State: state}
}

// Stay builds a NoChange result.
func Stay() Result { return Result{Kind: NoChange} }

// Quit builds an Exit result.
func Quit(reason error) Result { return Result{Kind: Exit, Reason: reason} }

// StateFn is the worker's current state: a function of the reply
// continuation, the inbound message, and the opaque state data,
// consulted afresh on every message.
type StateFn func(reply ReplyFunc, msg any, state any) Result

// Module is the contract a worker implementation provides to Spawn.
// Started and Stopped are optional lifecycle hooks, detected via the
// Starter and Stopper interfaces below.
type Module interface {
	// CreateInitialState runs synchronously inside the spawn handshake
	// (bounded by SpawnOptions.Timeout) and produces the worker's first
	// state function and state value.
	CreateInitialState(args any) (StateFn, any, error)
}

// Starter is implemented by modules wanting a post-init hook, called
// after CreateInitialState succeeds and the worker is registered.
type Starter interface {
	Started(state any)
}

// Stopper is implemented by modules wanting a pre-teardown hook, called
// best-effort (panics recovered, errors logged, never fatal) before a
// worker's monitors are fired.
type Stopper interface {
	Stopped(state any, reason error)
}

// Identity is the inspectable record the Host carries per worker, used
// for logging and RPC error enrichment.
type Identity struct {
	ModuleType string
	CurrentFn  string
	StartArgs  any
}

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	// Link, if set, notifies OnLinkBroken when this worker terminates for
	// any reason (including a clean Exit). The caller decides what "dying
	// together" means for it — typically tearing itself down.
	Link         bool
	OnLinkBroken func(reason error)
	// Timeout bounds CreateInitialState. Zero means the Host's default
	// (DefaultSpawnTimeout unless overridden via SetDefaultSpawnTimeout).
	Timeout time.Duration
}

// DefaultSpawnTimeout bounds a worker's init handshake unless the Host
// or SpawnOptions override it.
const DefaultSpawnTimeout = 500 * time.Millisecond

// Kind classifies how a Host operation failed.
type Kind string

const (
	KindSpawnTimeout    Kind = "spawn_timeout"
	KindSpawnInitFailed Kind = "spawn_init_failed"
	KindRPCTimeout      Kind = "rpc_timeout"
	KindRPCPeerDown     Kind = "rpc_peer_down"
	KindRPCNotAWorker   Kind = "rpc_not_a_worker"
	KindExitBeforeReply Kind = "exit_before_reply"
)

// Error is the uniform error shape Host operations return.
type Error struct {
	Kind   Kind
	Detail error
}

func (e *Error) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("worker: %s: %v", e.Kind, e.Detail)
	}
	return fmt.Sprintf("worker: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Detail }

func newError(kind Kind, detail error) *Error { return &Error{Kind: kind, Detail: detail} }

var errNoSuchWorker = errors.New("no such worker")

type envelopeKind int

const (
	envUser envelopeKind = iota
	envSysTrace
	envSysIdentity
	envSysStop
)

type envelope struct {
	kind   envelopeKind
	msg    any
	reply  chan any
	result chan any // used for sys requests
	reason error    // used by envSysStop
}

type liveWorker struct {
	handle   Handle
	mailbox  chan envelope
	done     chan struct{}
	module   Module
	mu       sync.Mutex
	fn       StateFn
	state    any
	identity Identity
	tracing  bool
	exitErr  error
}

// Host spawns workers, dispatches their messages, and routes RPCs/casts.
// All mutation of the worker table is serialized by mu; each worker's own
// state is exclusively owned by its goroutine.
type Host struct {
	mu             sync.RWMutex
	workers        map[Handle]*liveWorker
	onDebug        func(format string, args ...any)
	defaultTimeout time.Duration
}

// NewHost creates an empty Worker Host.
func NewHost() *Host {
	return &Host{workers: make(map[Handle]*liveWorker)}
}

// SetDefaultSpawnTimeout overrides the handshake bound applied when
// SpawnOptions.Timeout is zero. A non-positive d restores
// DefaultSpawnTimeout.
func (h *Host) SetDefaultSpawnTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defaultTimeout = d
}

// OnDebug installs a sink for debug traces (e.g. discarded cast replies).
// Defaults to discarding them.
func (h *Host) OnDebug(fn func(format string, args ...any)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDebug = fn
}

func (h *Host) debugf(format string, args ...any) {
	h.mu.RLock()
	fn := h.onDebug
	h.mu.RUnlock()
	if fn != nil {
		fn(format, args...)
	}
}

// Spawn starts module with args, blocking until CreateInitialState
// completes or opts.Timeout (default DefaultSpawnTimeout) elapses. On
// timeout the nascent worker is abandoned and Spawn returns a
// spawn_timeout Error; on a returned error from CreateInitialState, Spawn
// returns spawn_init_failed wrapping it. Neither failure mode leaves an
// entry in the Host's worker table.
func (h *Host) Spawn(ctx context.Context, module Module, args any, opts SpawnOptions) (Handle, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		h.mu.RLock()
		timeout = h.defaultTimeout
		h.mu.RUnlock()
	}
	if timeout <= 0 {
		timeout = DefaultSpawnTimeout
	}

	handle := newHandle()
	type initResult struct {
		fn    StateFn
		state any
		err   error
	}
	initCh := make(chan initResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				initCh <- initResult{err: fmt.Errorf("panic during init: %v", r)}
			}
		}()
		fn, state, err := module.CreateInitialState(args)
		initCh <- initResult{fn: fn, state: state, err: err}
	}()

	select {
	case res := <-initCh:
		if res.err != nil {
			return Handle{}, newError(KindSpawnInitFailed, res.err)
		}
		w := &liveWorker{
			handle:  handle,
			mailbox: make(chan envelope, 16),
			done:    make(chan struct{}),
			module:  module,
			fn:      res.fn,
			state:   res.state,
			identity: Identity{
				ModuleType: fmt.Sprintf("%T", module),
				CurrentFn:  "init",
				StartArgs:  args,
			},
		}

		h.mu.Lock()
		h.workers[handle] = w
		h.mu.Unlock()

		if starter, ok := module.(Starter); ok {
			h.safeCall(func() { starter.Started(w.state) })
		}

		go h.run(w, opts)
		return handle, nil

	case <-time.After(timeout):
		return Handle{}, newError(KindSpawnTimeout, nil)
	case <-ctx.Done():
		return Handle{}, newError(KindSpawnTimeout, ctx.Err())
	}
}

func (h *Host) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.debugf("worker: recovered panic in lifecycle hook: %v", r)
		}
	}()
	fn()
}

// run is the per-worker state-function dispatch loop.
func (h *Host) run(w *liveWorker, opts SpawnOptions) {
	var exitReason error

	defer func() {
		if r := recover(); r != nil {
			exitReason = fmt.Errorf("runtime_error: %v", r)
		}
		w.mu.Lock()
		w.exitErr = exitReason
		w.mu.Unlock()

		if stopper, ok := w.module.(Stopper); ok {
			h.safeCall(func() { stopper.Stopped(w.state, exitReason) })
		}

		// The worker table entry is kept after death (until Forget is
		// called) so that RPC/Identity lookups against a just-dead handle
		// still resolve the entry and report rpc_peer_down rather than
		// rpc_not_a_worker.
		close(w.done)

		if opts.Link && opts.OnLinkBroken != nil {
			opts.OnLinkBroken(exitReason)
		}
	}()

	for {
		env := <-w.mailbox
		switch env.kind {
		case envSysStop:
			exitReason = env.reason
			return
		case envSysTrace:
			w.mu.Lock()
			w.tracing = !w.tracing
			w.mu.Unlock()
			if env.result != nil {
				env.result <- w.tracing
			}
			continue
		case envSysIdentity:
			w.mu.Lock()
			id := w.identity
			w.mu.Unlock()
			if env.result != nil {
				env.result <- id
			}
			continue
		}

		replied := false
		var replyMu sync.Mutex
		reply := ReplyFunc(func(v any) {
			replyMu.Lock()
			defer replyMu.Unlock()
			if replied {
				return
			}
			replied = true
			if env.reply != nil {
				env.reply <- v
			} else {
				h.debugf("worker: reply to cast discarded: %+v", v)
			}
		})

		result := h.invoke(w, reply, env.msg)

		switch result.Kind {
		case Transition:
			w.mu.Lock()
			w.fn = result.NextFn
			w.state = result.State
			w.identity.CurrentFn = fmt.Sprintf("%p", result.NextFn)
			w.mu.Unlock()
		case NoChange:
		case Exit:
			exitReason = result.Reason
			// Record the reason before releasing any blocked RPC caller,
			// so exit_before_reply carries it.
			w.mu.Lock()
			w.exitErr = exitReason
			w.mu.Unlock()
			if env.reply != nil && !replied {
				close(env.reply)
			}
			return
		}
	}
}

func (h *Host) invoke(w *liveWorker, reply ReplyFunc, msg any) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Quit(fmt.Errorf("runtime_error: %v", r))
		}
	}()

	w.mu.Lock()
	fn := w.fn
	state := w.state
	w.mu.Unlock()

	return fn(reply, msg, state)
}

// RPC sends msg to handle and blocks until the worker replies, dies, or
// timeout elapses (zero timeout means wait forever). The three failure
// modes are distinguished by Error.Kind: rpc_not_a_worker, timeout (via
// DeadlineExceeded-flavored rpc_timeout), or exit_before_reply (surfaced
// as rpc_peer_down carrying the worker's exit reason).
func (h *Host) RPC(ctx context.Context, handle Handle, msg any, timeout time.Duration) (any, error) {
	h.mu.RLock()
	w, ok := h.workers[handle]
	h.mu.RUnlock()
	if !ok {
		return nil, newError(KindRPCNotAWorker, errNoSuchWorker)
	}

	replyCh := make(chan any, 1)
	env := envelope{kind: envUser, msg: msg, reply: replyCh}

	select {
	case w.mailbox <- env:
	case <-w.done:
		return nil, newError(KindRPCPeerDown, w.exitErrOrDefault())
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case v, open := <-replyCh:
		if !open {
			return nil, newError(KindExitBeforeReply, w.exitErrOrDefault())
		}
		return v, nil
	case <-w.done:
		return nil, newError(KindRPCPeerDown, w.exitErrOrDefault())
	case <-timeoutCh:
		return nil, newError(KindRPCTimeout, nil)
	case <-ctx.Done():
		return nil, newError(KindRPCTimeout, ctx.Err())
	}
}

func (w *liveWorker) exitErrOrDefault() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exitErr != nil {
		return w.exitErr
	}
	return errors.New("worker exited")
}

// Cast sends msg without waiting for a reply. The worker's state function
// still receives a reply continuation; any invocation of it is silently
// discarded (logged via OnDebug).
func (h *Host) Cast(handle Handle, msg any) error {
	h.mu.RLock()
	w, ok := h.workers[handle]
	h.mu.RUnlock()
	if !ok {
		return newError(KindRPCNotAWorker, errNoSuchWorker)
	}

	env := envelope{kind: envUser, msg: msg, reply: nil}
	select {
	case w.mailbox <- env:
		return nil
	case <-w.done:
		return newError(KindRPCPeerDown, w.exitErrOrDefault())
	}
}

// Identity returns the inspectable {module, current_fn, start_args}
// record for handle.
func (h *Host) Identity(ctx context.Context, handle Handle) (Identity, error) {
	h.mu.RLock()
	w, ok := h.workers[handle]
	h.mu.RUnlock()
	if !ok {
		return Identity{}, newError(KindRPCNotAWorker, errNoSuchWorker)
	}

	result := make(chan any, 1)
	env := envelope{kind: envSysIdentity, result: result}
	select {
	case w.mailbox <- env:
	case <-w.done:
		return Identity{}, newError(KindRPCPeerDown, w.exitErrOrDefault())
	}

	select {
	case v := <-result:
		return v.(Identity), nil
	case <-w.done:
		return Identity{}, newError(KindRPCPeerDown, w.exitErrOrDefault())
	case <-ctx.Done():
		return Identity{}, newError(KindRPCTimeout, ctx.Err())
	}
}

// ToggleTrace flips the worker's debug tracing flag and reports its new
// value. Like Identity, it is handled as a system message and never
// reaches the user callback.
func (h *Host) ToggleTrace(ctx context.Context, handle Handle) (bool, error) {
	h.mu.RLock()
	w, ok := h.workers[handle]
	h.mu.RUnlock()
	if !ok {
		return false, newError(KindRPCNotAWorker, errNoSuchWorker)
	}

	result := make(chan any, 1)
	env := envelope{kind: envSysTrace, result: result}
	select {
	case w.mailbox <- env:
	case <-w.done:
		return false, newError(KindRPCPeerDown, w.exitErrOrDefault())
	}

	select {
	case v := <-result:
		return v.(bool), nil
	case <-w.done:
		return false, newError(KindRPCPeerDown, w.exitErrOrDefault())
	case <-ctx.Done():
		return false, newError(KindRPCTimeout, ctx.Err())
	}
}

// Stop requests that handle terminate gracefully with reason, by sending
// a system stop message ahead of anything still queued behind it. This is
// how the Injector drives teardown on item revocation — not an in-band
// user message, but not a channel close either, since the mailbox has
// multiple writers (RPC/Cast callers) for whom only the reading
// goroutine may ever close it.
func (h *Host) Stop(handle Handle, reason error) error {
	h.mu.RLock()
	w, ok := h.workers[handle]
	h.mu.RUnlock()
	if !ok {
		return newError(KindRPCNotAWorker, errNoSuchWorker)
	}

	select {
	case w.mailbox <- envelope{kind: envSysStop, reason: reason}:
	case <-w.done:
		return nil
	}

	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// Alive reports whether handle still has a live entry in the host's
// worker table.
func (h *Host) Alive(handle Handle) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.workers[handle]
	return ok
}

// Done returns a channel closed when handle's worker terminates, or nil
// if handle is unknown.
func (h *Host) Done(handle Handle) <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.workers[handle]
	if !ok {
		return nil
	}
	return w.done
}

// ExitReason reports the reason handle's worker terminated with, and
// whether it has terminated at all. A live or unknown handle reports
// (nil, false).
func (h *Host) ExitReason(handle Handle) (error, bool) {
	h.mu.RLock()
	w, ok := h.workers[handle]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	select {
	case <-w.done:
	default:
		return nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr, true
}

// Forget purges handle's table entry once its caller has fully processed
// the termination (e.g. after cascading teardown completes). Safe to
// call on a live or already-forgotten handle; both are no-ops.
func (h *Host) Forget(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.workers, handle)
}
