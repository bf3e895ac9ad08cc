// Package injector implements a dynamic dependency-injection and
// lifecycle-coordination engine for long-lived in-process workers. A
// population of workers is kept alive matching the currently available
// set of keyed Items: factories declare which item keys they require,
// and the Engine starts a worker for every satisfying combination of
// live Items, tearing it down again when any of its inputs is revoked.
package injector

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/meshkit/injector/health"
	"github.com/meshkit/injector/lifecycle"
	"github.com/meshkit/injector/monitor"
	"github.com/meshkit/injector/worker"
)

var (
	errEngineNotRunning = errors.New("injector: engine is not running")
	errNilFactory       = errors.New("injector: factory must not be nil")
	errNilItem          = errors.New("injector: item must not be nil")
	errItemWithdrawn    = errors.New("injector: item already withdrawn")
	errEngineStopping   = errors.New("injector: engine stopping")
)

// engineCmd is one unit of work for the Engine's event loop. done, when
// non-nil, is closed after run returns so synchronous callers can block
// on completion.
type engineCmd struct {
	run  func()
	done chan struct{}
}

// Engine is the top-level coordinator: it owns the Factory
// Registry, Item Table and Active Set, runs the Matcher, and reacts to
// liveness events by revoking items and cascading teardown. All state
// mutation funnels through a single event-loop goroutine, so matching,
// spawning and teardown each observe a consistent snapshot — there are
// no suspension points between two received events.
//
// A panic inside the event loop is deliberately not recovered: losing
// the loop means losing the engine's invariants, so it takes the
// process down instead of limping on.
type Engine struct {
	cfg    *config
	logger Logger

	host       *worker.Host
	hub        *monitor.Hub
	factories  *FactoryRegistry
	items      *ItemTable
	active     *ActiveSet
	matcher    *Matcher
	dispatcher *lifecycle.Dispatcher
	checks     *health.Aggregator

	cmds    chan engineCmd
	quit    chan struct{}
	stopped chan struct{}

	// regGen numbers factory registrations; only the event loop touches
	// it. See Factory.gen.
	regGen uint64

	running  atomic.Bool
	stopOnce sync.Once
}

// NewEngine assembles an Engine from opts. The Engine is inert until
// Start is called.
func NewEngine(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	active, err := newActiveSet()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		logger:     cfg.logger,
		host:       worker.NewHost(),
		hub:        monitor.NewHub(),
		factories:  newFactoryRegistry(),
		items:      newItemTable(),
		active:     active,
		matcher:    newMatcher(),
		dispatcher: lifecycle.NewDispatcher(cfg.eventSink),
		checks:     health.NewAggregator(),
		cmds:       make(chan engineCmd, 64),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	e.host.SetDefaultSpawnTimeout(cfg.spawnTimeout)
	e.host.OnDebug(func(format string, args ...any) {
		e.logger.Debug(fmt.Sprintf(format, args...))
	})
	e.dispatcher.OnSinkError(func(event lifecycle.Event, err error) {
		e.logger.Warn("event sink delivery failed", "event", string(event.Type), "error", err)
	})
	for _, observer := range cfg.observers {
		e.dispatcher.RegisterObserver(observer)
	}
	e.registerHealthChecks()

	return e, nil
}

// Start launches the Engine's event loop. Calling Start on a running or
// stopped Engine is an error.
func (e *Engine) Start() error {
	select {
	case <-e.quit:
		return errEngineNotRunning
	default:
	}
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("injector: engine already started")
	}
	go e.loop()
	e.logger.Info("engine started")
	return nil
}

// Stop drains the Engine: every active worker is stopped concurrently
// (failures to stop them, and ctx expiring first, are aggregated into
// the returned error), child_stopping/child_stopped
// events are emitted for each, and the event loop is shut down. ctx
// bounds how long Stop waits for workers to finish their teardown.
func (e *Engine) Stop(ctx context.Context) error {
	var stopErr error
	e.stopOnce.Do(func() {
		var entries []*activeEntry
		if err := e.do(func() {
			entries = e.active.All()
			for _, entry := range entries {
				e.emit(lifecycle.EventChildStopping, map[string]any{
					"factory": entry.FactoryID,
					"worker":  entry.Handle.String(),
					"reason":  errEngineStopping.Error(),
				})
				e.active.Remove(entry.FactoryID, entry.Gen, entry.Tuple)
			}
		}); err != nil {
			stopErr = err
			return
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, entry := range entries {
			wg.Add(1)
			go func(en *activeEntry) {
				defer wg.Done()
				if err := e.host.Stop(en.Handle, errEngineStopping); err != nil {
					mu.Lock()
					stopErr = multierr.Append(stopErr, err)
					mu.Unlock()
				}
			}(entry)
		}
		waited := make(chan struct{})
		go func() {
			wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			stopErr = multierr.Append(stopErr, ctx.Err())
		}

		_ = e.do(func() {
			for _, entry := range entries {
				e.emit(lifecycle.EventChildStopped, map[string]any{
					"factory": entry.FactoryID,
					"worker":  entry.Handle.String(),
					"reason":  errEngineStopping.Error(),
				})
			}
		})

		e.running.Store(false)
		close(e.quit)
		<-e.stopped
		for _, entry := range entries {
			e.host.Forget(entry.Handle)
		}
		e.dispatcher.Stop()
		e.logger.Info("engine stopped")
	})
	return stopErr
}

// Running reports whether the event loop is accepting commands.
func (e *Engine) Running() bool { return e.running.Load() }

func (e *Engine) loop() {
	defer close(e.stopped)
	for {
		select {
		case cmd := <-e.cmds:
			e.runCmd(cmd)
		case <-e.quit:
			// Drain commands already queued, then exit.
			for {
				select {
				case cmd := <-e.cmds:
					e.runCmd(cmd)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) runCmd(cmd engineCmd) {
	if cmd.done != nil {
		defer close(cmd.done)
	}
	cmd.run()
}

// do enqueues fn onto the event loop and blocks until it has run.
func (e *Engine) do(fn func()) error {
	if !e.running.Load() {
		return errEngineNotRunning
	}
	done := make(chan struct{})
	select {
	case e.cmds <- engineCmd{run: fn, done: done}:
	case <-e.quit:
		return errEngineNotRunning
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		// The loop may still have run fn while draining.
		select {
		case <-done:
			return nil
		default:
			return errEngineNotRunning
		}
	}
}

// enqueue is the fire-and-forget variant of do, used by monitor
// forwarders. Events arriving after shutdown are dropped.
func (e *Engine) enqueue(fn func()) {
	select {
	case e.cmds <- engineCmd{run: fn}:
	case <-e.quit:
	}
}

// AddFactory registers f and immediately matches it against the current
// Item Table. A duplicate id is rejected with already_added; a missing
// start recipe with invalid_factory. A factory with no requirements is
// instantiated exactly once, right here.
func (e *Engine) AddFactory(f *Factory) error {
	if f == nil {
		return newEngineError(ErrInvalidFactory, errNilFactory)
	}
	if err := f.validate(); err != nil {
		return newEngineError(ErrInvalidFactory, err)
	}

	var result error
	if err := e.do(func() {
		if err := e.factories.Add(f); err != nil {
			result = err
			return
		}
		e.regGen++
		f.gen = e.regGen
		e.logger.Info("factory added", "factory", f.ID, "requires", f.Requires)
		e.emit(lifecycle.EventFactoryAdded, map[string]any{
			"factory":  f.ID,
			"requires": append([]string(nil), f.Requires...),
		})
		e.match(f)
	}); err != nil {
		return err
	}
	return result
}

// RemoveFactory deregisters the factory with the given id. Workers it
// already produced keep running until their inputs are revoked; only
// future matching stops.
func (e *Engine) RemoveFactory(id string) error {
	var result error
	if err := e.do(func() {
		if err := e.factories.Remove(id); err != nil {
			result = err
			return
		}
		e.matcher.forgetFactory(id)
		e.logger.Info("factory removed", "factory", id)
		e.emit(lifecycle.EventFactoryRemoved, map[string]any{"factory": id})
	}); err != nil {
		return err
	}
	return result
}

// NewItem constructs an Item monitored by this Engine without pushing
// it. Callers use this when the Item handle must exist before the push
// (e.g. to install their own monitor first).
func (e *Engine) NewItem(key string, value any) *Item {
	return newItem(e.hub, key, value, nil)
}

// Push inserts item into the Item Table and re-matches every factory
// depending on its key. Pushing the same Item twice is a no-op; pushing
// a withdrawn Item is rejected.
func (e *Engine) Push(item *Item) error {
	if item == nil {
		return newEngineError(ErrNotFound, errNilItem)
	}
	var result error
	if err := e.do(func() { result = e.handlePush(item) }); err != nil {
		return err
	}
	return result
}

// PushValue creates a fresh Item for (key, value), owned by the caller,
// and pushes it. This is the push(key, value) convenience from the
// public contract.
func (e *Engine) PushValue(key string, value any) (*Item, error) {
	item := newItem(e.hub, key, value, nil)
	if err := e.Push(item); err != nil {
		return nil, err
	}
	return item, nil
}

// PushFrom pushes a new (key, value) Item on behalf of the worker
// identified by from, recording it as the Item's owner: if the worker
// dies, the Item is revoked with the worker's exit reason. A push whose
// (key, value) matches one of the worker's own start arguments is
// rejected with self_dependency_rejected — such a push would let the
// worker re-satisfy its own factory and loop forever.
func (e *Engine) PushFrom(from worker.Handle, key string, value any) (*Item, error) {
	var item *Item
	var result error
	if err := e.do(func() {
		if entry, ok := e.active.EntryByWorker(from); ok {
			for _, dep := range entry.Tuple {
				if dep.Key() == key && reflect.DeepEqual(dep.Value(), value) {
					result = newEngineError(ErrSelfDependencyRejected,
						fmt.Errorf("worker %s re-pushed its own start argument %s", from, key))
					return
				}
			}
		}
		item = newItem(e.hub, key, value, from)
		result = e.handlePush(item)
	}); err != nil {
		return nil, err
	}
	if result != nil {
		return nil, result
	}
	return item, nil
}

// Withdraw revokes item with reason and synchronously processes the
// cascade: by the time Withdraw returns, no active entry contains the
// item. Withdrawing an unknown or already-withdrawn item is a no-op.
func (e *Engine) Withdraw(item *Item, reason error) error {
	if item == nil {
		return newEngineError(ErrNotFound, errNilItem)
	}
	item.Withdraw(reason)
	return e.do(func() { e.handleItemDown(item, reason) })
}

func (e *Engine) handlePush(item *Item) error {
	if item.IsDead() {
		return newEngineError(ErrNotFound, errItemWithdrawn)
	}
	if !e.items.Insert(item) {
		return nil
	}
	e.watchItem(item)
	e.logger.Info("item pushed", "key", item.Key(), "value", item.Value())
	e.emit(lifecycle.EventItemPushed, map[string]any{
		"key":   item.Key(),
		"value": item.Value(),
	})
	for _, f := range e.factories.DependingOn(item.Key()) {
		e.match(f)
	}
	return nil
}

// handleItemDown removes a revoked item and tears down every active
// entry whose tuple contains it, with the revocation reason. Revocation
// never starts new workers; other factories are untouched. The handler
// is idempotent — the same death can reach the loop both through the
// monitor forwarder and through a synchronous Withdraw call.
func (e *Engine) handleItemDown(item *Item, reason error) {
	if !e.items.Remove(item) {
		return
	}
	e.logger.Info("item revoked", "key", item.Key(), "value", item.Value(), "reason", reasonString(reason))
	e.emit(lifecycle.EventItemRevoked, map[string]any{
		"key":    item.Key(),
		"value":  item.Value(),
		"reason": reasonString(reason),
	})
	for _, entry := range e.active.EntriesInvolving(item) {
		e.stopEntry(entry, reason)
	}
}

// stopEntry drops entry from the Active Set and requests asynchronous
// worker termination. child_stopped marks removal from the Active Set;
// the later worker-down notification finds no entry and is ignored.
func (e *Engine) stopEntry(entry *activeEntry, reason error) {
	e.logger.Info("child stopping", "factory", entry.FactoryID, "worker", entry.Handle.String(), "reason", reasonString(reason))
	e.emit(lifecycle.EventChildStopping, map[string]any{
		"factory": entry.FactoryID,
		"worker":  entry.Handle.String(),
		"reason":  reasonString(reason),
	})
	e.active.Remove(entry.FactoryID, entry.Gen, entry.Tuple)

	handle := entry.Handle
	go func() { _ = e.host.Stop(handle, reason) }()

	e.emit(lifecycle.EventChildStopped, map[string]any{
		"factory": entry.FactoryID,
		"worker":  entry.Handle.String(),
		"reason":  reasonString(reason),
	})
}

// handleWorkerDown reacts to a worker dying on its own: items it owned
// are revoked (cascading), and its active entry — if the cascade has
// not already dropped it — is removed. The worker is not restarted;
// re-matching only happens on push/add events.
func (e *Engine) handleWorkerDown(handle worker.Handle, reason error) {
	for _, item := range e.items.All() {
		if owner, ok := item.Owner().(worker.Handle); ok && owner == handle {
			item.Withdraw(reason)
			e.handleItemDown(item, reason)
		}
	}

	entry, ok := e.active.EntryByWorker(handle)
	if !ok {
		e.logger.Debug("worker down without active entry; ignored", "worker", handle.String())
		return
	}
	e.active.Remove(entry.FactoryID, entry.Gen, entry.Tuple)
	e.logger.Warn("child died", "factory", entry.FactoryID, "worker", handle.String(), "reason", reasonString(reason))
	e.emit(lifecycle.EventChildStopped, map[string]any{
		"factory": entry.FactoryID,
		"worker":  handle.String(),
		"reason":  reasonString(reason),
	})
}

// match reconciles f against the Item Table, spawning a worker for
// every satisfying tuple not already active, in enumeration order.
func (e *Engine) match(f *Factory) {
	for _, tuple := range e.matcher.Diff(f, e.items, e.active) {
		e.spawnFor(f, tuple)
	}
}

func (e *Engine) spawnFor(f *Factory, tuple ArgumentTuple) {
	deps := tuple.dependencies(f.Requires)
	payload := depsPayload(deps)

	e.logger.Info("child starting", "factory", f.ID, "deps", payload)
	e.emit(lifecycle.EventChildStarting, map[string]any{
		"factory": f.ID,
		"deps":    payload,
	})

	timeout := e.cfg.spawnTimeout
	if timeout <= 0 {
		timeout = worker.DefaultSpawnTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	handle, err := f.Start(ctx, e.host, f.ExtraArgs, deps)
	cancel()

	if err == nil && handle.IsZero() {
		err = newEngineError(ErrInvalidFactory, fmt.Errorf("factory %q returned no worker handle", f.ID))
	}
	if err != nil {
		ee := asSpawnError(err)
		// The tuple is not retried and not entered into the Active Set; a
		// later push touching its keys recomputes matching and re-attempts.
		e.logger.Warn("child failed to start", "factory", f.ID, "error", ee)
		e.emit(lifecycle.EventChildStopped, map[string]any{
			"factory": f.ID,
			"deps":    payload,
			"reason":  ee.Error(),
			"kind":    string(ee.Kind),
		})
		return
	}

	tok := e.watchWorker(handle)
	e.active.Put(f.ID, f.gen, tuple, handle, tok)
	e.logger.Info("child started", "factory", f.ID, "worker", handle.String())
	e.emit(lifecycle.EventChildStarted, map[string]any{
		"factory": f.ID,
		"deps":    payload,
		"worker":  handle.String(),
	})
}

// watchItem forwards item's death notice into the event loop.
func (e *Engine) watchItem(item *Item) {
	_, ch := item.Monitor()
	go func() {
		select {
		case n := <-ch:
			e.enqueue(func() { e.handleItemDown(item, n.Reason) })
		case <-e.quit:
		}
	}()
}

// watchWorker installs a uniform hub watch on handle, fired from the
// Host's done channel, and forwards the notice into the event loop.
func (e *Engine) watchWorker(handle worker.Handle) monitor.Token {
	tok, ch := e.hub.Watch(handle)
	done := e.host.Done(handle)
	go func() {
		select {
		case <-done:
			reason, _ := e.host.ExitReason(handle)
			e.hub.Fire(handle, reason)
		case <-e.quit:
		}
	}()
	go func() {
		select {
		case n := <-ch:
			e.enqueue(func() { e.handleWorkerDown(handle, n.Reason) })
		case <-e.quit:
		}
	}()
	return tok
}

// Spawn starts a standalone worker on the Engine's Worker Host, outside
// any factory's bookkeeping.
func (e *Engine) Spawn(ctx context.Context, module worker.Module, args any) (worker.Handle, error) {
	handle, err := e.host.Spawn(ctx, module, args, worker.SpawnOptions{})
	if err != nil {
		return worker.Handle{}, asSpawnError(err)
	}
	return handle, nil
}

// RPC sends msg to handle and waits for its reply. A zero timeout falls
// back to the Engine's configured default (forever unless overridden).
// Failures are logged to the event stream as rpc_failed.
func (e *Engine) RPC(ctx context.Context, handle worker.Handle, msg any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = e.cfg.rpcTimeout
	}
	reply, err := e.host.RPC(ctx, handle, msg, timeout)
	if err != nil {
		ee := asRPCError(err)
		e.logger.Warn("rpc failed", "worker", handle.String(), "kind", string(ee.Kind), "error", ee)
		e.enqueue(func() {
			e.emit(lifecycle.EventRPCFailed, map[string]any{
				"worker": handle.String(),
				"kind":   string(ee.Kind),
				"reason": ee.Error(),
			})
		})
		return nil, ee
	}
	return reply, nil
}

// Cast sends msg to handle without waiting for a reply.
func (e *Engine) Cast(handle worker.Handle, msg any) error {
	if err := e.host.Cast(handle, msg); err != nil {
		return asRPCError(err)
	}
	return nil
}

// Identity returns the inspectable identity record for handle.
func (e *Engine) Identity(ctx context.Context, handle worker.Handle) (worker.Identity, error) {
	id, err := e.host.Identity(ctx, handle)
	if err != nil {
		return worker.Identity{}, asRPCError(err)
	}
	return id, nil
}

// Host exposes the underlying Worker Host for callers needing the full
// spawn-option surface.
func (e *Engine) Host() *worker.Host { return e.host }

// RegisterObserver subscribes observer to the Engine's event stream.
func (e *Engine) RegisterObserver(observer lifecycle.Observer) {
	e.dispatcher.RegisterObserver(observer)
}

// UnregisterObserver removes a previously registered observer by id.
func (e *Engine) UnregisterObserver(id string) {
	e.dispatcher.UnregisterObserver(id)
}

// Events returns up to n of the most recently emitted events, oldest
// first; non-positive n returns the full log.
func (e *Engine) Events(n int) []lifecycle.Event {
	return e.dispatcher.Tail(n)
}

// Health returns the Engine's health aggregator. The Engine registers
// checks for its own event loop and worker population; applications can
// register more.
func (e *Engine) Health() *health.Aggregator { return e.checks }

func (e *Engine) registerHealthChecks() {
	e.checks.Register(health.CheckerFunc{
		CheckName: "injector_loop",
		Fn: func(ctx context.Context) health.Result {
			if e.running.Load() {
				return health.Result{Status: health.StatusHealthy, Message: "event loop running"}
			}
			return health.Result{Status: health.StatusCritical, Message: "event loop not running"}
		},
	})
	e.checks.Register(health.CheckerFunc{
		CheckName: "workers",
		Fn: func(ctx context.Context) health.Result {
			entries := e.active.All()
			dead := 0
			for _, entry := range entries {
				if _, exited := e.host.ExitReason(entry.Handle); exited {
					dead++
				}
			}
			res := health.Result{
				Status: health.StatusHealthy,
				Details: map[string]any{
					"active": len(entries),
					"dead":   dead,
				},
			}
			if dead > 0 {
				res.Status = health.StatusWarning
				res.Message = "active entries reference exited workers"
			}
			return res
		},
	})
}

// ActiveView is one Active Set entry as reported by Snapshot.
type ActiveView struct {
	FactoryID string           `json:"factory"`
	Deps      []map[string]any `json:"deps"`
	Worker    string           `json:"worker"`
}

// Snapshot is a read-only, consistent view of the Engine's state, taken
// between two event-loop commands.
type Snapshot struct {
	Factories []string         `json:"factories"`
	Items     map[string][]any `json:"items"`
	Active    []ActiveView     `json:"active"`
}

// Snapshot captures the current Factory Registry, Item Table and Active
// Set contents under the event loop's serialization.
func (e *Engine) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := e.do(func() {
		for _, f := range e.factories.All() {
			snap.Factories = append(snap.Factories, f.ID)
		}
		snap.Items = make(map[string][]any)
		for _, item := range e.items.All() {
			snap.Items[item.Key()] = append(snap.Items[item.Key()], item.Value())
		}
		for _, entry := range e.active.All() {
			requires := entry.Tuple.keysOrEmpty(e.factories, entry.FactoryID)
			snap.Active = append(snap.Active, ActiveView{
				FactoryID: entry.FactoryID,
				Deps:      depsPayload(entry.Tuple.dependencies(requires)),
				Worker:    entry.Handle.String(),
			})
		}
	})
	return snap, err
}

// keysOrEmpty resolves the declared requirement keys for factoryID, or
// falls back to the items' own keys when the factory is gone (removed
// factories leave their workers running).
func (t ArgumentTuple) keysOrEmpty(reg *FactoryRegistry, factoryID string) []string {
	if f, err := reg.Lookup(factoryID); err == nil {
		return f.Requires
	}
	keys := make([]string, len(t))
	for i, item := range t {
		keys[i] = item.Key()
	}
	return keys
}

func depsPayload(deps []Dependency) []map[string]any {
	out := make([]map[string]any, len(deps))
	for i, d := range deps {
		out[i] = map[string]any{"key": d.Key, "value": d.Item.Value()}
	}
	return out
}

func (e *Engine) emit(t lifecycle.EventType, payload map[string]any) {
	if err := e.dispatcher.Dispatch(context.Background(), lifecycle.NewEvent(t, payload)); err != nil {
		e.logger.Debug("event dropped", "event", string(t), "error", err)
	}
}

func reasonString(reason error) string {
	if reason == nil {
		return "normal"
	}
	return reason.Error()
}

// asSpawnError maps a Worker Host failure to the Engine taxonomy,
// defaulting unclassified errors to spawn_init_failed.
func asSpawnError(err error) *EngineError {
	if ee := classifyWorkerError(err); ee != nil {
		return ee
	}
	return newEngineError(ErrSpawnInitFailed, err)
}

// asRPCError maps a Worker Host failure to the Engine taxonomy,
// defaulting unclassified errors to rpc_peer_down.
func asRPCError(err error) *EngineError {
	if ee := classifyWorkerError(err); ee != nil {
		return ee
	}
	return newEngineError(ErrRPCPeerDown, err)
}

func classifyWorkerError(err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	var we *worker.Error
	if !errors.As(err, &we) {
		return nil
	}
	switch we.Kind {
	case worker.KindSpawnTimeout:
		return newEngineError(ErrSpawnTimeout, we)
	case worker.KindSpawnInitFailed:
		return newEngineError(ErrSpawnInitFailed, we)
	case worker.KindRPCTimeout:
		return newEngineError(ErrRPCTimeout, we)
	case worker.KindRPCPeerDown, worker.KindExitBeforeReply:
		return newEngineError(ErrRPCPeerDown, we)
	case worker.KindRPCNotAWorker:
		return newEngineError(ErrRPCNotAWorker, we)
	}
	return nil
}
