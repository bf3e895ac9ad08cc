package injector

import (
	"time"

	"github.com/meshkit/injector/lifecycle"
)

// config holds the Engine's construction-time settings, built up by
// Options. There is deliberately no file-based configuration layer (out
// of scope per §1) — embedding applications wire these in code.
type config struct {
	logger       Logger
	spawnTimeout time.Duration
	eventSink    lifecycle.Sink
	rpcTimeout   time.Duration
	observers    []lifecycle.Observer
}

func defaultConfig() *config {
	return &config{
		logger:       noopLogger{},
		spawnTimeout: 0, // worker.DefaultSpawnTimeout
		rpcTimeout:   0, // wait forever
	}
}

// Option configures a new Engine. The functional-options pattern keeps
// the zero-config path (NewEngine()) usable while letting callers
// override individual settings.
type Option func(*config)

// WithLogger installs a Logger. Defaults to a no-op logger.
func WithLogger(logger Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithSpawnTimeout overrides the Worker Host's bounded init handshake
// timeout (default 500ms).
func WithSpawnTimeout(d time.Duration) Option {
	return func(c *config) { c.spawnTimeout = d }
}

// WithRPCTimeout sets the default RPC timeout used when callers do not
// specify one. Zero (the default) means wait forever.
func WithRPCTimeout(d time.Duration) Option {
	return func(c *config) { c.rpcTimeout = d }
}

// WithEventSink installs an external lifecycle.Sink (e.g. a CloudEvents
// forwarder) that receives every event alongside in-process observers.
func WithEventSink(sink lifecycle.Sink) Option {
	return func(c *config) { c.eventSink = sink }
}

// WithEventObserver registers an in-process observer before the Engine
// emits its first event, so construction-time events are not missed.
func WithEventObserver(observer lifecycle.Observer) Option {
	return func(c *config) { c.observers = append(c.observers, observer) }
}
