package injector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/meshkit/injector/lifecycle"
	"github.com/meshkit/injector/worker"
)

// Static error variables for BDD assertions.
var (
	errNoEngine           = errors.New("no engine was started in the background steps")
	errUnknownItem        = errors.New("no such item was pushed in this scenario")
	errNoWorkerStarted    = errors.New("no worker handle was captured in this scenario")
	errWorkerStillRunning = errors.New("worker never terminated after cascade")
)

type bddContext struct {
	engine     *Engine
	items      map[string]*Item
	lastHandle worker.Handle
}

func (c *bddContext) reset() {
	if c.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.engine.Stop(ctx)
		cancel()
	}
	c.engine = nil
	c.items = make(map[string]*Item)
	c.lastHandle = worker.Handle{}
}

func (c *bddContext) startEngine(opts ...Option) error {
	e, err := NewEngine(opts...)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}
	c.engine = e
	return nil
}

func (c *bddContext) aRunningEngine() error {
	return c.startEngine()
}

func (c *bddContext) aRunningEngineWithAShortSpawnTimeout() error {
	return c.startEngine(WithSpawnTimeout(50 * time.Millisecond))
}

func (c *bddContext) echoFactoryWith(id string, requires ...string) *Factory {
	return &Factory{
		ID:       id,
		Requires: requires,
		Start: func(ctx context.Context, host *worker.Host, extra any, deps []Dependency) (worker.Handle, error) {
			h, err := host.Spawn(ctx, &echoModule{}, nil, worker.SpawnOptions{})
			if err == nil {
				c.lastHandle = h
			}
			return h, err
		},
	}
}

func (c *bddContext) aRegisteredEchoFactoryRequiring(id, key string) error {
	if c.engine == nil {
		return errNoEngine
	}
	return c.engine.AddFactory(c.echoFactoryWith(id, key))
}

func (c *bddContext) aRegisteredEchoFactoryRequiringTwo(id, key1, key2 string) error {
	if c.engine == nil {
		return errNoEngine
	}
	return c.engine.AddFactory(c.echoFactoryWith(id, key1, key2))
}

func (c *bddContext) aRegisteredEchoFactoryRequiringNothing(id string) error {
	if c.engine == nil {
		return errNoEngine
	}
	return c.engine.AddFactory(c.echoFactoryWith(id))
}

func (c *bddContext) aRegisteredStallingFactoryRequiring(id, key string) error {
	if c.engine == nil {
		return errNoEngine
	}
	return c.engine.AddFactory(&Factory{
		ID:       id,
		Requires: []string{key},
		Start: func(ctx context.Context, host *worker.Host, extra any, deps []Dependency) (worker.Handle, error) {
			return host.Spawn(ctx, &slowInitModule{}, nil, worker.SpawnOptions{})
		},
	})
}

func (c *bddContext) iPushWithValue(key, value string) error {
	if c.engine == nil {
		return errNoEngine
	}
	item, err := c.engine.PushValue(key, value)
	if err != nil {
		return err
	}
	c.items[key+"="+value] = item
	return nil
}

func (c *bddContext) iWithdrawTheItemWithValue(key, value string) error {
	item, ok := c.items[key+"="+value]
	if !ok {
		return errUnknownItem
	}
	return c.engine.Withdraw(item, fmt.Errorf("withdrawn by scenario: %s=%s", key, value))
}

func (c *bddContext) iRemoveTheFactory(id string) error {
	return c.engine.RemoveFactory(id)
}

func (c *bddContext) childrenForFactoryShouldBeActive(count int, id string) error {
	snap, err := c.engine.Snapshot()
	if err != nil {
		return err
	}
	got := 0
	for _, entry := range snap.Active {
		if entry.FactoryID == id {
			got++
		}
	}
	if got != count {
		return fmt.Errorf("expected %d active children for %q, found %d", count, id, got)
	}
	return nil
}

func (c *bddContext) noChildrenShouldBeActive() error {
	snap, err := c.engine.Snapshot()
	if err != nil {
		return err
	}
	if len(snap.Active) != 0 {
		return fmt.Errorf("expected empty active set, found %d entries", len(snap.Active))
	}
	return nil
}

func (c *bddContext) theEventLogShouldBe(expected string) error {
	var got []string
	for _, ev := range c.engine.Events(0) {
		got = append(got, string(ev.Type))
	}
	if joined := strings.Join(got, ","); joined != expected {
		return fmt.Errorf("event log mismatch: expected %q, got %q", expected, joined)
	}
	return nil
}

func (c *bddContext) childStoppedEventsShouldHaveBeenEmitted(count int) error {
	got := 0
	for _, ev := range c.engine.Events(0) {
		if ev.Type == lifecycle.EventChildStopped {
			got++
		}
	}
	if got != count {
		return fmt.Errorf("expected %d child_stopped events, found %d", count, got)
	}
	return nil
}

func (c *bddContext) aChildStoppedEventWithKindShouldHaveBeenEmitted(kind string) error {
	for _, ev := range c.engine.Events(0) {
		if ev.Type == lifecycle.EventChildStopped && ev.Payload["kind"] == kind {
			return nil
		}
	}
	return fmt.Errorf("no child_stopped event with kind %q found", kind)
}

func (c *bddContext) anRPCToTheLastStartedWorkerShouldFailWithKind(kind string) error {
	if c.lastHandle.IsZero() {
		return errNoWorkerStarted
	}
	done := c.engine.Host().Done(c.lastHandle)
	if done == nil {
		return errNoWorkerStarted
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return errWorkerStillRunning
	}

	_, err := c.engine.RPC(context.Background(), c.lastHandle, "ping", time.Second)
	if err == nil {
		return fmt.Errorf("expected RPC failure of kind %q, got a reply", kind)
	}
	if !IsKind(err, ErrorKind(kind)) {
		return fmt.Errorf("expected RPC failure of kind %q, got %v", kind, err)
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	testCtx := &bddContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		testCtx.reset()
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		testCtx.reset()
		return ctx, nil
	})

	ctx.Step(`^a running engine$`, testCtx.aRunningEngine)
	ctx.Step(`^a running engine with a short spawn timeout$`, testCtx.aRunningEngineWithAShortSpawnTimeout)
	ctx.Step(`^a registered echo factory "([^"]*)" requiring "([^"]*)"$`, testCtx.aRegisteredEchoFactoryRequiring)
	ctx.Step(`^a registered echo factory "([^"]*)" requiring "([^"]*)" and "([^"]*)"$`, testCtx.aRegisteredEchoFactoryRequiringTwo)
	ctx.Step(`^a registered echo factory "([^"]*)" requiring nothing$`, testCtx.aRegisteredEchoFactoryRequiringNothing)
	ctx.Step(`^a registered stalling factory "([^"]*)" requiring "([^"]*)"$`, testCtx.aRegisteredStallingFactoryRequiring)
	ctx.Step(`^I push "([^"]*)" with value "([^"]*)"$`, testCtx.iPushWithValue)
	ctx.Step(`^I withdraw the item "([^"]*)" with value "([^"]*)"$`, testCtx.iWithdrawTheItemWithValue)
	ctx.Step(`^I remove the factory "([^"]*)"$`, testCtx.iRemoveTheFactory)
	ctx.Step(`^(\d+) children for factory "([^"]*)" should be active$`, testCtx.childrenForFactoryShouldBeActive)
	ctx.Step(`^no children should be active$`, testCtx.noChildrenShouldBeActive)
	ctx.Step(`^the event log should be "([^"]*)"$`, testCtx.theEventLogShouldBe)
	ctx.Step(`^(\d+) child_stopped events should have been emitted$`, testCtx.childStoppedEventsShouldHaveBeenEmitted)
	ctx.Step(`^a child_stopped event with kind "([^"]*)" should have been emitted$`, testCtx.aChildStoppedEventWithKindShouldHaveBeenEmitted)
	ctx.Step(`^an RPC to the last started worker should fail with kind "([^"]*)"$`, testCtx.anRPCToTheLastStartedWorkerShouldFailWithKind)
}

// TestEngineScenarios runs the BDD suite over features/injector.feature.
func TestEngineScenarios(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/injector.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
