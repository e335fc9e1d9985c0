// Package clocks provides the time sources used by the engine. Production
// code uses SystemClock; tests use FrozenClock to drive periodic work
// deterministically.
package clocks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	Every(d time.Duration, fn func(*EveryContext), label string) *Ticker
}

type Ticker struct {
	cancel  context.CancelFunc
	trigger func()
}

func (t *Ticker) Stop() {
	t.cancel()
}

// Trigger runs the configured function now and pushes the next tick a full
// period out.
func (t *Ticker) Trigger() {
	t.trigger()
}

// EveryContext lets a periodic function ask for an early retry, for cases
// like a checkpoint tick arriving while the previous checkpoint is still in
// progress.
type EveryContext struct {
	retryIn time.Duration
}

func (tc *EveryContext) RetryIn(d time.Duration) {
	tc.retryIn = d
}

type SystemClock struct{}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

func (c *SystemClock) Every(d time.Duration, fn func(*EveryContext), _label string) *Ticker {
	ticker := time.NewTicker(d)
	ctx, cancel := context.WithCancel(context.Background())
	ec := &EveryContext{}

	// tick runs fn and then keeps re-running it at whatever interval fn asks
	// for, returning to the regular period once fn stops asking.
	tick := func() {
		ec.retryIn = 0
		fn(ec)

		retried := false
		for ec.retryIn > 0 {
			retried = true
			wait := time.NewTimer(ec.retryIn)
			select {
			case <-wait.C:
				ec.retryIn = 0
				fn(ec)
			case <-ctx.Done():
				wait.Stop()
				return
			}
		}
		if retried {
			ticker.Reset(d)
		}
	}

	go func() {
		for {
			select {
			case <-ticker.C:
				tick()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()

	return &Ticker{
		cancel: cancel,
		trigger: func() {
			tick()
			ticker.Reset(d)
		},
	}
}

var _ Clock = (*SystemClock)(nil)

// FrozenClock only moves when told to with Advance. Periodic functions
// registered with Every never fire on their own and are triggered by label
// with TickEvery.
type FrozenClock struct {
	now        time.Time
	everyFuncs map[string]func()
	mu         sync.Mutex
}

func NewFrozenClock() *FrozenClock {
	return &FrozenClock{
		now:        time.Unix(0, 0),
		everyFuncs: make(map[string]func()),
	}
}

func (c *FrozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FrozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FrozenClock) Every(d time.Duration, fn func(*EveryContext), label string) *Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	ec := &EveryContext{}
	run := func() { fn(ec) }
	c.everyFuncs[label] = run

	return &Ticker{
		cancel:  func() {},
		trigger: run,
	}
}

func (c *FrozenClock) TickEvery(label string) {
	c.mu.Lock()
	fn := c.everyFuncs[label]
	c.mu.Unlock()

	if fn == nil {
		panic(fmt.Sprintf("FrozenClock: no periodic func registered with label %q", label))
	}
	fn()
}

var _ Clock = (*FrozenClock)(nil)
