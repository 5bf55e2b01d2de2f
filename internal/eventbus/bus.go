package eventbus

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is the failure of a future returned by AwaitTimeout when the
// event was not published in time.
var ErrTimeout = errors.New("event wait timed out")

// Listener receives the payload of a published event.
type Listener func(payload any)

// Unsubscribe removes the listener it was returned for. Calling it more than
// once, or after a one-shot listener already fired, is a no-op.
type Unsubscribe func()

// PayloadError is the rejection of AwaitEither when the failure event carries
// a payload that is not an error.
type PayloadError struct {
	Event   string
	Payload any
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("event %q: %v", e.Event, e.Payload)
}

type subscription struct {
	listener Listener
	active   atomic.Bool
}

// Bus maps event names to listeners. It is safe for concurrent use.
//
// Publish invokes listeners synchronously and without holding the bus lock,
// so listeners may subscribe, unsubscribe and publish freely.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]*subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string][]*subscription),
	}
}

// Subscribe registers listener for event.
func (b *Bus) Subscribe(event string, listener Listener) Unsubscribe {
	sub := &subscription{listener: listener}
	b.add(event, sub)
	return func() { b.remove(event, sub) }
}

// SubscribeOnce registers listener for the next publish of event only. The
// registration is removed before listener runs.
func (b *Bus) SubscribeOnce(event string, listener Listener) Unsubscribe {
	sub := &subscription{}
	sub.listener = func(payload any) {
		// Whoever deactivates the subscription first owns it; a concurrent
		// publish or unsubscribe loses.
		if b.remove(event, sub) {
			listener(payload)
		}
	}
	b.add(event, sub)
	return func() { b.remove(event, sub) }
}

// Await returns a future resolved with the payload of the next publish of
// event. It never settles on its own if the event is not published.
func (b *Bus) Await(event string) *Future[any] {
	d := NewDeferred[any]()
	b.SubscribeOnce(event, func(payload any) { d.Resolve(payload) })
	return d.Future()
}

// AwaitTimeout is like Await, but the future is rejected with ErrTimeout if
// event is not published within timeout. The losing path is torn down.
func (b *Bus) AwaitTimeout(event string, timeout time.Duration) *Future[any] {
	d := NewDeferred[any]()
	var g teardown

	timer := time.AfterFunc(timeout, func() {
		g.run()
		d.Reject(ErrTimeout)
	})
	g.track(func() { timer.Stop() })
	g.track(b.SubscribeOnce(event, func(payload any) {
		g.run()
		d.Resolve(payload)
	}))

	return d.Future()
}

// AwaitEither returns a future resolved with the payload of success or
// rejected with the payload of failure, whichever is published first. An
// error payload is used as the rejection as is; any other payload is wrapped
// in a PayloadError.
func (b *Bus) AwaitEither(success, failure string) *Future[any] {
	d := NewDeferred[any]()
	var g teardown

	g.track(b.SubscribeOnce(success, func(payload any) {
		g.run()
		d.Resolve(payload)
	}))
	g.track(b.SubscribeOnce(failure, func(payload any) {
		g.run()
		if err, ok := payload.(error); ok && err != nil {
			d.Reject(err)
			return
		}
		d.Reject(&PayloadError{Event: failure, Payload: payload})
	}))

	return d.Future()
}

// Publish invokes every listener subscribed to event at the time of the call
// with payload, and returns after all of them have returned.
func (b *Bus) Publish(event string, payload any) {
	b.mu.Lock()
	snapshot := slices.Clone(b.topics[event])
	b.mu.Unlock()

	for _, sub := range snapshot {
		if sub.active.Load() {
			sub.listener(payload)
		}
	}
}

// Emitter returns a function that publishes its argument on event.
func (b *Bus) Emitter(event string) func(payload any) {
	return func(payload any) { b.Publish(event, payload) }
}

// Clear removes every listener of event. Futures waiting on event stay
// unsettled forever; bound them with AwaitTimeout or AwaitEither instead.
func (b *Bus) Clear(event string) {
	b.mu.Lock()
	subs := b.topics[event]
	delete(b.topics, event)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.active.Store(false)
	}
}

// Listeners returns the number of listeners currently subscribed to event.
func (b *Bus) Listeners(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[event])
}

func (b *Bus) add(event string, sub *subscription) {
	sub.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[event] = append(b.topics[event], sub)
}

// remove deactivates sub and drops it from the registry. It reports whether
// this call performed the deactivation.
func (b *Bus) remove(event string, sub *subscription) bool {
	if !sub.active.CompareAndSwap(true, false) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[event]
	if i := slices.Index(subs, sub); i >= 0 {
		subs = slices.Delete(subs, i, i+1)
	}
	if len(subs) == 0 {
		delete(b.topics, event)
	} else {
		b.topics[event] = subs
	}
	return true
}

// teardown collects cleanup functions that must run exactly once, including
// ones tracked after the teardown already ran.
type teardown struct {
	mu    sync.Mutex
	fns   []func()
	fired bool
}

func (t *teardown) track(fn func()) {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		fn()
		return
	}
	t.fns = append(t.fns, fn)
	t.mu.Unlock()
}

func (t *teardown) run() {
	t.mu.Lock()
	fns := t.fns
	t.fns = nil
	t.fired = true
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
