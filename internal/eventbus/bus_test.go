package eventbus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/eventbus"
)

// waitFor waits for f to settle, failing the test after timeout.
func waitFor(t *testing.T, f *eventbus.Future[any], timeout time.Duration) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("future did not settle within %v", timeout)
	}
	return v, err
}

func TestSubscribeReceivesEveryPublish(t *testing.T) {
	b := eventbus.New()
	var got []any
	unsub := b.Subscribe("e", func(p any) { got = append(got, p) })
	defer unsub()

	b.Publish("e", 1)
	b.Publish("e", 2)
	b.Publish("other", 3)

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("got %v, want [1 2]", got)
	}
}

func TestSubscribeMultipleListeners(t *testing.T) {
	b := eventbus.New()
	var a, c int
	b.Subscribe("e", func(any) { a++ })
	b.Subscribe("e", func(any) { c++ })

	b.Publish("e", nil)

	if a != 1 || c != 1 {
		t.Errorf("listener calls = %d, %d, want 1, 1", a, c)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := eventbus.New()
	calls := 0
	unsub := b.Subscribe("e", func(any) { calls++ })

	b.Publish("e", nil)
	unsub()
	b.Publish("e", nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if n := b.Listeners("e"); n != 0 {
		t.Errorf("Listeners = %d, want 0", n)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := eventbus.New()
	calls := 0
	unsub := b.Subscribe("e", func(any) { calls++ })
	keep := b.Subscribe("e", func(any) { calls += 10 })
	defer keep()

	unsub()
	unsub()

	b.Publish("e", nil)
	if calls != 10 {
		t.Errorf("calls = %d, want 10 (only the remaining listener)", calls)
	}
}

func TestPublishWithoutListenersIsNoop(t *testing.T) {
	b := eventbus.New()
	b.Publish("nobody", "payload")
}

func TestSubscribeOnceFiresOnce(t *testing.T) {
	b := eventbus.New()
	calls := 0
	b.SubscribeOnce("e", func(any) { calls++ })

	b.Publish("e", nil)
	b.Publish("e", nil)
	b.Publish("e", nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if n := b.Listeners("e"); n != 0 {
		t.Errorf("Listeners = %d, want 0", n)
	}
}

func TestSubscribeOnceUnsubscribeBeforeFire(t *testing.T) {
	b := eventbus.New()
	calls := 0
	unsub := b.SubscribeOnce("e", func(any) { calls++ })

	unsub()
	b.Publish("e", nil)

	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestSubscribeOnceUnsubscribeAfterFireIsNoop(t *testing.T) {
	b := eventbus.New()
	unsub := b.SubscribeOnce("e", func(any) {})
	b.Publish("e", nil)

	unsub()
	unsub()
}

func TestSubscribeOnceConcurrentPublish(t *testing.T) {
	b := eventbus.New()
	var calls atomic.Int32
	b.SubscribeOnce("e", func(any) { calls.Add(1) })

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() { b.Publish("e", nil) })
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestPublishSnapshotExcludesNewListeners(t *testing.T) {
	b := eventbus.New()
	late := 0
	b.Subscribe("e", func(any) {
		b.Subscribe("e", func(any) { late++ })
	})

	b.Publish("e", nil)
	if late != 0 {
		t.Errorf("listener added during publish was invoked %d times", late)
	}

	b.Publish("e", nil)
	if late != 1 {
		t.Errorf("late = %d, want 1 after second publish", late)
	}
}

func TestPublishSkipsListenerRemovedMidPublish(t *testing.T) {
	b := eventbus.New()
	var second eventbus.Unsubscribe
	calls := 0
	b.Subscribe("e", func(any) { second() })
	second = b.Subscribe("e", func(any) { calls++ })

	b.Publish("e", nil)
	if calls != 0 {
		t.Errorf("removed listener invoked %d times", calls)
	}
}

func TestEmitter(t *testing.T) {
	b := eventbus.New()
	var got any
	b.Subscribe("e", func(p any) { got = p })

	emit := b.Emitter("e")
	emit("hello")

	if got != "hello" {
		t.Errorf("got %v, want hello", got)
	}
}

func TestAwaitResolvesWithPayload(t *testing.T) {
	b := eventbus.New()
	f := b.Await("e")
	if f.Settled() {
		t.Fatal("future settled before publish")
	}

	b.Publish("e", "payload")

	v, err := waitFor(t, f, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != "payload" {
		t.Errorf("v = %v, want payload", v)
	}
}

func TestAwaitCancelledWaitLeavesFuturePending(t *testing.T) {
	b := eventbus.New()
	f := b.Await("e")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v, want DeadlineExceeded", err)
	}

	b.Publish("e", 7)
	v, err := waitFor(t, f, time.Second)
	if err != nil || v != 7 {
		t.Errorf("Wait = %v, %v, want 7, nil", v, err)
	}
}

func TestAwaitTimeoutRejects(t *testing.T) {
	b := eventbus.New()
	f := b.AwaitTimeout("e", 50*time.Millisecond)

	_, err := waitFor(t, f, time.Second)
	if !errors.Is(err, eventbus.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if n := b.Listeners("e"); n != 0 {
		t.Errorf("Listeners = %d after timeout, want 0", n)
	}

	// A late publish must not change the outcome.
	b.Publish("e", "late")
	if _, err := waitFor(t, f, time.Second); !errors.Is(err, eventbus.ErrTimeout) {
		t.Errorf("err after late publish = %v, want ErrTimeout", err)
	}
}

func TestAwaitTimeoutResolvesBeforeDeadline(t *testing.T) {
	b := eventbus.New()
	f := b.AwaitTimeout("e", 50*time.Millisecond)

	time.AfterFunc(25*time.Millisecond, func() { b.Publish("e", "ok") })

	v, err := waitFor(t, f, time.Second)
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if v != "ok" {
		t.Errorf("v = %v, want ok", v)
	}
}

func TestAwaitTimeoutEventStopsTimer(t *testing.T) {
	b := eventbus.New()
	f := b.AwaitTimeout("e", 20*time.Millisecond)
	b.Publish("e", 1)

	time.Sleep(40 * time.Millisecond)
	v, err := waitFor(t, f, time.Second)
	if err != nil || v != 1 {
		t.Errorf("Wait = %v, %v, want 1, nil", v, err)
	}
}

func TestAwaitEitherSuccess(t *testing.T) {
	b := eventbus.New()
	f := b.AwaitEither("ok", "fail")

	b.Publish("ok", "value")
	b.Publish("fail", errors.New("too late"))

	v, err := waitFor(t, f, time.Second)
	if err != nil || v != "value" {
		t.Errorf("Wait = %v, %v, want value, nil", v, err)
	}
	if b.Listeners("ok") != 0 || b.Listeners("fail") != 0 {
		t.Error("subscriptions left behind after settle")
	}
}

func TestAwaitEitherFailure(t *testing.T) {
	b := eventbus.New()
	f := b.AwaitEither("ok", "fail")

	boom := errors.New("boom")
	b.Publish("fail", boom)
	b.Publish("ok", "ignored")

	_, err := waitFor(t, f, time.Second)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if b.Listeners("ok") != 0 {
		t.Error("success subscription left behind after failure")
	}
}

func TestAwaitEitherNonErrorFailurePayload(t *testing.T) {
	b := eventbus.New()
	f := b.AwaitEither("ok", "fail")

	b.Publish("fail", 42)

	_, err := waitFor(t, f, time.Second)
	var pe *eventbus.PayloadError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PayloadError", err)
	}
	if pe.Event != "fail" || pe.Payload != 42 {
		t.Errorf("PayloadError = %+v", pe)
	}
}

func TestClearLeavesAwaitPending(t *testing.T) {
	b := eventbus.New()
	f := b.Await("e")
	calls := 0
	b.Subscribe("e", func(any) { calls++ })

	b.Clear("e")
	b.Publish("e", nil)

	if calls != 0 {
		t.Errorf("calls = %d after Clear, want 0", calls)
	}
	if f.Settled() {
		t.Error("future settled after Clear")
	}
}

func TestDeferredFirstSettleWins(t *testing.T) {
	d := eventbus.NewDeferred[int]()
	if !d.Resolve(1) {
		t.Fatal("first Resolve lost")
	}
	if d.Resolve(2) {
		t.Error("second Resolve won")
	}
	if d.Reject(errors.New("x")) {
		t.Error("Reject after Resolve won")
	}

	v, err := d.Future().Wait(context.Background())
	if err != nil || v != 1 {
		t.Errorf("Wait = %v, %v, want 1, nil", v, err)
	}
}

func TestDeferredRejectNil(t *testing.T) {
	d := eventbus.NewDeferred[string]()
	d.Reject(nil)

	_, err := d.Future().Wait(context.Background())
	if !errors.Is(err, eventbus.ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
}
