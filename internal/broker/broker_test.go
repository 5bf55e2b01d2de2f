package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// acker records acknowledgements in place of a server channel.
type acker struct {
	mu    sync.Mutex
	acked []uint64
	nack  int
}

func (a *acker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acker) Nack(uint64, bool, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nack++
	return nil
}

func (a *acker) Reject(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nack++
	return nil
}

func (a *acker) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func delivery(a *acker, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: a, DeliveryTag: tag, Body: []byte(body)}
}

func TestConsumeAcksSuccessAndFailure(t *testing.T) {
	a := &acker{}
	ch := make(chan amqp.Delivery, 3)
	ch <- delivery(a, 1, "ok")
	ch <- delivery(a, 2, "fail")
	ch <- delivery(a, 3, "ok")
	close(ch)

	var (
		mu     sync.Mutex
		bodies []string
	)
	handler := func(_ context.Context, body []byte) error {
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		if string(body) == "fail" {
			return errors.New("render failed")
		}
		return nil
	}

	err := consume(context.Background(), ch, handler, testLogger())
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("consume = %v, want ErrChannelClosed", err)
	}
	if n := a.count(); n != 3 {
		t.Errorf("acked = %d, want 3", n)
	}
	if a.nack != 0 {
		t.Errorf("nacked = %d, want 0", a.nack)
	}
	if len(bodies) != 3 {
		t.Errorf("handled %d messages, want 3", len(bodies))
	}
}

func TestConsumeHandlesConcurrently(t *testing.T) {
	a := &acker{}
	ch := make(chan amqp.Delivery, 2)
	ch <- delivery(a, 1, "a")
	ch <- delivery(a, 2, "b")

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	handler := func(context.Context, []byte) error {
		started <- struct{}{}
		<-release
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consume(ctx, ch, handler, testLogger()) }()

	for range 2 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("second message was not handled while the first was in flight")
		}
	}

	cancel()
	select {
	case <-done:
		t.Fatal("consume returned before in-flight handlers finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("consume = %v, want nil after cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consume did not return")
	}
	if n := a.count(); n != 2 {
		t.Errorf("acked = %d, want 2", n)
	}
}
