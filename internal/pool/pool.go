package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln/internal/eventbus"
)

// Pool-internal bus events. Task outcomes use id-scoped events, see
// doneEvent and failedEvent.
const (
	eventReleased = "released"
	eventIdle     = "idle"
)

var (
	// ErrInvalidCapacity is returned by Initialize for a capacity below 1.
	ErrInvalidCapacity = errors.New("pool capacity must be at least 1")
	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("pool already initialized")
	// ErrNotInitialized rejects tasks submitted before Initialize completed.
	ErrNotInitialized = errors.New("pool not initialized")
	// ErrClosed rejects tasks submitted after Shutdown.
	ErrClosed = errors.New("pool closed")
	// ErrTaskPanicked is the failure of a task whose function panicked.
	ErrTaskPanicked = errors.New("task panicked")
)

// Factory creates one resource handle.
type Factory[R any] func(ctx context.Context) (R, error)

// Task is a unit of work run against a checked-out handle. The context is
// the pool's own and is only cancelled when Shutdown gives up waiting.
type Task[R any] func(ctx context.Context, handle R) (any, error)

type state int

const (
	stateNew state = iota
	stateInitializing
	stateReady
	stateClosed
)

type task[R any] struct {
	id       string
	fn       Task[R]
	enqueued time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity  int `json:"capacity"`
	Available int `json:"available"`
	Busy      int `json:"busy"`
	Queued    int `json:"queued"`
}

// Pool serializes access to a fixed set of interchangeable handles. Work that
// finds no free handle waits in a FIFO queue and is dispatched as handles are
// released.
//
// Available + Busy always equals Capacity once initialized; a handle is never
// given to two running tasks at the same time.
type Pool[R any] struct {
	bus    *eventbus.Bus
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    state
	capacity int
	free     []R
	queue    []*task[R]
	busy     int
}

// New creates an empty pool. Initialize must complete before Submit is used.
//
// Occupancy metrics are process-wide: a process running several pools sees
// the kiln_pool_* series of whichever pool changed last.
func New[R any](logger *slog.Logger) *Pool[R] {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[R]{
		bus:    eventbus.New(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	p.bus.Subscribe(eventReleased, func(any) { p.drain() })
	return p
}

// Initialize calls factory capacity times concurrently and makes the results
// available. The first factory error aborts initialization and is returned.
// If Shutdown runs before the factory calls finish, the handles are dropped
// and ErrClosed is returned.
func (p *Pool[R]) Initialize(ctx context.Context, factory Factory[R], capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}

	p.mu.Lock()
	if p.state != stateNew {
		p.mu.Unlock()
		return ErrAlreadyInitialized
	}
	p.state = stateInitializing
	p.mu.Unlock()

	p.logger.Debug("pool initializing", "capacity", capacity)

	handles := make([]R, capacity)
	g, gctx := errgroup.WithContext(ctx)
	for i := range capacity {
		g.Go(func() error {
			h, err := factory(gctx)
			if err != nil {
				return fmt.Errorf("create resource %d: %w", i, err)
			}
			handles[i] = h
			return nil
		})
	}

	err := g.Wait()

	p.mu.Lock()
	// Shutdown may have run while the factory was busy; closed wins.
	if p.state == stateClosed {
		p.mu.Unlock()
		p.logger.Info("pool closed during initialization, discarding handles", "capacity", capacity)
		return ErrClosed
	}
	if err != nil {
		p.state = stateNew
		p.mu.Unlock()
		return err
	}
	p.free = handles
	p.capacity = capacity
	p.state = stateReady
	p.observeLocked()
	p.mu.Unlock()

	p.logger.Info("pool initialized", "capacity", capacity)
	return nil
}

// Submit schedules fn against some free handle and returns a future settled
// with fn's result or error. Tasks that cannot start immediately are queued
// and dispatched in submission order.
func (p *Pool[R]) Submit(fn Task[R]) *eventbus.Future[any] {
	t := &task[R]{
		id:       ulid.Make().String(),
		fn:       fn,
		enqueued: time.Now(),
	}

	p.mu.Lock()
	switch p.state {
	case stateReady:
	case stateClosed:
		p.mu.Unlock()
		return eventbus.Rejected[any](ErrClosed)
	default:
		p.mu.Unlock()
		return eventbus.Rejected[any](ErrNotInitialized)
	}

	// Subscribe before dispatch so the outcome is never published unobserved.
	result := p.bus.AwaitEither(doneEvent(t.id), failedEvent(t.id))

	p.queue = append(p.queue, t)
	started := p.dispatchLocked()
	p.mu.Unlock()

	p.logger.Debug("task enqueued", "task_id", t.id)
	p.start(started)

	return result
}

// Stats returns the current pool occupancy.
func (p *Pool[R]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:  p.capacity,
		Available: len(p.free),
		Busy:      p.busy,
		Queued:    len(p.queue),
	}
}

// Shutdown stops accepting tasks and waits up to grace for running and
// queued tasks to finish. If grace elapses the task context is cancelled and
// an error wrapping eventbus.ErrTimeout is returned.
func (p *Pool[R]) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	p.state = stateClosed
	if p.busy == 0 && len(p.queue) == 0 {
		p.mu.Unlock()
		p.cancel()
		return nil
	}
	pending := p.busy + len(p.queue)
	idle := p.bus.AwaitTimeout(eventIdle, grace)
	p.mu.Unlock()

	p.logger.Info("pool draining", "pending", pending, "grace", grace.String())

	_, err := idle.Wait(context.Background())
	p.cancel()
	if err != nil {
		return fmt.Errorf("wait for %d pending tasks: %w", pending, err)
	}
	return nil
}

type dispatch[R any] struct {
	task   *task[R]
	handle R
}

// dispatchLocked pairs queued tasks with free handles, oldest task first.
func (p *Pool[R]) dispatchLocked() []dispatch[R] {
	var started []dispatch[R]
	for len(p.queue) > 0 && len(p.free) > 0 {
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]

		last := len(p.free) - 1
		h := p.free[last]
		var zero R
		p.free[last] = zero
		p.free = p.free[:last]

		p.busy++
		started = append(started, dispatch[R]{task: t, handle: h})
	}
	p.observeLocked()
	return started
}

func (p *Pool[R]) start(started []dispatch[R]) {
	for _, d := range started {
		go p.run(d.task, d.handle)
	}
}

// drain runs on every release notification.
func (p *Pool[R]) drain() {
	p.mu.Lock()
	started := p.dispatchLocked()
	p.mu.Unlock()

	p.start(started)
}

func (p *Pool[R]) run(t *task[R], handle R) {
	start := time.Now()
	queueWait.Observe(start.Sub(t.enqueued).Seconds())
	p.logger.Debug("task running", "task_id", t.id)

	value, err := p.invoke(t, handle)
	taskDuration.Observe(time.Since(start).Seconds())

	p.mu.Lock()
	p.free = append(p.free, handle)
	p.busy--
	p.observeLocked()
	p.mu.Unlock()

	if err != nil {
		tasksTotal.WithLabelValues(outcomeFailed).Inc()
		p.logger.Debug("task failed", "task_id", t.id, "error", err)
		p.bus.Publish(failedEvent(t.id), err)
	} else {
		tasksTotal.WithLabelValues(outcomeCompleted).Inc()
		p.logger.Debug("task completed", "task_id", t.id, "duration_ms", time.Since(start).Milliseconds())
		p.bus.Publish(doneEvent(t.id), value)
	}

	p.bus.Publish(eventReleased, nil)

	p.mu.Lock()
	idle := p.busy == 0 && len(p.queue) == 0
	p.mu.Unlock()
	if idle {
		p.bus.Publish(eventIdle, nil)
	}
}

// invoke runs the task function, turning a panic into ErrTaskPanicked so the
// handle is still returned.
func (p *Pool[R]) invoke(t *task[R], handle R) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return t.fn(p.ctx, handle)
}

func doneEvent(id string) string   { return "task:" + id + ":done" }
func failedEvent(id string) string { return "task:" + id + ":failed" }

// Process submits fn to p and waits for its result. ctx bounds only the
// waiting: if it ends first, fn keeps running to completion, its handle is
// returned to the pool and its result is discarded.
func Process[R, T any](ctx context.Context, p *Pool[R], fn func(ctx context.Context, handle R) (T, error)) (T, error) {
	result := p.Submit(func(ctx context.Context, handle R) (any, error) {
		return fn(ctx, handle)
	})

	var zero T
	v, err := result.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected task result type %T", v)
	}
	return out, nil
}
