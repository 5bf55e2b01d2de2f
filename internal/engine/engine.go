package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/kiln/internal/eventbus"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/stats"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/target"
)

// DefaultRenderTimeout bounds how long a job waits for its render when no
// timeout is configured.
const DefaultRenderTimeout = 60 * time.Second

// Renderer renders a page and captures it.
type Renderer interface {
	Render(ctx context.Context, params model.RenderParams) (model.RenderResult, error)
}

// Uploader stores an image and returns its public path.
type Uploader interface {
	Upload(ctx context.Context, image []byte) (string, error)
}

// Options tunes an Engine. The zero value is usable.
type Options struct {
	RenderTimeout time.Duration
	// InjectCSS is added to every page before it is captured.
	InjectCSS string
	// Limiter throttles job intake. Nil means unlimited.
	Limiter *rate.Limiter
	// Sink receives one event per finished render. Nil discards.
	Sink stats.Sink
}

// Engine handles render jobs.
type Engine struct {
	store    store.Store
	registry *target.Registry
	renderer Renderer
	uploader Uploader
	logger   *slog.Logger

	timeout   time.Duration
	injectCSS string
	limiter   *rate.Limiter
	sink      stats.Sink

	bus     *eventbus.Bus
	feed    *Feed
	latency *latencyTracker

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewEngine creates an engine.
func NewEngine(s store.Store, reg *target.Registry, r Renderer, u Uploader, logger *slog.Logger, opts Options) *Engine {
	timeout := opts.RenderTimeout
	if timeout <= 0 {
		timeout = DefaultRenderTimeout
	}
	sink := opts.Sink
	if sink == nil {
		sink = stats.NopSink{}
	}

	bus := eventbus.New()
	return &Engine{
		store:     s,
		registry:  reg,
		renderer:  r,
		uploader:  u,
		logger:    logger,
		timeout:   timeout,
		injectCSS: opts.InjectCSS,
		limiter:   opts.Limiter,
		sink:      sink,
		bus:       bus,
		feed:      NewFeed(bus),
		latency:   newLatencyTracker(latencyWindow),
	}
}

// Bus returns the bus render events are published on.
func (e *Engine) Bus() *eventbus.Bus {
	return e.bus
}

// Feed returns a channel view of the engine's render events.
func (e *Engine) Feed() *Feed {
	return e.feed
}

// InFlight returns the number of jobs currently being handled.
func (e *Engine) InFlight() int64 {
	return e.inFlight.Load()
}

// Wait blocks until every in-flight Handle call has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Submit validates body like Handle would and, if it is renderable, handles
// it in the background. It returns ErrMalformedJob, ErrUnknownKind or
// ErrInvalidPayload for jobs Handle would drop.
func (e *Engine) Submit(body []byte) error {
	job, err := model.DecodeJob(body)
	if err != nil {
		return err
	}
	if _, err := e.registry.Params(job); err != nil {
		return err
	}

	e.wg.Go(func() {
		e.Handle(context.Background(), body)
	})
	return nil
}

// Handle processes one broker message body. Messages that can never succeed
// (bad JSON, unknown kind, missing fields) are logged and dropped with a nil
// error. Render and upload failures are recorded and returned.
func (e *Engine) Handle(ctx context.Context, body []byte) error {
	e.wg.Add(1)
	defer e.wg.Done()

	e.inFlight.Add(1)
	inFlight.Inc()
	defer func() {
		e.inFlight.Add(-1)
		inFlight.Dec()
	}()

	job, err := model.DecodeJob(body)
	if err != nil {
		e.drop(reasonMalformed, err, "body", string(body))
		return nil
	}

	params, err := e.registry.Params(job)
	if err != nil {
		reason := reasonInvalid
		if errors.Is(err, target.ErrUnknownKind) {
			reason = reasonUnknownKind
		}
		e.drop(reason, err, "kind", job.Kind)
		return nil
	}
	params.InjectCSS = e.injectCSS

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for intake slot: %w", err)
		}
	}

	r := &model.Render{
		ID:        model.NewID(),
		Kind:      job.Kind,
		Target:    params.URL,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRender(ctx, r); err != nil {
		return fmt.Errorf("create render: %w", err)
	}

	return e.execute(ctx, r, params)
}

// execute runs a stored render through pending -> running -> completed/failed.
func (e *Engine) execute(ctx context.Context, r *model.Render, params model.RenderParams) error {
	if err := e.store.UpdateRenderStatus(ctx, r.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "render_id", r.ID, "error", err)
		return e.finishFailed(ctx, r, nil, fmt.Errorf("start render: %w", err))
	}

	start := time.Now().UTC()
	e.bus.Publish(EventRenderStarted, Event{
		ID:     r.ID,
		Kind:   r.Kind,
		Target: r.Target,
		Status: model.StatusRunning,
		At:     start,
	})

	renderCtx, cancel := context.WithTimeout(ctx, e.timeout)
	res, err := e.renderer.Render(renderCtx, params)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("render timed out after %s: %w", e.timeout, err)
		}
		return e.finishFailed(ctx, r, &start, err)
	}

	path, err := e.uploader.Upload(ctx, res.Image)
	if err != nil {
		return e.finishFailed(ctx, r, &start, err)
	}

	elapsed := time.Since(start)
	dur := int(elapsed.Milliseconds())
	now := time.Now().UTC()
	r.Status = model.StatusCompleted
	r.ImagePath = path
	r.HasHTML = res.HTML != ""
	r.DurationMS = &dur
	r.StartedAt = &start
	r.FinishedAt = &now

	if err := e.store.FinishRender(ctx, r); err != nil {
		e.logger.Error("failed to update completed render", "render_id", r.ID, "error", err)
	}

	median, average := e.latency.Observe(elapsed)
	e.logger.Info("render completed",
		"render_id", r.ID,
		"kind", r.Kind,
		"target", r.Target,
		"image_path", path,
		"duration_ms", dur,
		"median_ms", median.Milliseconds(),
		"average_ms", average.Milliseconds(),
		"in_flight", e.inFlight.Load(),
	)

	e.record(ctx, r, elapsed)
	return nil
}

// finishFailed marks r as failed with cause and returns cause. startedAt is
// nil if the render never started.
func (e *Engine) finishFailed(ctx context.Context, r *model.Render, startedAt *time.Time, cause error) error {
	now := time.Now().UTC()
	var elapsed time.Duration
	if startedAt != nil {
		elapsed = now.Sub(*startedAt)
	}
	dur := int(elapsed.Milliseconds())

	r.Status = model.StatusFailed
	r.Error = cause.Error()
	r.DurationMS = &dur
	r.StartedAt = startedAt
	r.FinishedAt = &now

	if err := e.store.FinishRender(ctx, r); err != nil {
		e.logger.Error("failed to update failed render", "render_id", r.ID, "error", err)
	}

	e.logger.Error("render failed", "render_id", r.ID, "kind", r.Kind, "target", r.Target, "error", cause)
	e.record(ctx, r, elapsed)
	return fmt.Errorf("render %s: %w", r.ID, cause)
}

// record reports a finished render to metrics, the stats sink and the bus.
func (e *Engine) record(ctx context.Context, r *model.Render, elapsed time.Duration) {
	rendersTotal.WithLabelValues(r.Kind, r.Status).Inc()
	renderDuration.WithLabelValues(r.Kind).Observe(elapsed.Seconds())

	ev := stats.Event{Kind: r.Kind, Status: r.Status, Duration: elapsed, At: *r.FinishedAt}
	if err := e.sink.Record(ctx, ev); err != nil {
		e.logger.Warn("failed to record render stats", "render_id", r.ID, "error", err)
	}

	e.bus.Publish(EventRenderFinished, Event{
		ID:         r.ID,
		Kind:       r.Kind,
		Target:     r.Target,
		Status:     r.Status,
		ImagePath:  r.ImagePath,
		Error:      r.Error,
		DurationMS: *r.DurationMS,
		At:         *r.FinishedAt,
	})
}

func (e *Engine) drop(reason string, err error, args ...any) {
	jobsDropped.WithLabelValues(reason).Inc()
	e.logger.Warn("dropping job", append([]any{"reason", reason, "error", err}, args...)...)
}
