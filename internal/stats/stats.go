// Package stats records render outcomes to an external counter store.
package stats

import (
	"context"
	"time"
)

// Event is one finished render.
type Event struct {
	Kind     string
	Status   string
	Duration time.Duration
	At       time.Time
}

// Sink receives render events. Implementations must be safe for concurrent
// use; a failing sink never fails the render itself.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// NopSink discards every event.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Event) error { return nil }
