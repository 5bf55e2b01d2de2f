package engine

import (
	"time"

	"github.com/seantiz/kiln/internal/eventbus"
)

// Render events published on the engine bus. The payload is an Event.
const (
	EventRenderStarted  = "render.started"
	EventRenderFinished = "render.finished"
)

// subscriberBufferSize is the channel buffer for each feed subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event describes a render state change.
type Event struct {
	// Name is the bus event the render was published under. Feed fills it.
	Name       string    `json:"event"`
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Target     string    `json:"target"`
	Status     string    `json:"status"`
	ImagePath  string    `json:"image_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int       `json:"duration_ms,omitempty"`
	At         time.Time `json:"at"`
}

// Feed turns bus events into per-subscriber channels for streaming.
type Feed struct {
	bus *eventbus.Bus
}

// NewFeed creates a feed over bus.
func NewFeed(bus *eventbus.Bus) *Feed {
	return &Feed{bus: bus}
}

// Subscribe returns a channel receiving every render event published from
// now on, and a function that stops delivery. Events are dropped for a
// subscriber whose buffer is full so publishers never block. The channel is
// never closed.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)
	forward := func(name string) eventbus.Listener {
		return func(payload any) {
			ev, ok := payload.(Event)
			if !ok {
				return
			}
			ev.Name = name
			select {
			case ch <- ev:
			default:
			}
		}
	}

	unsubStarted := f.bus.Subscribe(EventRenderStarted, forward(EventRenderStarted))
	unsubFinished := f.bus.Subscribe(EventRenderFinished, forward(EventRenderFinished))
	return ch, func() {
		unsubStarted()
		unsubFinished()
	}
}
