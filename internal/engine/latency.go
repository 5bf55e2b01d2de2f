package engine

import (
	"slices"
	"sync"
	"time"
)

// latencyWindow is how many recent renders the median and average cover.
const latencyWindow = 1000

// latencyTracker keeps a ring of recent render durations.
type latencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyTracker(size int) *latencyTracker {
	return &latencyTracker{samples: make([]time.Duration, size)}
}

// Observe adds d and returns the median and mean of the window.
func (l *latencyTracker) Observe(d time.Duration) (median, average time.Duration) {
	l.mu.Lock()
	l.samples[l.next] = d
	l.next++
	if l.next == len(l.samples) {
		l.next = 0
		l.full = true
	}
	n := l.next
	if l.full {
		n = len(l.samples)
	}
	window := slices.Clone(l.samples[:n])
	l.mu.Unlock()

	slices.Sort(window)
	if n%2 == 1 {
		median = window[n/2]
	} else {
		median = (window[n/2-1] + window[n/2]) / 2
	}

	var sum time.Duration
	for _, s := range window {
		sum += s
	}
	return median, sum / time.Duration(n)
}
