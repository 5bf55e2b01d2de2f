package eventbus

import (
	"context"
	"errors"
	"sync"
)

// ErrRejected is the failure reported when a Deferred is rejected with a nil
// error.
var ErrRejected = errors.New("future rejected")

// Future is the read side of a value that is settled at most once.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// Deferred pairs a Future with the functions that settle it. Only the first
// call to Resolve or Reject takes effect.
type Deferred[T any] struct {
	f *Future[T]
}

// NewDeferred creates an unsettled Deferred.
func NewDeferred[T any]() Deferred[T] {
	return Deferred[T]{f: &Future[T]{done: make(chan struct{})}}
}

// Future returns the read side of d.
func (d Deferred[T]) Future() *Future[T] {
	return d.f
}

// Resolve settles the future with v. It reports whether this call won.
func (d Deferred[T]) Resolve(v T) bool {
	return d.f.settle(v, nil)
}

// Reject settles the future with err. It reports whether this call won.
func (d Deferred[T]) Reject(err error) bool {
	if err == nil {
		err = ErrRejected
	}
	var zero T
	return d.f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	won := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Done is closed once the future has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has settled.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done. Giving up on ctx does
// not settle the future; a later settlement is simply unobserved.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolved returns an already resolved future.
func Resolved[T any](v T) *Future[T] {
	d := NewDeferred[T]()
	d.Resolve(v)
	return d.Future()
}

// Rejected returns an already rejected future.
func Rejected[T any](err error) *Future[T] {
	d := NewDeferred[T]()
	d.Reject(err)
	return d.Future()
}
