package subscription

import (
	"context"
	"sync"

	"github.com/banshee-data/posesync/internal/frames"
)

// Future is the pending result of a subscribe. Every caller that subscribed
// to the same id while the request was in flight shares one Future.
type Future struct {
	done   chan struct{}
	once   sync.Once
	entity *frames.Entity
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(e *frames.Entity, err error) *Future {
	f := newFuture()
	f.settle(e, err)
	return f
}

// settle completes the future; later calls are ignored.
func (f *Future) settle(e *frames.Entity, err error) {
	f.once.Do(func() {
		f.entity, f.err = e, err
		close(f.done)
	})
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (*frames.Entity, error) {
	select {
	case <-f.done:
		return f.entity, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled value. ok is false while still pending.
func (f *Future) Result() (e *frames.Entity, err error, ok bool) {
	select {
	case <-f.done:
		return f.entity, f.err, true
	default:
		return nil, nil, false
	}
}
