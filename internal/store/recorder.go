package store

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/banshee-data/posesync/internal/frames"
	"github.com/banshee-data/posesync/internal/monitoring"
	"github.com/banshee-data/posesync/internal/wire"
)

// Recorder appends received entity states to the catalogue as sampled pose
// history. Record never blocks; updates that arrive while the queue is full
// are dropped.
type Recorder struct {
	store   *Store
	queue   chan *wire.StateUpdate
	skip    map[string]bool // entities stored with a non-sampled source
	dropped atomic.Uint64
	written atomic.Uint64
	logf    func(string, ...interface{})
}

// NewRecorder returns a Recorder writing to s. buffer below 1 means 64.
func NewRecorder(s *Store, buffer int) *Recorder {
	if buffer < 1 {
		buffer = 64
	}
	return &Recorder{
		store: s,
		queue: make(chan *wire.StateUpdate, buffer),
		skip:  make(map[string]bool),
		logf:  monitoring.Component("Recorder"),
	}
}

// Record queues u for writing.
func (r *Recorder) Record(u *wire.StateUpdate) {
	select {
	case r.queue <- u:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of updates discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns the number of samples stored.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Run writes queued updates until ctx ends, then writes what is still queued.
func (r *Recorder) Run(ctx context.Context) error {
	r.logf("Recorder started")
	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.logf("Recorder stopped: written=%d dropped=%d", r.Written(), r.Dropped())
			return nil
		case u := <-r.queue:
			r.write(u)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case u := <-r.queue:
			r.write(u)
		default:
			return
		}
	}
}

// write stores one sample per defined state. Entities new to the catalogue
// are saved as sampled; those already stored with another source are left
// alone.
func (r *Recorder) write(u *wire.StateUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids := make([]string, 0, len(u.States))
	for id, st := range u.States {
		if st != nil && !r.skip[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := u.States[id]
		sample := frames.PoseSample{Time: u.Time, Transform: st.Transform()}
		err := r.store.AppendSamples(ctx, id, []frames.PoseSample{sample})
		if errors.Is(err, frames.ErrUnknownEntity) {
			e := frames.NewEntity(id, st.ReferenceFrame, frames.NewSampledPose(sample))
			err = r.store.SaveEntity(ctx, e)
		}
		if errors.Is(err, errNotSampled) {
			r.skip[id] = true
			r.logf("not recording %s: %v", id, err)
			continue
		}
		if err != nil {
			r.logf("record %s: %v", id, err)
			continue
		}
		r.written.Add(1)
	}
}
