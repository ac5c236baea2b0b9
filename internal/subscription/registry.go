// Package subscription keeps track of which entities this process wants
// kept live, requests them from the upstream session and applies the state
// it receives to the local reference frame graph.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/posesync/internal/events"
	"github.com/banshee-data/posesync/internal/frames"
	"github.com/banshee-data/posesync/internal/monitoring"
	"github.com/banshee-data/posesync/internal/pose"
	"github.com/banshee-data/posesync/internal/wire"
)

// Upstream carries subscribe and unsubscribe requests to the parent process.
type Upstream interface {
	// Subscribe blocks until the parent acknowledges or rejects the request.
	// The returned state is nil when the entity is currently unknown.
	Subscribe(ctx context.Context, id string, opts wire.Options) (*wire.EntityState, error)
	// Unsubscribe releases the entity. No reply is expected.
	Unsubscribe(ctx context.Context, id string) error
}

// Subscribed is raised when local demand for an entity starts.
type Subscribed struct {
	ID      string
	Options wire.Options
}

// Config configures a Registry.
type Config struct {
	// Upstream is nil for the root process, whose graph is authoritative.
	Upstream Upstream
	// Tolerance is passed to every resolver the registry creates.
	Tolerance pose.Tolerance
	// RequestTimeout bounds each upstream call. Zero means 10s.
	RequestTimeout time.Duration
	// DeferUpdates queues received state, pushed updates and acks alike,
	// until ApplyPending is called. Set it when a frame loop serves the
	// registry's graph so the graph only changes between frames.
	DeferUpdates bool
}

type poseKey struct {
	entityID string
	frame    string
}

// Registry is the consumer side of entity subscriptions.
type Registry struct {
	graph    *frames.Graph
	upstream Upstream
	tol      pose.Tolerance
	timeout  time.Duration
	deferred bool
	logf     func(string, ...interface{})

	inMu     sync.Mutex
	incoming []func()

	mu         sync.Mutex
	interest   map[string]int
	subscribed map[string]wire.Options
	inflight   map[string]*Future
	closed     bool

	poseMu sync.Mutex
	poses  map[poseKey]*pose.EntityPose

	// SubscribedEvent fires when an entity becomes locally subscribed.
	SubscribedEvent events.Event[Subscribed]
	// UnsubscribedEvent fires with the entity id when the last local interest goes away.
	UnsubscribedEvent events.Event[string]
	// AppliedEvent fires after a pushed update has been written to the graph.
	AppliedEvent events.Event[*wire.StateUpdate]
}

// NewRegistry returns a registry over graph.
func NewRegistry(graph *frames.Graph, cfg Config) *Registry {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Tolerance == (pose.Tolerance{}) {
		cfg.Tolerance = pose.DefaultTolerance
	}
	return &Registry{
		graph:      graph,
		upstream:   cfg.Upstream,
		tol:        cfg.Tolerance,
		timeout:    cfg.RequestTimeout,
		deferred:   cfg.DeferUpdates,
		logf:       monitoring.Component("Registry"),
		interest:   make(map[string]int),
		subscribed: make(map[string]wire.Options),
		inflight:   make(map[string]*Future),
		poses:      make(map[poseKey]*pose.EntityPose),
	}
}

// Graph returns the registry's entity collection.
func (r *Registry) Graph() *frames.Graph { return r.graph }

// Subscribe registers interest in id and waits for the entity. If ctx ends
// first, the interest taken by this call is released again.
func (r *Registry) Subscribe(ctx context.Context, id string, opts wire.Options) (*frames.Entity, error) {
	f := r.SubscribeAsync(id, opts)
	e, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if uerr := r.Unsubscribe(context.Background(), id); uerr != nil {
			r.logf("release %s after cancelled subscribe: %v", id, uerr)
		}
	}
	return e, err
}

// SubscribeAsync registers interest in id and returns without blocking.
// Calls for an id that is already subscribed settle immediately; calls made
// while a request for the id is in flight share that request.
func (r *Registry) SubscribeAsync(id string, opts wire.Options) *Future {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return resolvedFuture(nil, wire.ErrSessionClosed)
	}
	if _, ok := r.subscribed[id]; ok {
		r.interest[id]++
		r.mu.Unlock()
		return resolvedFuture(r.graph.GetOrCreate(id), nil)
	}
	if f, ok := r.inflight[id]; ok {
		r.interest[id]++
		r.mu.Unlock()
		return f
	}

	if r.upstream == nil {
		e, ok := r.graph.Get(id)
		if !ok {
			r.mu.Unlock()
			return resolvedFuture(nil, fmt.Errorf("subscribe %q: %w", id, frames.ErrUnknownEntity))
		}
		r.interest[id]++
		r.subscribed[id] = opts.Clone()
		r.mu.Unlock()
		r.SubscribedEvent.Raise(Subscribed{ID: id, Options: opts.Clone()})
		return resolvedFuture(e, nil)
	}

	f := newFuture()
	r.interest[id]++
	r.inflight[id] = f
	r.mu.Unlock()

	go r.request(id, opts.Clone(), f)
	return f
}

func (r *Registry) request(id string, opts wire.Options, f *Future) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	state, err := r.upstream.Subscribe(ctx, id, opts)
	cancel()

	if err != nil {
		r.mu.Lock()
		if r.inflight[id] != f {
			// Close already rejected it.
			r.mu.Unlock()
			return
		}
		delete(r.inflight, id)
		delete(r.interest, id)
		r.mu.Unlock()
		f.settle(nil, fmt.Errorf("subscribe %q: %w", id, err))
		return
	}
	r.receive(func() { r.complete(id, opts, f, state) })
}

// complete installs an acknowledged entity and settles its future.
func (r *Registry) complete(id string, opts wire.Options, f *Future, state *wire.EntityState) {
	r.mu.Lock()
	if r.inflight[id] != f {
		r.mu.Unlock()
		return
	}
	delete(r.inflight, id)
	e := r.graph.GetOrCreate(id)
	applyState(e, state)
	if r.interest[id] == 0 {
		// Every caller let go while the request was in flight.
		r.mu.Unlock()
		f.settle(e, nil)
		go r.release(id)
		return
	}
	r.subscribed[id] = opts
	r.mu.Unlock()

	r.SubscribedEvent.Raise(Subscribed{ID: id, Options: opts.Clone()})
	f.settle(e, nil)
}

// Unsubscribe drops one unit of interest in id. The upstream is only told
// once no local interest remains.
func (r *Registry) Unsubscribe(ctx context.Context, id string) error {
	if !r.drop(id) || r.upstream == nil {
		return nil
	}
	if err := r.upstream.Unsubscribe(ctx, id); err != nil {
		return fmt.Errorf("unsubscribe %q: %w", id, err)
	}
	return nil
}

// UnsubscribeAsync is Unsubscribe with the upstream message sent from a
// separate goroutine. The local bookkeeping is done before it returns.
func (r *Registry) UnsubscribeAsync(id string) {
	if r.drop(id) && r.upstream != nil {
		go r.release(id)
	}
}

// drop removes one unit of interest and reports whether the entity went from
// subscribed to unsubscribed, in which case UnsubscribedEvent has been raised.
func (r *Registry) drop(id string) bool {
	r.mu.Lock()
	n := r.interest[id]
	if n == 0 {
		r.mu.Unlock()
		return false
	}
	if n > 1 {
		r.interest[id] = n - 1
		r.mu.Unlock()
		return false
	}
	delete(r.interest, id)
	if _, pending := r.inflight[id]; pending {
		// request() releases it when the ack arrives.
		r.mu.Unlock()
		return false
	}
	_, was := r.subscribed[id]
	delete(r.subscribed, id)
	r.mu.Unlock()

	if was {
		r.UnsubscribedEvent.Raise(id)
	}
	return was
}

func (r *Registry) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.upstream.Unsubscribe(ctx, id); err != nil {
		r.logf("release %s: %v", id, err)
	}
}

// HasUpstream reports whether the registry forwards requests to a parent process.
func (r *Registry) HasUpstream() bool { return r.upstream != nil }

// IsSubscribed reports whether id is currently subscribed (not merely pending).
func (r *Registry) IsSubscribed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subscribed[id]
	return ok
}

// Interest returns the number of outstanding local interests in id.
func (r *Registry) Interest(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interest[id]
}

// Close rejects every in-flight subscribe with wire.ErrSessionClosed and
// refuses new ones. It is called when the upstream session goes away.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := r.inflight
	r.inflight = make(map[string]*Future)
	for id := range pending {
		delete(r.interest, id)
	}
	r.mu.Unlock()

	for id, f := range pending {
		f.settle(nil, fmt.Errorf("subscribe %q: %w", id, wire.ErrSessionClosed))
	}
	if len(pending) > 0 {
		r.logf("session closed, rejected %d pending subscriptions", len(pending))
	}
}

// ApplyStateUpdate writes a per-frame update into the local graph. Entities
// that are not known yet, such as ancestor frames, are created. With
// DeferUpdates the write waits for ApplyPending.
func (r *Registry) ApplyStateUpdate(u *wire.StateUpdate) {
	r.receive(func() {
		for id, state := range u.States {
			applyState(r.graph.GetOrCreate(id), state)
		}
		r.AppliedEvent.Raise(u)
	})
}

// receive runs fn now, or queues it for ApplyPending when deferred.
func (r *Registry) receive(fn func()) {
	if !r.deferred {
		fn()
		return
	}
	r.inMu.Lock()
	r.incoming = append(r.incoming, fn)
	r.inMu.Unlock()
}

// ApplyPending applies queued acks and updates in arrival order and returns
// how many there were.
func (r *Registry) ApplyPending() int {
	r.inMu.Lock()
	queued := r.incoming
	r.incoming = nil
	r.inMu.Unlock()

	for _, fn := range queued {
		fn()
	}
	return len(queued)
}

// applyState installs a received state as the entity's constant pose. A nil
// state clears the pose.
func applyState(e *frames.Entity, state *wire.EntityState) {
	c, ok := e.Source().(*frames.ConstantPose)
	if !ok {
		c = &frames.ConstantPose{}
		e.SetSource(c)
	}
	if state == nil {
		c.Clear()
		return
	}
	if err := state.ReferenceFrame.Validate(); err == nil {
		e.SetReferenceFrame(state.ReferenceFrame)
	}
	c.Set(state.Transform())
}

// CreateEntityPose returns a new resolver bound to this registry's graph.
// It performs no I/O.
func (r *Registry) CreateEntityPose(id string, frame frames.ReferenceFrame) (*pose.EntityPose, error) {
	return pose.New(r.graph, id, frame, pose.WithTolerance(r.tol))
}

// GetEntityPose returns the cached resolver for (id, frame), creating it on
// first use, after updating it to t.
func (r *Registry) GetEntityPose(id string, frame frames.ReferenceFrame, t time.Time) (*pose.EntityPose, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	key := poseKey{entityID: id, frame: frame.Key()}

	r.poseMu.Lock()
	defer r.poseMu.Unlock()
	p, ok := r.poses[key]
	if !ok {
		var err error
		p, err = r.CreateEntityPose(id, frame)
		if err != nil {
			return nil, err
		}
		r.poses[key] = p
	}
	p.Update(t)
	return p, nil
}

// Cartographic returns the geodetic position of id at t.
func (r *Registry) Cartographic(id string, t time.Time) (frames.Cartographic, bool, error) {
	return r.graph.Cartographic(id, t)
}
