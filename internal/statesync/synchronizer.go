package statesync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/posesync/internal/events"
	"github.com/banshee-data/posesync/internal/frames"
	"github.com/banshee-data/posesync/internal/metrics"
	"github.com/banshee-data/posesync/internal/monitoring"
	"github.com/banshee-data/posesync/internal/pose"
	"github.com/banshee-data/posesync/internal/subscription"
	"github.com/banshee-data/posesync/internal/wire"
)

// Errors surfaced to subscribing sessions.
var (
	ErrPermissionDenied = wire.ErrPermissionDenied
	ErrUnknownEntity    = frames.ErrUnknownEntity
	ErrSessionClosed    = wire.ErrSessionClosed
)

// SessionID identifies a connected session.
type SessionID string

// Session is a connected subscriber.
type Session interface {
	ID() SessionID
	// Push hands over one frame's update. It must not block the frame pass.
	Push(u *wire.StateUpdate) error
}

// Authorizer is the permission gate consulted for every subscribe request.
// It may block; it is called on the requesting goroutine, not in the frame pass.
type Authorizer interface {
	Authorize(ctx context.Context, session SessionID, entityID string, opts wire.Options) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, session SessionID, entityID string, opts wire.Options) (bool, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, session SessionID, entityID string, opts wire.Options) (bool, error) {
	return f(ctx, session, entityID, opts)
}

// AllowAll grants every request.
var AllowAll = AuthorizerFunc(func(context.Context, SessionID, string, wire.Options) (bool, error) {
	return true, nil
})

// SubscriptionEvent is raised when an entity gains its first subscribing
// session or loses its last one.
type SubscriptionEvent struct {
	Session  SessionID
	EntityID string
	Options  wire.Options
}

// Config configures a Synchronizer.
type Config struct {
	// Registry receives upstream demand: the first subscriber of an entity
	// subscribes it, the last unsubscribe releases it. Optional.
	Registry *subscription.Registry
	// Authorizer defaults to AllowAll.
	Authorizer Authorizer
	// Tolerance is used by the internal resolvers.
	Tolerance pose.Tolerance
	// Metrics is optional.
	Metrics *metrics.Sync
	// StatsInterval is how often Run logs frame statistics. Zero means 30s.
	StatsInterval time.Duration
	// SampleRetention bounds the history kept by sampled pose sources, measured
	// back from each frame's time. Zero keeps everything.
	SampleRetention time.Duration
}

type sessionState struct {
	session  Session
	excluded map[string]struct{}
}

type opKind int

const (
	opOpen opKind = iota
	opClose
	opSubscribe
	opUnsubscribe
)

type subscribeResult struct {
	state *wire.EntityState
	err   error
}

// op is one queued change applied at the next frame boundary.
type op struct {
	kind     opKind
	session  SessionID
	open     *sessionState
	entityID string
	opts     wire.Options

	deliver  func(*wire.EntityState, error) // subscribe only
	claimed  atomic.Bool                    // set by whoever calls deliver
	upstream *subscription.Future           // registry request this op holds interest through
}

// Synchronizer owns the per-session subscription tables and the frame cache.
type Synchronizer struct {
	graph     *frames.Graph
	registry  *subscription.Registry
	auth      Authorizer
	tol       pose.Tolerance
	metrics   *metrics.Sync
	stats     time.Duration
	retention time.Duration
	logf      func(string, ...interface{})

	// Guarded by frameMu; only mutated inside the frame pass.
	frameMu                   sync.Mutex
	sessions                  map[SessionID]*sessionState
	subscribersByEntity       map[string]map[SessionID]struct{}
	subscriptionsBySubscriber map[SessionID]map[string]wire.Options
	cache                     frameCache
	resolvers                 map[string]*pose.EntityPose
	awaiting                  []*op // subscribes waiting on the registry
	frameCount                uint64

	qmu     sync.Mutex
	queue   []*op
	pending map[SessionID]map[*op]struct{} // subscribes awaiting the next frame
	closing map[SessionID]struct{}

	// SessionSubscribedEvent fires when an entity gets its first subscriber.
	SessionSubscribedEvent events.Event[SubscriptionEvent]
	// SessionUnsubscribedEvent fires when an entity loses its last subscriber.
	SessionUnsubscribedEvent events.Event[SubscriptionEvent]
}

// New returns a synchronizer serving entities from graph.
func New(graph *frames.Graph, cfg Config) *Synchronizer {
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAll
	}
	if cfg.Tolerance == (pose.Tolerance{}) {
		cfg.Tolerance = pose.DefaultTolerance
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 30 * time.Second
	}
	return &Synchronizer{
		graph:                     graph,
		registry:                  cfg.Registry,
		auth:                      cfg.Authorizer,
		tol:                       cfg.Tolerance,
		metrics:                   cfg.Metrics,
		stats:                     cfg.StatsInterval,
		retention:                 cfg.SampleRetention,
		logf:                      monitoring.Component("Sync"),
		sessions:                  make(map[SessionID]*sessionState),
		subscribersByEntity:       make(map[string]map[SessionID]struct{}),
		subscriptionsBySubscriber: make(map[SessionID]map[string]wire.Options),
		resolvers:                 make(map[string]*pose.EntityPose),
		pending:                   make(map[SessionID]map[*op]struct{}),
		closing:                   make(map[SessionID]struct{}),
	}
}

func (s *Synchronizer) enqueue(o *op) {
	s.qmu.Lock()
	s.queue = append(s.queue, o)
	s.qmu.Unlock()
}

// OpenSession queues a session for registration at the next frame. excluded
// lists entity ids that are never pushed to it, typically the entities the
// session itself publishes.
func (s *Synchronizer) OpenSession(sess Session, excluded ...string) {
	st := &sessionState{session: sess, excluded: make(map[string]struct{}, len(excluded))}
	for _, id := range excluded {
		st.excluded[id] = struct{}{}
	}
	s.qmu.Lock()
	delete(s.closing, sess.ID())
	s.queue = append(s.queue, &op{kind: opOpen, session: sess.ID(), open: st})
	s.qmu.Unlock()
}

// CloseSession removes every subscription of the session at the next frame,
// as if it had unsubscribed from each. Subscribes still waiting for their
// frame are rejected with ErrSessionClosed immediately.
func (s *Synchronizer) CloseSession(id SessionID) {
	s.qmu.Lock()
	s.closing[id] = struct{}{}
	waiting := s.pending[id]
	delete(s.pending, id)
	s.queue = append(s.queue, &op{kind: opClose, session: id})
	s.qmu.Unlock()

	for o := range waiting {
		if o.claimed.CompareAndSwap(false, true) {
			o.deliver(nil, fmt.Errorf("subscribe %q: %w", o.entityID, ErrSessionClosed))
		}
	}
}

// Subscribe consults the permission gate and, if allowed, queues the
// subscription. It returns once a frame has applied it, with the entity's
// state at that frame (nil if unknown). A denied request leaves no trace in
// the subscription tables.
func (s *Synchronizer) Subscribe(ctx context.Context, session SessionID, entityID string, opts wire.Options) (*wire.EntityState, error) {
	ch := make(chan subscribeResult, 1)
	o, err := s.queueSubscribe(ctx, session, entityID, opts, func(st *wire.EntityState, err error) {
		ch <- subscribeResult{state: st, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.state, res.err
	case <-ctx.Done():
		if o.claimed.CompareAndSwap(false, true) {
			s.forget(o)
			return nil, ctx.Err()
		}
		// Already being answered; report what was applied.
		res := <-ch
		return res.state, res.err
	}
}

// SubscribeFunc is Subscribe without waiting. done is called exactly once:
// on the calling goroutine when the permission gate refuses, from
// CloseSession when the session ends first, and otherwise inside the frame
// pass that settles the request, before that frame's updates are pushed.
// done must not block.
func (s *Synchronizer) SubscribeFunc(ctx context.Context, session SessionID, entityID string, opts wire.Options, done func(*wire.EntityState, error)) {
	if _, err := s.queueSubscribe(ctx, session, entityID, opts, done); err != nil {
		done(nil, err)
	}
}

func (s *Synchronizer) queueSubscribe(ctx context.Context, session SessionID, entityID string, opts wire.Options, deliver func(*wire.EntityState, error)) (*op, error) {
	allowed, err := s.auth.Authorize(ctx, session, entityID, opts)
	if err != nil {
		s.metrics.Subscribe("error")
		return nil, fmt.Errorf("authorize %q: %w", entityID, err)
	}
	if !allowed {
		s.metrics.Subscribe("denied")
		return nil, fmt.Errorf("subscribe %q: %w", entityID, ErrPermissionDenied)
	}

	o := &op{
		kind:     opSubscribe,
		session:  session,
		entityID: entityID,
		opts:     opts.Clone(),
		deliver:  deliver,
	}
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if _, closing := s.closing[session]; closing {
		return nil, fmt.Errorf("subscribe %q: %w", entityID, ErrSessionClosed)
	}
	if s.pending[session] == nil {
		s.pending[session] = make(map[*op]struct{})
	}
	s.pending[session][o] = struct{}{}
	s.queue = append(s.queue, o)
	return o, nil
}

// Unsubscribe queues the removal of one subscription. No reply is produced.
func (s *Synchronizer) Unsubscribe(session SessionID, entityID string) {
	s.enqueue(&op{kind: opUnsubscribe, session: session, entityID: entityID})
}

func (s *Synchronizer) forget(o *op) {
	s.qmu.Lock()
	if m := s.pending[o.session]; m != nil {
		delete(m, o)
		if len(m) == 0 {
			delete(s.pending, o.session)
		}
	}
	s.qmu.Unlock()
}

// applyPending drains the queue. Called with frameMu held.
func (s *Synchronizer) applyPending(t time.Time) {
	s.qmu.Lock()
	ops := s.queue
	s.queue = nil
	s.qmu.Unlock()

	for _, o := range ops {
		switch o.kind {
		case opOpen:
			s.sessions[o.session] = o.open
			if s.subscriptionsBySubscriber[o.session] == nil {
				s.subscriptionsBySubscriber[o.session] = make(map[string]wire.Options)
			}
		case opClose:
			s.removeSession(o.session)
		case opSubscribe:
			s.applySubscribe(o, t)
		case opUnsubscribe:
			s.removeSubscription(o.session, o.entityID)
		}
	}
	if s.metrics != nil {
		s.metrics.Sessions.Set(float64(len(s.sessions)))
		s.metrics.Subscriptions.Set(float64(s.subscriptionCount()))
	}
}

// applySubscribe validates a queued subscribe. When the entity has no
// subscriber yet and a registry is configured, the registry is asked for it
// first and the op waits in awaiting until that request settles. Called
// with frameMu held.
func (s *Synchronizer) applySubscribe(o *op, t time.Time) {
	if o.claimed.Load() {
		s.forget(o)
		return
	}
	if _, ok := s.sessions[o.session]; !ok {
		s.reject(o, fmt.Errorf("subscribe %q: %w", o.entityID, ErrSessionClosed), "closed")
		return
	}
	if _, ok := s.graph.Get(o.entityID); !ok && (s.registry == nil || !s.registry.HasUpstream()) {
		s.reject(o, fmt.Errorf("subscribe %q: %w", o.entityID, ErrUnknownEntity), "unknown")
		return
	}
	if s.registry != nil && len(s.subscribersByEntity[o.entityID]) == 0 {
		o.upstream = s.registry.SubscribeAsync(o.entityID, o.opts)
		if _, _, settled := o.upstream.Result(); !settled {
			s.awaiting = append(s.awaiting, o)
			return
		}
	}
	s.completeSubscribe(o, t)
}

// completeAwaiting finishes every awaiting subscribe whose registry request
// has settled. Called with frameMu held.
func (s *Synchronizer) completeAwaiting(t time.Time) {
	kept := s.awaiting[:0]
	for _, o := range s.awaiting {
		if _, _, settled := o.upstream.Result(); settled {
			s.completeSubscribe(o, t)
			continue
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(s.awaiting); i++ {
		s.awaiting[i] = nil
	}
	s.awaiting = kept
}

// completeSubscribe records the subscription and acknowledges it, or
// rejects it if the registry request failed. The registry interest taken by
// o is kept only when o makes the session the entity's first subscriber.
// Called with frameMu held.
func (s *Synchronizer) completeSubscribe(o *op, t time.Time) {
	s.forget(o)
	var upErr error
	if o.upstream != nil {
		_, upErr, _ = o.upstream.Result()
	}
	release := func() {
		if o.upstream != nil && upErr == nil {
			s.registry.UnsubscribeAsync(o.entityID)
		}
	}

	if !o.claimed.CompareAndSwap(false, true) {
		release()
		return
	}
	if upErr != nil {
		s.metrics.Subscribe("upstream")
		o.deliver(nil, upErr)
		return
	}
	if _, ok := s.sessions[o.session]; !ok {
		release()
		s.metrics.Subscribe("closed")
		o.deliver(nil, fmt.Errorf("subscribe %q: %w", o.entityID, ErrSessionClosed))
		return
	}

	subs := s.subscribersByEntity[o.entityID]
	first := len(subs) == 0
	if subs == nil {
		subs = make(map[SessionID]struct{})
		s.subscribersByEntity[o.entityID] = subs
	}
	subs[o.session] = struct{}{}
	s.subscriptionsBySubscriber[o.session][o.entityID] = o.opts

	if first {
		s.SessionSubscribedEvent.Raise(SubscriptionEvent{Session: o.session, EntityID: o.entityID, Options: o.opts})
	} else {
		release()
	}
	s.metrics.Subscribe("ok")
	o.deliver(s.stateAt(t, o.entityID), nil)
}

// reject answers o with err unless a cancelled caller or CloseSession
// already did. Called with frameMu held.
func (s *Synchronizer) reject(o *op, err error, result string) {
	s.forget(o)
	if !o.claimed.CompareAndSwap(false, true) {
		return
	}
	s.metrics.Subscribe(result)
	o.deliver(nil, err)
}

// removeSubscription drops one (session, entity) pair. Called with frameMu held.
func (s *Synchronizer) removeSubscription(session SessionID, entityID string) {
	if byEntity := s.subscriptionsBySubscriber[session]; byEntity != nil {
		delete(byEntity, entityID)
	}
	subs, ok := s.subscribersByEntity[entityID]
	if !ok {
		return
	}
	if _, member := subs[session]; !member {
		return
	}
	delete(subs, session)
	if len(subs) > 0 {
		return
	}
	delete(s.subscribersByEntity, entityID)
	s.SessionUnsubscribedEvent.Raise(SubscriptionEvent{Session: session, EntityID: entityID})
	if s.registry != nil {
		s.registry.UnsubscribeAsync(entityID)
	}
}

// removeSession drops every subscription of the session. Called with frameMu held.
func (s *Synchronizer) removeSession(id SessionID) {
	ids := make([]string, 0, len(s.subscriptionsBySubscriber[id]))
	for entityID := range s.subscriptionsBySubscriber[id] {
		ids = append(ids, entityID)
	}
	sort.Strings(ids)
	for _, entityID := range ids {
		s.removeSubscription(id, entityID)
	}
	delete(s.subscriptionsBySubscriber, id)
	delete(s.sessions, id)

	s.qmu.Lock()
	delete(s.closing, id)
	s.qmu.Unlock()
}

func (s *Synchronizer) subscriptionCount() int {
	n := 0
	for _, byEntity := range s.subscriptionsBySubscriber {
		n += len(byEntity)
	}
	return n
}

// Subscribers returns the sessions subscribed to entityID, sorted.
func (s *Synchronizer) Subscribers(entityID string) []SessionID {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	out := make([]SessionID, 0, len(s.subscribersByEntity[entityID]))
	for id := range s.subscribersByEntity[entityID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscriptions returns a copy of the session's entity to options table.
func (s *Synchronizer) Subscriptions(session SessionID) map[string]wire.Options {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	out := make(map[string]wire.Options, len(s.subscriptionsBySubscriber[session]))
	for id, opts := range s.subscriptionsBySubscriber[session] {
		out[id] = opts.Clone()
	}
	return out
}

// Sessions returns the ids of registered sessions, sorted.
func (s *Synchronizer) Sessions() []SessionID {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return s.sessionIDs()
}

func (s *Synchronizer) sessionIDs() []SessionID {
	out := make([]SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CacheStats returns the frame cache counters.
func (s *Synchronizer) CacheStats() CacheStats {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return s.cache.stats()
}
