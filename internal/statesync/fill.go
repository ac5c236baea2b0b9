package statesync

import (
	"sort"
	"time"

	"github.com/banshee-data/posesync/internal/frames"
	"github.com/banshee-data/posesync/internal/pose"
	"github.com/banshee-data/posesync/internal/wire"
)

// FillEntityStateMap adds to out the state at t of every id in included that
// is not in excluded, plus the states of the entity frames those ids are
// expressed in, recursively, unless excluded or already present. States come
// from the per-frame cache; a fill at a new t discards the cache first.
// Ancestors are followed through the frame each emitted state names, so a
// cached state never points at an entity missing from out.
func (s *Synchronizer) FillEntityStateMap(out map[string]*wire.EntityState, t time.Time, included []string, excluded map[string]struct{}) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	s.fill(out, t, included, excluded)
}

func (s *Synchronizer) fill(out map[string]*wire.EntityState, t time.Time, included []string, excluded map[string]struct{}) {
	for _, id := range included {
		for id != "" {
			if _, skip := excluded[id]; skip {
				break
			}
			if _, done := out[id]; done {
				break
			}
			st := s.stateAt(t, id)
			out[id] = st
			if st != nil {
				id = st.ReferenceFrame.EntityID()
			} else {
				id = s.parentEntity(id)
			}
		}
	}
}

// parentEntity returns the entity id id is framed on, or "" for fixed frames
// and entities missing from the graph.
func (s *Synchronizer) parentEntity(id string) string {
	e, ok := s.graph.Get(id)
	if !ok {
		return ""
	}
	return e.ReferenceFrame().EntityID()
}

func (s *Synchronizer) stateAt(t time.Time, id string) *wire.EntityState {
	before := s.cache.misses
	st := s.cache.get(t, id, func(id string) *wire.EntityState { return s.serialize(id, t) })
	if s.metrics != nil {
		if s.cache.misses != before {
			s.metrics.CacheMisses.Inc()
		} else {
			s.metrics.CacheHits.Inc()
		}
	}
	return st
}

// serialize computes id's state at t relative to its own reference frame
// using a per-entity resolver. It returns nil when the pose is unknown,
// including when id's frame chain is cyclic.
func (s *Synchronizer) serialize(id string, t time.Time) *wire.EntityState {
	e, ok := s.graph.Get(id)
	if !ok {
		return nil
	}
	if s.graph.CheckChain(id) != nil {
		return nil
	}
	frame := e.ReferenceFrame()
	r := s.resolvers[id]
	if r == nil || r.ReferenceFrame() != frame {
		var err error
		r, err = pose.New(s.graph, id, frame, pose.WithTolerance(s.tol))
		if err != nil {
			s.logf("entity %s has an invalid frame: %v", id, err)
			return nil
		}
		s.resolvers[id] = r
	}
	if !r.Update(t).Has(pose.Known) {
		return nil
	}
	return wire.StateFromTransform(id, r.Transform(), frame)
}

// Frame runs one frame pass at t: apply state received by the registry,
// apply queued subscription changes, then build and push each session's
// update from one shared cache. It returns the updates that were pushed,
// keyed by session.
func (s *Synchronizer) Frame(t time.Time) map[SessionID]*wire.StateUpdate {
	start := time.Now()
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	if s.registry != nil && s.registry.ApplyPending() > 0 {
		s.cache.invalidate()
	}
	s.applyPending(t)
	s.completeAwaiting(t)
	s.frameCount++

	pushed := make(map[SessionID]*wire.StateUpdate, len(s.sessions))
	for _, id := range s.sessionIDs() {
		byEntity := s.subscriptionsBySubscriber[id]
		if len(byEntity) == 0 {
			continue
		}
		included := make([]string, 0, len(byEntity))
		for entityID := range byEntity {
			included = append(included, entityID)
		}
		sort.Strings(included)

		sess := s.sessions[id]
		states := make(map[string]*wire.EntityState, len(included))
		s.fill(states, t, included, sess.excluded)
		u := &wire.StateUpdate{Time: t, States: states}
		if err := sess.session.Push(u); err != nil {
			s.logf("push to %s failed: %v", id, err)
			if s.metrics != nil {
				s.metrics.PushErrors.Inc()
			}
			continue
		}
		pushed[id] = u
	}
	s.pruneResolvers()
	s.trimHistory(t)
	s.metrics.ObserveFrame(time.Since(start))
	return pushed
}

// trimHistory drops sampled poses older than the retention window. The
// cache is left alone: trimming keeps one sample at or before the cutoff,
// so poses at t are unchanged.
func (s *Synchronizer) trimHistory(t time.Time) {
	if s.retention <= 0 {
		return
	}
	cutoff := t.Add(-s.retention)
	for _, id := range s.graph.IDs() {
		e, ok := s.graph.Get(id)
		if !ok {
			continue
		}
		if sp, ok := e.Source().(*frames.SampledPose); ok {
			sp.TrimBefore(cutoff)
		}
	}
}

// pruneResolvers drops resolvers for entities no longer in the graph.
func (s *Synchronizer) pruneResolvers() {
	for id := range s.resolvers {
		if _, ok := s.graph.Get(id); !ok {
			delete(s.resolvers, id)
		}
	}
}
