package frames

import (
	"sync"
	"time"
)

// Entity is a trackable spatial identity. Its pose is given by a PoseSource
// relative to its reference frame. Entities are owned by a Graph; other
// components refer to them by id.
type Entity struct {
	id string

	mu     sync.RWMutex
	frame  ReferenceFrame
	source PoseSource
}

// NewEntity returns an entity. A nil source leaves the pose undefined at all times.
func NewEntity(id string, frame ReferenceFrame, source PoseSource) *Entity {
	return &Entity{id: id, frame: frame, source: source}
}

// ID returns the entity's stable id.
func (e *Entity) ID() string { return e.id }

// ReferenceFrame returns the frame the entity's pose is expressed in.
func (e *Entity) ReferenceFrame() ReferenceFrame {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frame
}

// SetReferenceFrame changes the frame the entity's pose is expressed in.
func (e *Entity) SetReferenceFrame(f ReferenceFrame) {
	e.mu.Lock()
	e.frame = f
	e.mu.Unlock()
}

// Source returns the entity's pose source, possibly nil.
func (e *Entity) Source() PoseSource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.source
}

// SetSource replaces the entity's pose source.
func (e *Entity) SetSource(s PoseSource) {
	e.mu.Lock()
	e.source = s
	e.mu.Unlock()
}

// LocalPose returns the entity's pose relative to its own reference frame.
func (e *Entity) LocalPose(t time.Time) (Transform, ReferenceFrame, bool) {
	e.mu.RLock()
	frame, source := e.frame, e.source
	e.mu.RUnlock()
	if source == nil {
		return Transform{}, frame, false
	}
	tr, ok := source.PoseAt(t)
	return tr, frame, ok
}
