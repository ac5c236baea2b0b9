// Package pose tracks an entity's pose in a chosen reference frame across
// successive updates and derives the KNOWN/FOUND/LOST/CHANGED status bits.
package pose

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/posesync/internal/frames"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Resolver computes an entity's pose relative to a frame. *frames.Graph
// implements it.
type Resolver interface {
	Resolve(id string, target frames.ReferenceFrame, t time.Time) (frames.Pose, error)
}

// Option configures an EntityPose.
type Option func(*EntityPose)

// WithTolerance overrides DefaultTolerance.
func WithTolerance(tol Tolerance) Option {
	return func(p *EntityPose) { p.tolerance = tol }
}

// EntityPose is a stateful handle on one (entity, reference frame) pair.
// Update shifts the current values into the Previous* fields before
// recomputing. An EntityPose is not safe for concurrent use; each caller owns
// its own instance.
type EntityPose struct {
	entityID  string
	frame     frames.ReferenceFrame
	resolver  Resolver
	tolerance Tolerance

	Position    r3.Vec
	Orientation quat.Number
	Time        time.Time
	Status      Status

	PreviousPosition    r3.Vec
	PreviousOrientation quat.Number
	PreviousTime        time.Time
	PreviousStatus      Status

	err error
}

// New returns an EntityPose for entityID in frame. The frame is validated
// here, so an invalid frame never reaches Update.
func New(resolver Resolver, entityID string, frame frames.ReferenceFrame, opts ...Option) (*EntityPose, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if entityID == "" {
		return nil, errors.New("entity pose: empty entity id")
	}
	p := &EntityPose{
		entityID:  entityID,
		frame:     frame,
		resolver:  resolver,
		tolerance: DefaultTolerance,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// EntityID returns the tracked entity id.
func (p *EntityPose) EntityID() string { return p.entityID }

// ReferenceFrame returns the frame poses are expressed in.
func (p *EntityPose) ReferenceFrame() frames.ReferenceFrame { return p.frame }

// Err returns the error from the last Update, if any. A cyclic chain or an
// entity missing from the graph is reported here while Status reads as unknown.
func (p *EntityPose) Err() error { return p.err }

// Known reports whether the last Update produced a defined pose.
func (p *EntityPose) Known() bool { return p.Status&Known != 0 }

// Transform returns the current position and orientation.
func (p *EntityPose) Transform() frames.Transform {
	return frames.Transform{Position: p.Position, Orientation: p.Orientation}
}

// Update recomputes the pose at t and returns the new status.
func (p *EntityPose) Update(t time.Time) Status {
	p.PreviousPosition = p.Position
	p.PreviousOrientation = p.Orientation
	p.PreviousTime = p.Time
	p.PreviousStatus = p.Status

	res, err := p.resolver.Resolve(p.entityID, p.frame, t)
	p.err = err
	known := err == nil && res.Defined
	if known {
		p.Position = res.Position
		p.Orientation = res.Orientation
		p.Time = res.Time
	} else {
		p.Position = r3.Vec{}
		p.Orientation = quat.Number{}
		p.Time = time.Time{}
	}

	p.Status = nextStatus(p.PreviousStatus, known, func() bool {
		prev := frames.Transform{Position: p.PreviousPosition, Orientation: p.PreviousOrientation}
		cur := p.Transform()
		return frames.PositionDistance(prev, cur) > p.tolerance.Position ||
			frames.OrientationAngle(prev, cur) > p.tolerance.Orientation
	})
	return p.Status
}

// Cartographic converts the current pose to geodetic coordinates by resolving
// the entity into the FIXED frame at the last update's time.
func (p *EntityPose) Cartographic() (frames.Cartographic, bool, error) {
	if !p.Known() {
		return frames.Cartographic{}, false, nil
	}
	if p.frame == frames.Fixed(frames.FixedGlobal) {
		c, ok := frames.ToCartographic(p.Position)
		return c, ok, nil
	}
	res, err := p.resolver.Resolve(p.entityID, frames.Fixed(frames.FixedGlobal), p.Time)
	if err != nil {
		return frames.Cartographic{}, false, fmt.Errorf("cartographic %q: %w", p.entityID, err)
	}
	if !res.Defined {
		return frames.Cartographic{}, false, nil
	}
	c, ok := frames.ToCartographic(res.Position)
	return c, ok, nil
}
