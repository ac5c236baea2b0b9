package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/posesync/internal/frames"
)

var (
	// ErrPermissionDenied is returned when the permission gate refuses a subscription.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSessionClosed is returned for requests outstanding when their session ends.
	ErrSessionClosed = errors.New("session closed")
)

// EntityState is the serialized pose of one entity relative to its own
// reference frame. A nil *EntityState means the pose is currently unknown.
type EntityState struct {
	ID             string
	Position       [3]float64
	Orientation    [4]float64 // x, y, z, w
	ReferenceFrame frames.ReferenceFrame
}

// Transform returns the state's position and orientation as a transform.
func (s *EntityState) Transform() frames.Transform {
	return frames.NewTransform(s.Position, s.Orientation)
}

// StateFromTransform builds an EntityState.
func StateFromTransform(id string, tr frames.Transform, frame frames.ReferenceFrame) *EntityState {
	return &EntityState{
		ID:             id,
		Position:       tr.PositionArray(),
		Orientation:    tr.OrientationArray(),
		ReferenceFrame: frame,
	}
}

// Options are the free-form per-subscription options passed to the permission gate.
type Options map[string]string

// Clone returns a copy of o.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	c := make(Options, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// Reason classifies a rejected subscribe request.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonPermissionDenied
	ReasonUnknownEntity
	ReasonSessionClosed
	ReasonInternal
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonPermissionDenied:
		return "PermissionDenied"
	case ReasonUnknownEntity:
		return "UnknownEntity"
	case ReasonSessionClosed:
		return "SessionClosed"
	case ReasonInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
}

// ReasonFor maps an error to the reason sent on the wire.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, frames.ErrUnknownEntity):
		return ReasonUnknownEntity
	case errors.Is(err, ErrSessionClosed):
		return ReasonSessionClosed
	default:
		return ReasonInternal
	}
}

// Err turns a received reason back into an error that matches the same
// sentinel with errors.Is.
func (r Reason) Err(message string) error {
	var base error
	switch r {
	case ReasonNone:
		return nil
	case ReasonPermissionDenied:
		base = ErrPermissionDenied
	case ReasonUnknownEntity:
		base = frames.ErrUnknownEntity
	case ReasonSessionClosed:
		base = ErrSessionClosed
	default:
		base = errors.New("internal error")
	}
	if message == "" || message == base.Error() {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}

// SubscribeRequest is entity.subscribe.
type SubscribeRequest struct {
	RequestID string
	EntityID  string
	Options   Options
}

// UnsubscribeRequest is entity.unsubscribe. It has no reply.
type UnsubscribeRequest struct {
	EntityID string
}

// ClientMessage carries exactly one client to manager request.
type ClientMessage struct {
	Subscribe   *SubscribeRequest
	Unsubscribe *UnsubscribeRequest
}

// SubscribeAck answers a SubscribeRequest. Reason is ReasonNone on success,
// in which case State holds the entity's state at acknowledgement (nil if unknown).
type SubscribeAck struct {
	RequestID string
	EntityID  string
	State     *EntityState
	Reason    Reason
	Message   string
}

// StateUpdate is the per-frame entity.stateUpdate push.
type StateUpdate struct {
	Time   time.Time
	States map[string]*EntityState
}

// ServerMessage carries exactly one manager to client message.
type ServerMessage struct {
	Ack    *SubscribeAck
	Update *StateUpdate
}
