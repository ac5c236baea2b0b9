package frames

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCyclicFrame matches any *CyclicFrameError.
	ErrCyclicFrame = errors.New("cyclic reference frame chain")
	// ErrInvalidReferenceFrame is returned for frames that are neither a
	// known fixed frame nor a non-empty entity id.
	ErrInvalidReferenceFrame = errors.New("invalid reference frame")
	// ErrUnknownEntity is returned when the entity being resolved is not in the graph.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrDuplicateEntity is returned by Graph.Add for an id already present.
	ErrDuplicateEntity = errors.New("duplicate entity")
)

// CyclicFrameError reports an ancestor chain that revisits an entity.
type CyclicFrameError struct {
	EntityID string   // the id that was visited twice
	Chain    []string // ids walked before the revisit, starting at the resolved entity
}

func (e *CyclicFrameError) Error() string {
	return fmt.Sprintf("cyclic reference frame chain at %q: %s -> %s",
		e.EntityID, strings.Join(e.Chain, " -> "), e.EntityID)
}

// Is lets errors.Is(err, ErrCyclicFrame) match.
func (e *CyclicFrameError) Is(target error) bool {
	return target == ErrCyclicFrame
}

// FixedFrame enumerates the global frames that are not entities.
type FixedFrame uint8

const (
	// FixedGlobal is the planet-fixed (earth-centred, earth-fixed) frame.
	FixedGlobal FixedFrame = iota + 1
	// Inertial is the earth-centred inertial frame.
	Inertial
)

func (f FixedFrame) String() string {
	switch f {
	case FixedGlobal:
		return "FIXED"
	case Inertial:
		return "INERTIAL"
	default:
		return fmt.Sprintf("FixedFrame(%d)", uint8(f))
	}
}

// Valid reports whether f is one of the known fixed frames.
func (f FixedFrame) Valid() bool {
	return f == FixedGlobal || f == Inertial
}

// ReferenceFrame is either an entity id or a fixed frame. The zero value is
// not a valid frame.
type ReferenceFrame struct {
	fixed    FixedFrame
	entityID string
}

// Fixed returns the reference frame for a fixed global frame.
func Fixed(f FixedFrame) ReferenceFrame {
	return ReferenceFrame{fixed: f}
}

// EntityFrame returns the reference frame defined by the entity with the given id.
func EntityFrame(id string) ReferenceFrame {
	return ReferenceFrame{entityID: id}
}

// ParseReferenceFrame maps "FIXED" and "INERTIAL" to the fixed frames and
// any other non-empty string to an entity frame.
func ParseReferenceFrame(s string) (ReferenceFrame, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "":
		return ReferenceFrame{}, fmt.Errorf("%w: empty identifier", ErrInvalidReferenceFrame)
	case "FIXED":
		return Fixed(FixedGlobal), nil
	case "INERTIAL":
		return Fixed(Inertial), nil
	}
	return EntityFrame(s), nil
}

// IsFixed reports whether r is a fixed global frame.
func (r ReferenceFrame) IsFixed() bool { return r.fixed != 0 }

// IsEntity reports whether r is an entity frame.
func (r ReferenceFrame) IsEntity() bool { return r.fixed == 0 && r.entityID != "" }

// FixedFrame returns the fixed frame, or 0 for entity frames.
func (r ReferenceFrame) FixedFrame() FixedFrame { return r.fixed }

// EntityID returns the entity id, or "" for fixed frames.
func (r ReferenceFrame) EntityID() string { return r.entityID }

// Validate returns ErrInvalidReferenceFrame unless r names exactly one known
// fixed frame or one entity.
func (r ReferenceFrame) Validate() error {
	switch {
	case r.fixed != 0 && r.entityID != "":
		return fmt.Errorf("%w: both fixed frame and entity set", ErrInvalidReferenceFrame)
	case r.fixed != 0 && !r.fixed.Valid():
		return fmt.Errorf("%w: %s", ErrInvalidReferenceFrame, r.fixed)
	case r.fixed == 0 && r.entityID == "":
		return fmt.Errorf("%w: empty identifier", ErrInvalidReferenceFrame)
	}
	return nil
}

// Key returns a stable string form usable as a map key. Fixed frames are
// prefixed with '#' so they cannot collide with entity ids in practice.
func (r ReferenceFrame) Key() string {
	if r.IsFixed() {
		return "#" + r.fixed.String()
	}
	return r.entityID
}

func (r ReferenceFrame) String() string {
	if r.IsFixed() {
		return r.fixed.String()
	}
	if r.entityID == "" {
		return "<invalid>"
	}
	return r.entityID
}
