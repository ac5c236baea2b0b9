package pose

import "strings"

// Status is a bitmask describing a pose's definedness and how it moved since
// the previous update.
type Status uint8

const (
	// Known is set when the pose is defined.
	Known Status = 1 << iota
	// Found is set when the pose became defined on this update.
	Found
	// Lost is set when the pose became undefined on this update.
	Lost
	// Changed is set when the pose was found or its value moved beyond tolerance.
	Changed
)

// Has reports whether every bit of flag is set.
func (s Status) Has(flag Status) bool { return s&flag == flag }

func (s Status) String() string {
	if s == 0 {
		return "0"
	}
	var parts []string
	for _, f := range []struct {
		bit  Status
		name string
	}{{Known, "KNOWN"}, {Found, "FOUND"}, {Lost, "LOST"}, {Changed, "CHANGED"}} {
		if s&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Tolerance bounds what counts as a change between two defined poses.
type Tolerance struct {
	Position    float64 // metres, Euclidean distance
	Orientation float64 // radians, rotation angle between orientations
}

// DefaultTolerance is used when a resolver is built without WithTolerance.
var DefaultTolerance = Tolerance{Position: 1e-6, Orientation: 1e-6}

// nextStatus derives the status for a transition. differs is only consulted
// when the pose is defined on both sides.
func nextStatus(prev Status, known bool, differs func() bool) Status {
	var s Status
	wasKnown := prev&Known != 0
	switch {
	case known && !wasKnown:
		s = Known | Found | Changed
	case !known && wasKnown:
		s = Lost
	case known:
		s = Known
		if differs() {
			s |= Changed
		}
	}
	return s
}
