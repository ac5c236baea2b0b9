package frames

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is the result of one resolution. It is produced fresh per call and
// never mutated afterwards.
type Pose struct {
	Position    r3.Vec
	Orientation quat.Number
	Time        time.Time
	Defined     bool
}

// Transform returns the position and orientation as a Transform.
func (p Pose) Transform() Transform {
	return Transform{Position: p.Position, Orientation: p.Orientation}
}

// Graph is the set of entities plus the fixed frames. It is the sole owner of
// its entities.
type Graph struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{entities: make(map[string]*Entity)}
}

// Add inserts an entity. It fails if the id is empty, already present, or
// the entity's reference frame is invalid.
func (g *Graph) Add(e *Entity) error {
	if e == nil || e.ID() == "" {
		return fmt.Errorf("add entity: empty id")
	}
	if err := e.ReferenceFrame().Validate(); err != nil {
		return fmt.Errorf("add entity %q: %w", e.ID(), err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entities[e.ID()]; ok {
		return fmt.Errorf("add entity %q: %w", e.ID(), ErrDuplicateEntity)
	}
	g.entities[e.ID()] = e
	return nil
}

// Get returns the entity with the given id.
func (g *Graph) Get(id string) (*Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities[id]
	return e, ok
}

// GetOrCreate returns the entity with the given id, creating it in the FIXED
// frame with an undefined pose if it does not exist.
func (g *Graph) GetOrCreate(id string) *Entity {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entities[id]; ok {
		return e
	}
	e := NewEntity(id, Fixed(FixedGlobal), nil)
	g.entities[id] = e
	return e
}

// Remove deletes the entity. Entities framed on it resolve as undefined afterwards.
func (g *Graph) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entities[id]
	delete(g.entities, id)
	return ok
}

// IDs returns the sorted ids of all entities.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.entities))
	for id := range g.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of entities.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities)
}

// Resolve returns the pose of entity id relative to target at time t.
//
// The result has Defined false when any link of the chain has no pose at t
// or references an entity missing from the graph. A chain that revisits an
// entity fails with a *CyclicFrameError; an id that is not in the graph fails
// with ErrUnknownEntity.
func (g *Graph) Resolve(id string, target ReferenceFrame, t time.Time) (Pose, error) {
	if err := target.Validate(); err != nil {
		return Pose{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.entities[id]; !ok {
		return Pose{}, fmt.Errorf("resolve %q: %w", id, ErrUnknownEntity)
	}
	tr, ok, err := g.resolve(id, target, t)
	if err != nil || !ok {
		return Pose{Time: t}, err
	}
	return Pose{Position: tr.Position, Orientation: tr.Orientation, Time: t, Defined: true}, nil
}

// CheckChain walks id's reference frames up to a fixed frame without
// evaluating poses. It returns a *CyclicFrameError if the walk revisits an
// entity and ErrUnknownEntity if id is not in the graph. A chain that ends at
// a missing ancestor is not an error.
func (g *Graph) CheckChain(id string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.entities[id]; !ok {
		return fmt.Errorf("check %q: %w", id, ErrUnknownEntity)
	}
	_, err := g.walk(id, ReferenceFrame{})
	return err
}

// resolve composes id's chain until it reaches target or a fixed root. When
// it stops at a root other than target, the root is converted to target:
// directly for fixed targets, via the inverse of the target's own root pose
// for entity targets.
func (g *Graph) resolve(id string, target ReferenceFrame, t time.Time) (Transform, bool, error) {
	if target.IsEntity() && target.EntityID() == id {
		return Identity(), true, nil
	}
	c, err := g.walk(id, target)
	if err != nil {
		return Transform{}, false, err
	}
	acc, ok := g.compose(c, t)
	if !ok {
		return Transform{}, false, nil
	}
	if c.terminal == target {
		return acc, true, nil
	}

	root := c.terminal.FixedFrame()
	if target.IsFixed() {
		return FixedTransform(root, target.FixedFrame(), t).Compose(acc), true, nil
	}

	tc, err := g.walk(target.EntityID(), ReferenceFrame{})
	if err != nil {
		return Transform{}, false, err
	}
	targetInRoot, ok := g.compose(tc, t)
	if !ok {
		return Transform{}, false, nil
	}
	targetInRoot = FixedTransform(tc.terminal.FixedFrame(), root, t).Compose(targetInRoot)
	return targetInRoot.Inverse().Compose(acc), true, nil
}

// chain is the ordered list of entities from the resolved entity upward and
// the frame the last of them is expressed in. dangling is set when an
// ancestor entity is missing from the graph.
type chain struct {
	entities []*Entity
	terminal ReferenceFrame
	dangling bool
}

// walk follows reference frames from id until it meets stop or a fixed frame.
// It never evaluates poses, so cycles are reported even when links are undefined.
func (g *Graph) walk(id string, stop ReferenceFrame) (chain, error) {
	var c chain
	visited := make(map[string]struct{})
	var ids []string
	cur := id
	for {
		if _, seen := visited[cur]; seen {
			return chain{}, &CyclicFrameError{EntityID: cur, Chain: ids}
		}
		visited[cur] = struct{}{}
		ids = append(ids, cur)

		e, ok := g.entities[cur]
		if !ok {
			c.dangling = true
			return c, nil
		}
		c.entities = append(c.entities, e)

		frame := e.ReferenceFrame()
		if frame == stop || frame.IsFixed() {
			c.terminal = frame
			return c, nil
		}
		if !frame.IsEntity() {
			return chain{}, fmt.Errorf("entity %q: %w", cur, ErrInvalidReferenceFrame)
		}
		cur = frame.EntityID()
	}
}

// compose multiplies the local poses of a chain, innermost first.
func (g *Graph) compose(c chain, t time.Time) (Transform, bool) {
	if c.dangling {
		return Transform{}, false
	}
	acc := Identity()
	for _, e := range c.entities {
		local, _, ok := e.LocalPose(t)
		if !ok {
			return Transform{}, false
		}
		acc = local.Compose(acc)
	}
	return acc, true
}
