package frames

import (
	"sort"
	"sync"
	"time"
)

// PoseSource yields an entity's pose relative to its own reference frame.
// ok is false when the pose is undefined at t.
type PoseSource interface {
	PoseAt(t time.Time) (tr Transform, ok bool)
}

// PoseFunc adapts a function to PoseSource.
type PoseFunc func(t time.Time) (Transform, bool)

// PoseAt calls f(t).
func (f PoseFunc) PoseAt(t time.Time) (Transform, bool) { return f(t) }

// ConstantPose is a time-invariant pose that can be replaced or cleared. It
// is what a client uses for entities whose state arrives over the wire.
type ConstantPose struct {
	mu      sync.RWMutex
	value   Transform
	defined bool
}

// NewConstantPose returns a defined constant pose.
func NewConstantPose(tr Transform) *ConstantPose {
	return &ConstantPose{value: tr, defined: true}
}

// PoseAt returns the stored value regardless of t.
func (c *ConstantPose) PoseAt(time.Time) (Transform, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.defined
}

// Set replaces the value and marks it defined.
func (c *ConstantPose) Set(tr Transform) {
	c.mu.Lock()
	c.value = tr
	c.defined = true
	c.mu.Unlock()
}

// Clear marks the pose undefined.
func (c *ConstantPose) Clear() {
	c.mu.Lock()
	c.value = Transform{}
	c.defined = false
	c.mu.Unlock()
}

// PoseSample is one time-stamped pose in a SampledPose.
type PoseSample struct {
	Time      time.Time
	Transform Transform
}

// SampledPose interpolates between time-indexed samples. Positions are
// interpolated linearly and orientations spherically. The pose is undefined
// before the first sample and after the last one.
type SampledPose struct {
	mu      sync.RWMutex
	samples []PoseSample // sorted by Time, unique
}

// NewSampledPose returns a SampledPose holding the given samples.
func NewSampledPose(samples ...PoseSample) *SampledPose {
	s := &SampledPose{}
	s.Add(samples...)
	return s
}

// Add inserts samples, replacing any existing sample at the same instant.
func (s *SampledPose) Add(samples ...PoseSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range samples {
		i := sort.Search(len(s.samples), func(i int) bool {
			return !s.samples[i].Time.Before(in.Time)
		})
		if i < len(s.samples) && s.samples[i].Time.Equal(in.Time) {
			s.samples[i] = in
			continue
		}
		s.samples = append(s.samples, PoseSample{})
		copy(s.samples[i+1:], s.samples[i:])
		s.samples[i] = in
	}
}

// TrimBefore drops samples strictly older than t, keeping one sample at or
// before t so interpolation at t stays defined.
func (s *SampledPose) TrimBefore(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.samples), func(i int) bool {
		return s.samples[i].Time.After(t)
	})
	if i <= 1 {
		return
	}
	s.samples = append(s.samples[:0], s.samples[i-1:]...)
}

// Len returns the number of stored samples.
func (s *SampledPose) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

// Samples returns a copy of the stored samples.
func (s *SampledPose) Samples() []PoseSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PoseSample(nil), s.samples...)
}

// PoseAt interpolates the pose at t.
func (s *SampledPose) PoseAt(t time.Time) (Transform, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.samples)
	if n == 0 || t.Before(s.samples[0].Time) || t.After(s.samples[n-1].Time) {
		return Transform{}, false
	}
	i := sort.Search(n, func(i int) bool {
		return !s.samples[i].Time.Before(t)
	})
	if s.samples[i].Time.Equal(t) {
		return s.samples[i].Transform, true
	}
	a, b := s.samples[i-1], s.samples[i]
	span := b.Time.Sub(a.Time)
	frac := float64(t.Sub(a.Time)) / float64(span)
	return Interpolate(a.Transform, b.Transform, frac), true
}
