package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posesync/internal/frames"
	"github.com/banshee-data/posesync/internal/wire"
)

func state(id string, x float64, frame frames.ReferenceFrame) *wire.EntityState {
	return &wire.EntityState{ID: id, Position: [3]float64{x, 0, 0}, Orientation: [4]float64{0, 0, 0, 1}, ReferenceFrame: frame}
}

func TestRecorder_AppendsSampledHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fixed := frames.Fixed(frames.FixedGlobal)
	require.NoError(t, s.SaveEntity(ctx, frames.NewEntity("eye", fixed, frames.NewConstantPose(frames.Identity()))))

	r := NewRecorder(s, 8)
	r.Record(&wire.StateUpdate{Time: t0, States: map[string]*wire.EntityState{
		"ball":   state("ball", 1, frames.EntityFrame("device")),
		"device": state("device", 10, fixed),
		"eye":    state("eye", 5, fixed),
		"lamp":   nil,
	}})
	r.Record(&wire.StateUpdate{Time: t0.Add(time.Second), States: map[string]*wire.EntityState{
		"ball": state("ball", 2, frames.EntityFrame("device")),
		"eye":  state("eye", 6, fixed),
	}})

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, r.Run(runCtx), "cancelled run still drains the queue")
	assert.Equal(t, uint64(3), r.Written())

	samples, err := s.Samples(ctx, "ball")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, [3]float64{2, 0, 0}, samples[1].Transform.PositionArray())

	recs, err := s.Entities(ctx)
	require.NoError(t, err)
	kinds := map[string]string{}
	for _, rec := range recs {
		kinds[rec.ID] = rec.SourceKind
	}
	assert.Equal(t, map[string]string{"ball": SourceSampled, "device": SourceSampled, "eye": SourceConstant}, kinds)

	eye, err := s.Samples(ctx, "eye")
	require.NoError(t, err)
	require.Len(t, eye, 1)
	assert.Equal(t, [3]float64{0, 0, 0}, eye[0].Transform.PositionArray(), "constant entities are not overwritten")
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	r := NewRecorder(openTestStore(t), 1)
	r.Record(&wire.StateUpdate{})
	r.Record(&wire.StateUpdate{})
	assert.Equal(t, uint64(1), r.Dropped())
}
