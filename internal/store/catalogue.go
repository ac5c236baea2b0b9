package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/posesync/internal/frames"
)

// Source kinds stored in entities.source_kind.
const (
	SourceNone     = "none"
	SourceConstant = "constant"
	SourceSampled  = "sampled"
)

// errNotSampled is returned by AppendSamples for entities whose stored
// source is not sampled.
var errNotSampled = errors.New("entity source is not sampled")

// EntityRecord is one row of the entities table.
type EntityRecord struct {
	ID             string
	ReferenceFrame frames.ReferenceFrame
	SourceKind     string
}

// SaveEntity writes e's reference frame and pose source. A ConstantPose is
// stored as its current value (or no sample if cleared), a SampledPose as all
// of its samples. Any other source is stored as frame-only.
func (s *Store) SaveEntity(ctx context.Context, e *frames.Entity) error {
	kind := SourceNone
	var samples []frames.PoseSample
	switch src := e.Source().(type) {
	case *frames.ConstantPose:
		kind = SourceConstant
		if tr, ok := src.PoseAt(time.Time{}); ok {
			samples = []frames.PoseSample{{Transform: tr}}
		}
	case *frames.SampledPose:
		kind = SourceSampled
		samples = src.Samples()
	}

	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save %q: %w", e.ID(), err)
	}
	defer tx.Rollback()

	frame := e.ReferenceFrame()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (entity_id, fixed_frame, frame_entity, source_kind, updated_at)
		VALUES (?, ?, ?, ?, UNIXEPOCH('subsec'))
		ON CONFLICT(entity_id) DO UPDATE SET
			fixed_frame = excluded.fixed_frame,
			frame_entity = excluded.frame_entity,
			source_kind = excluded.source_kind,
			updated_at = excluded.updated_at
	`, e.ID(), int(frame.FixedFrame()), frame.EntityID(), kind); err != nil {
		return fmt.Errorf("failed to save entity %q: %w", e.ID(), err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pose_samples WHERE entity_id = ?`, e.ID()); err != nil {
		return fmt.Errorf("failed to reset samples for %q: %w", e.ID(), err)
	}
	if err := insertSamples(ctx, tx, e.ID(), samples); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendSamples adds samples to a stored entity, replacing any with the same
// time. The entity must already have been saved.
func (s *Store) AppendSamples(ctx context.Context, id string, samples []frames.PoseSample) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append %q: %w", id, err)
	}
	defer tx.Rollback()

	var kind string
	err = tx.QueryRowContext(ctx, `SELECT source_kind FROM entities WHERE entity_id = ?`, id).Scan(&kind)
	if err == sql.ErrNoRows {
		return fmt.Errorf("append samples %q: %w", id, frames.ErrUnknownEntity)
	}
	if err != nil {
		return fmt.Errorf("failed to look up %q: %w", id, err)
	}
	if kind != SourceSampled {
		return fmt.Errorf("append samples %q: %w (%s)", id, errNotSampled, kind)
	}
	if err := insertSamples(ctx, tx, id, samples); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSamples(ctx context.Context, tx *sql.Tx, id string, samples []frames.PoseSample) error {
	if len(samples) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pose_samples (entity_id, time_ns, px, py, pz, qx, qy, qz, qw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, time_ns) DO UPDATE SET
			px = excluded.px, py = excluded.py, pz = excluded.pz,
			qx = excluded.qx, qy = excluded.qy, qz = excluded.qz, qw = excluded.qw
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for _, smp := range samples {
		p := smp.Transform.PositionArray()
		q := smp.Transform.OrientationArray()
		if _, err := stmt.ExecContext(ctx, id, timeNanos(smp.Time), p[0], p[1], p[2], q[0], q[1], q[2], q[3]); err != nil {
			return fmt.Errorf("failed to insert sample for %q: %w", id, err)
		}
	}
	return nil
}

// DeleteEntity removes an entity and its samples. Deleting an unknown id is
// not an error.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	if _, err := s.ExecContext(ctx, `DELETE FROM entities WHERE entity_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entity %q: %w", id, err)
	}
	return nil
}

// Entities returns every stored entity ordered by id.
func (s *Store) Entities(ctx context.Context) ([]EntityRecord, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT entity_id, fixed_frame, frame_entity, source_kind
		FROM entities ORDER BY entity_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []EntityRecord
	for rows.Next() {
		var (
			rec    EntityRecord
			fixed  int
			entity string
		)
		if err := rows.Scan(&rec.ID, &fixed, &entity, &rec.SourceKind); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if fixed != 0 {
			rec.ReferenceFrame = frames.Fixed(frames.FixedFrame(fixed))
		} else {
			rec.ReferenceFrame = frames.EntityFrame(entity)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Samples returns the stored samples of id in time order.
func (s *Store) Samples(ctx context.Context, id string) ([]frames.PoseSample, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT time_ns, px, py, pz, qx, qy, qz, qw
		FROM pose_samples WHERE entity_id = ? ORDER BY time_ns
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples for %q: %w", id, err)
	}
	defer rows.Close()

	var out []frames.PoseSample
	for rows.Next() {
		var (
			ns int64
			p  [3]float64
			q  [4]float64
		)
		if err := rows.Scan(&ns, &p[0], &p[1], &p[2], &q[0], &q[1], &q[2], &q[3]); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		out = append(out, frames.PoseSample{Time: fromNanos(ns), Transform: frames.NewTransform(p, q)})
	}
	return out, rows.Err()
}

// LoadInto adds every stored entity to g, or updates the frame and source of
// entities g already holds. It returns the number of entities loaded.
func (s *Store) LoadInto(ctx context.Context, g *frames.Graph) (int, error) {
	recs, err := s.Entities(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		samples, err := s.Samples(ctx, rec.ID)
		if err != nil {
			return 0, err
		}
		var src frames.PoseSource
		switch rec.SourceKind {
		case SourceConstant:
			c := frames.NewConstantPose(frames.Identity())
			if len(samples) > 0 {
				c.Set(samples[0].Transform)
			} else {
				c.Clear()
			}
			src = c
		case SourceSampled:
			src = frames.NewSampledPose(samples...)
		}

		if e, ok := g.Get(rec.ID); ok {
			e.SetReferenceFrame(rec.ReferenceFrame)
			e.SetSource(src)
			continue
		}
		if err := g.Add(frames.NewEntity(rec.ID, rec.ReferenceFrame, src)); err != nil {
			return 0, fmt.Errorf("load %q: %w", rec.ID, err)
		}
	}
	s.logf("loaded %d entities", len(recs))
	return len(recs), nil
}

// The zero time is stored as 0 so constant poses round-trip.
func timeNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
