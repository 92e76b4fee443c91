package order

import (
	"context"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"tasklist-api/domain"
)

// The position column is a 32-bit integer; these bounds select every row.
const (
	lowestPosition  = math.MinInt32
	highestPosition = math.MaxInt32
)

// Check verifies that positions form exactly 1..N. It takes no lock and reads
// a committed snapshot, read-only when the store supports it.
func (m *Manager) Check(ctx context.Context) error {
	view := m.store.Atomically
	if r, ok := m.store.(domain.SnapshotReader); ok {
		view = r.ReadSnapshot
	}
	return view(ctx, func(tx domain.Positions) error {
		slots, err := tx.QueryByPositionRange(ctx, lowestPosition, highestPosition, domain.Ascending)
		if err != nil {
			return domain.WrapStore("query range", err)
		}
		return verify(slots)
	})
}

func verify(slots []domain.Slot) error {
	for i, s := range slots {
		want := i + 1
		switch {
		case s.Position == want:
			continue
		case i > 0 && s.Position == slots[i-1].Position:
			return &domain.InvariantError{Position: s.Position, Reason: fmt.Sprintf("duplicate position held by tasks %d and %d", slots[i-1].ID, s.ID)}
		case s.Position < 1:
			return &domain.InvariantError{Position: s.Position, Reason: fmt.Sprintf("task %d below range", s.ID)}
		default:
			return &domain.InvariantError{Position: want, Reason: fmt.Sprintf("gap before task %d at %d", s.ID, s.Position)}
		}
	}
	return nil
}

// Renumber rewrites positions to 1..N keeping the current relative order
// (ties broken by id). It returns the number of tasks whose position changed.
func (m *Manager) Renumber(ctx context.Context) (int, error) {
	ctx, span := tracer().Start(ctx, "order.renumber")
	defer span.End()

	var changed int
	err := m.mutate(ctx, func(ctx context.Context, tx domain.Positions) error {
		slots, err := tx.QueryByPositionRange(ctx, lowestPosition, highestPosition, domain.Ascending)
		if err != nil {
			return domain.WrapStore("query range", err)
		}
		var moved []int
		for i, s := range slots {
			if s.Position != i+1 {
				moved = append(moved, i)
			}
		}
		if len(moved) == 0 {
			return nil
		}
		// Park every misplaced task in a free band outside 1..N, then land it,
		// so no write can collide with a position still in use.
		base, ok := parkingBand(slots, len(slots), len(moved))
		if !ok {
			return &domain.InvariantError{
				Position: highestPosition,
				Reason:   fmt.Sprintf("no %d free positions left to renumber through", len(moved)),
			}
		}
		for j, i := range moved {
			if err := setPosition(ctx, tx, slots[i].ID, base+j); err != nil {
				return err
			}
		}
		for _, i := range moved {
			if err := setPosition(ctx, tx, slots[i].ID, i+1); err != nil {
				return err
			}
		}
		changed = len(moved)
		return nil
	})
	if err == nil && changed > 0 {
		m.logger.WithFields(log.Fields{"op": "renumber", "affected": changed}).Info("task order renumbered")
	}
	m.inst.record(ctx, span, "renumber", err, changed)
	return changed, err
}

// parkingBand returns the start of k consecutive unoccupied positions outside
// [1, n] that fit the position column, preferring the lowest band above n.
// slots must be sorted by ascending position.
func parkingBand(slots []domain.Slot, n, k int) (int, bool) {
	start := n + 1
	for _, s := range slots {
		if s.Position < start {
			continue
		}
		if s.Position-start >= k {
			return start, true
		}
		start = s.Position + 1
	}
	if highestPosition-start+1 >= k {
		return start, true
	}

	end := 0
	for i := len(slots) - 1; i >= 0; i-- {
		p := slots[i].Position
		if p > end {
			continue
		}
		if end-p >= k {
			return end - k + 1, true
		}
		end = p - 1
	}
	if end-lowestPosition+1 >= k {
		return end - k + 1, true
	}
	return 0, false
}
