// Package order keeps the display order of the task list dense: every task
// holds a unique position in [1, N] and the manager is the only writer of
// that position.
//
// Mutations hold the collection lock for their whole duration and run inside
// a single store transaction. Once the lock is held the caller's cancellation
// is ignored, so a move never stops between parking the task and landing it.
package order

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"tasklist-api/domain"
)

// MoveResult reports where a moved task came from and where it landed.
type MoveResult struct {
	ID               int64
	PreviousPosition int
	NewPosition      int
	// Changed is false when the target equalled the current position.
	Changed bool
	// Affected counts the tasks shifted to make room, excluding the mover.
	Affected int
}

// Manager applies append, remove and move against a PositionStore.
type Manager struct {
	store    domain.PositionStore
	locker   Locker
	logger   *log.Logger
	onChange func(context.Context)
	inst     *instruments
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker replaces the default process-wide lock, e.g. with a lock shared
// by several instances.
func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithOnChange registers a hook run after every committed mutation, used to
// evict read caches.
func WithOnChange(fn func(context.Context)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// WithMeterProvider selects the provider for the manager's metrics. The
// global provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) { m.inst = newInstruments(mp) }
}

// New creates a Manager over store.
func New(store domain.PositionStore, opts ...Option) *Manager {
	if store == nil {
		panic("order.New: store is nil")
	}
	m := &Manager{store: store}
	for _, opt := range opts {
		opt(m)
	}
	if m.locker == nil {
		m.locker = NewLocalLocker()
	}
	if m.logger == nil {
		m.logger = log.StandardLogger()
	}
	if m.inst == nil {
		m.inst = newInstruments(otel.GetMeterProvider())
	}
	return m
}

// Append validates fields and stores a new task at position N+1.
func (m *Manager) Append(ctx context.Context, fields domain.TaskFields) (domain.Task, error) {
	ctx, span := tracer().Start(ctx, "order.append")
	defer span.End()

	fields = fields.Normalize()
	if err := fields.Validate(); err != nil {
		m.inst.record(ctx, span, "append", err, 0)
		return domain.Task{}, err
	}

	var task domain.Task
	err := m.mutate(ctx, func(ctx context.Context, tx domain.Positions) error {
		last, err := tx.MaxPosition(ctx)
		if err != nil {
			return domain.WrapStore("max position", err)
		}
		id, err := tx.Insert(ctx, fields, last+1)
		if err != nil {
			return domain.WrapStore("insert", err)
		}
		task = domain.Task{
			ID:          id,
			Description: fields.Description,
			Value:       fields.Value,
			Deadline:    fields.Deadline,
			Position:    last + 1,
		}
		return nil
	})
	if err == nil {
		span.SetAttributes(attribute.Int64("task.id", task.ID), attribute.Int("order.target", task.Position))
		m.logger.WithFields(log.Fields{"op": "append", "task": task.ID, "to": task.Position}).Debug("task appended")
	}
	m.inst.record(ctx, span, "append", err, 0)
	return task, err
}

// Remove deletes the task and closes the gap it leaves behind.
func (m *Manager) Remove(ctx context.Context, id int64) error {
	ctx, span := tracer().Start(ctx, "order.remove", trace.WithAttributes(attribute.Int64("task.id", id)))
	defer span.End()

	var from, affected int
	err := m.mutate(ctx, func(ctx context.Context, tx domain.Positions) error {
		pos, err := tx.GetPosition(ctx, id)
		if err != nil {
			return domain.WrapStore("get position", err)
		}
		from = pos
		n, err := tx.Delete(ctx, id)
		if err != nil {
			return domain.WrapStore("delete", err)
		}
		if n == 0 {
			return domain.ErrNotFound
		}
		last, err := tx.MaxPosition(ctx)
		if err != nil {
			return domain.WrapStore("max position", err)
		}
		if last <= pos {
			return nil
		}
		// Ascending: each write lands on the slot vacated by the previous one.
		slots, err := tx.QueryByPositionRange(ctx, pos+1, last, domain.Ascending)
		if err != nil {
			return domain.WrapStore("query range", err)
		}
		for _, s := range slots {
			if err := setPosition(ctx, tx, s.ID, s.Position-1); err != nil {
				return err
			}
		}
		affected = len(slots)
		return nil
	})
	span.SetAttributes(attribute.Int("order.previous", from))
	if err == nil {
		m.logger.WithFields(log.Fields{"op": "remove", "task": id, "from": from, "affected": affected}).Debug("task removed")
	}
	m.inst.record(ctx, span, "remove", err, affected)
	return err
}

// Move relocates the task to target, shifting every task between its old and
// new position by one. Moving a task onto its own position is a successful
// no-op reported with Changed=false.
func (m *Manager) Move(ctx context.Context, id int64, target int) (MoveResult, error) {
	ctx, span := tracer().Start(ctx, "order.move", trace.WithAttributes(
		attribute.Int64("task.id", id),
		attribute.Int("order.target", target),
	))
	defer span.End()

	var res MoveResult
	err := m.mutate(ctx, func(ctx context.Context, tx domain.Positions) error {
		cur, err := tx.GetPosition(ctx, id)
		if err != nil {
			return domain.WrapStore("get position", err)
		}
		total, err := tx.CountAll(ctx)
		if err != nil {
			return domain.WrapStore("count", err)
		}
		if target < 1 || target > total {
			return &domain.InvalidRangeError{Min: 1, Max: total, Requested: target}
		}
		res = MoveResult{ID: id, PreviousPosition: cur, NewPosition: cur}
		if target == cur {
			return nil
		}
		affected, err := relocate(ctx, tx, id, cur, target, total)
		if err != nil {
			return err
		}
		res.NewPosition = target
		res.Changed = true
		res.Affected = affected
		return nil
	})
	span.SetAttributes(attribute.Int("order.previous", res.PreviousPosition))
	if err == nil && res.Changed {
		m.logger.WithFields(log.Fields{
			"op":       "move",
			"task":     id,
			"from":     res.PreviousPosition,
			"to":       res.NewPosition,
			"affected": res.Affected,
		}).Debug("task moved")
	}
	m.inst.record(ctx, span, "move", err, res.Affected)
	return res, err
}

// relocate performs park, shift and land for a task at cur moving to tgt in a
// collection of total tasks.
func relocate(ctx context.Context, tx domain.Positions, id int64, cur, tgt, total int) (int, error) {
	lo, hi := min(cur, tgt), max(cur, tgt)
	delta, dir := -1, domain.Ascending
	if cur > tgt {
		delta, dir = 1, domain.Descending
	}
	// Processing away from the vacated slot keeps every write collision free.
	slots, err := tx.QueryByPositionRange(ctx, lo, hi, dir)
	if err != nil {
		return 0, domain.WrapStore("query range", err)
	}
	affected := make([]domain.Slot, 0, len(slots))
	for _, s := range slots {
		if s.ID != id {
			affected = append(affected, s)
		}
	}
	if len(affected) != hi-lo {
		return 0, &domain.InvariantError{
			Position: lo,
			Reason:   fmt.Sprintf("expected %d tasks between %d and %d, found %d", hi-lo, lo, hi, len(affected)),
		}
	}

	sentinel := total + 1
	if err := setPosition(ctx, tx, id, sentinel); err != nil {
		return 0, err
	}
	for _, s := range affected {
		if err := setPosition(ctx, tx, s.ID, s.Position+delta); err != nil {
			return 0, err
		}
	}
	if err := setPosition(ctx, tx, id, tgt); err != nil {
		return 0, err
	}
	return len(affected), nil
}

func setPosition(ctx context.Context, tx domain.Positions, id int64, pos int) error {
	n, err := tx.SetPosition(ctx, id, pos)
	if err != nil {
		return domain.WrapStore("set position", err)
	}
	if n == 0 {
		return domain.WrapStore("set position", fmt.Errorf("task %d: no rows affected", id))
	}
	return nil
}

// mutate runs fn under the collection lock inside one store transaction.
func (m *Manager) mutate(ctx context.Context, fn func(context.Context, domain.Positions) error) error {
	unlock, err := m.locker.Lock(ctx)
	if err != nil {
		return fmt.Errorf("acquire order lock: %w", err)
	}
	defer unlock()

	ctx = context.WithoutCancel(ctx)
	err = m.store.Atomically(ctx, func(tx domain.Positions) error {
		return fn(ctx, tx)
	})
	if err == nil && m.onChange != nil {
		m.onChange(ctx)
	}
	return err
}
