package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"tasklist-api/domain"
)

// ErrDuplicatePosition mirrors the unique index on display_order.
var ErrDuplicatePosition = errors.New("duplicate entry for display_order")

// ErrReadOnly is returned by writes attempted inside ReadSnapshot.
var ErrReadOnly = errors.New("write in read-only snapshot")

// Memory is an in-process task store. It enforces the same uniqueness rule
// on positions as the MySQL schema and backs the "memory" storage driver.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]domain.Task
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[int64]domain.Task)}
}

// Atomically runs fn with exclusive access to the store and restores the
// previous state when fn fails.
func (m *Memory) Atomically(ctx context.Context, fn func(domain.Positions) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := maps.Clone(m.tasks)
	nextID := m.nextID
	if err := fn(memTx{m: m}); err != nil {
		m.tasks = snapshot
		m.nextID = nextID
		return err
	}
	return nil
}

// ReadSnapshot runs fn against the current state without allowing writes.
func (m *Memory) ReadSnapshot(ctx context.Context, fn func(domain.Positions) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(memTx{m: m, readOnly: true})
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

func (m *Memory) List(ctx context.Context) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(domain.Task) bool { return true }), nil
}

func (m *Memory) Search(ctx context.Context, term string) ([]domain.Task, error) {
	needle := strings.ToLower(term)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(t domain.Task) bool {
		return strings.Contains(strings.ToLower(t.Description), needle)
	}), nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks), nil
}

func (m *Memory) Get(ctx context.Context, id int64) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *Memory) UpdateFields(ctx context.Context, id int64, fields domain.TaskFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Description = fields.Description
	t.Value = fields.Value
	t.Deadline = fields.Deadline
	m.tasks[id] = t
	return nil
}

func (m *Memory) sorted(keep func(domain.Task) bool) []domain.Task {
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b domain.Task) int {
		if a.Position != b.Position {
			return a.Position - b.Position
		}
		return int(a.ID - b.ID)
	})
	return out
}

func (m *Memory) occupied(pos int, except int64) bool {
	for id, t := range m.tasks {
		if id != except && t.Position == pos {
			return true
		}
	}
	return false
}

// memTx is the view handed to Atomically and ReadSnapshot callbacks; the
// store mutex is already held.
type memTx struct {
	m        *Memory
	readOnly bool
}

func (tx memTx) GetPosition(ctx context.Context, id int64) (int, error) {
	t, ok := tx.m.tasks[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return t.Position, nil
}

func (tx memTx) CountAll(ctx context.Context) (int, error) {
	return len(tx.m.tasks), nil
}

func (tx memTx) MaxPosition(ctx context.Context) (int, error) {
	top := 0
	for _, t := range tx.m.tasks {
		top = max(top, t.Position)
	}
	return top, nil
}

func (tx memTx) QueryByPositionRange(ctx context.Context, lo, hi int, dir domain.Direction) ([]domain.Slot, error) {
	var out []domain.Slot
	for _, t := range tx.m.tasks {
		if t.Position >= lo && t.Position <= hi {
			out = append(out, domain.Slot{ID: t.ID, Position: t.Position})
		}
	}
	slices.SortFunc(out, func(a, b domain.Slot) int {
		c := a.Position - b.Position
		if c == 0 {
			c = int(a.ID - b.ID)
		}
		if dir == domain.Descending {
			return -c
		}
		return c
	})
	return out, nil
}

func (tx memTx) SetPosition(ctx context.Context, id int64, position int) (int64, error) {
	if tx.readOnly {
		return 0, ErrReadOnly
	}
	t, ok := tx.m.tasks[id]
	if !ok {
		return 0, nil
	}
	if tx.m.occupied(position, id) {
		return 0, fmt.Errorf("set task %d to %d: %w", id, position, ErrDuplicatePosition)
	}
	t.Position = position
	tx.m.tasks[id] = t
	return 1, nil
}

func (tx memTx) Insert(ctx context.Context, fields domain.TaskFields, position int) (int64, error) {
	if tx.readOnly {
		return 0, ErrReadOnly
	}
	if tx.m.occupied(position, 0) {
		return 0, fmt.Errorf("insert at %d: %w", position, ErrDuplicatePosition)
	}
	tx.m.nextID++
	id := tx.m.nextID
	tx.m.tasks[id] = domain.Task{
		ID:          id,
		Description: fields.Description,
		Value:       fields.Value,
		Deadline:    fields.Deadline,
		Position:    position,
	}
	return id, nil
}

func (tx memTx) Delete(ctx context.Context, id int64) (int64, error) {
	if tx.readOnly {
		return 0, ErrReadOnly
	}
	if _, ok := tx.m.tasks[id]; !ok {
		return 0, nil
	}
	delete(tx.m.tasks, id)
	return 1, nil
}
