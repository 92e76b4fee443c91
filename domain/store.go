package domain

import "context"

// Positions is the slice of the task store the order manager works through.
// Every call is a point read or a single-row write.
type Positions interface {
	// GetPosition returns ErrNotFound when the id does not exist.
	GetPosition(ctx context.Context, id int64) (int, error)
	CountAll(ctx context.Context) (int, error)
	// MaxPosition returns 0 for an empty collection.
	MaxPosition(ctx context.Context) (int, error)
	// QueryByPositionRange returns the tasks with lo <= position <= hi,
	// ordered by position in the given direction (ties broken by id).
	QueryByPositionRange(ctx context.Context, lo, hi int, dir Direction) ([]Slot, error)
	SetPosition(ctx context.Context, id int64, position int) (int64, error)
	Insert(ctx context.Context, fields TaskFields, position int) (int64, error)
	Delete(ctx context.Context, id int64) (int64, error)
}

// PositionStore runs fn against a transactional view of the store: either
// every write fn performs is kept, or none is.
type PositionStore interface {
	Atomically(ctx context.Context, fn func(Positions) error) error
}

// SnapshotReader is implemented by stores that can serve a consistent,
// read-only view of the positions without taking write locks. fn must not
// write.
type SnapshotReader interface {
	ReadSnapshot(ctx context.Context, fn func(Positions) error) error
}

// TaskReader serves the read side of the task API.
type TaskReader interface {
	List(ctx context.Context) ([]Task, error)
	Search(ctx context.Context, term string) ([]Task, error)
	Count(ctx context.Context) (int, error)
	Get(ctx context.Context, id int64) (Task, error)
}

// TaskWriter updates the client editable fields of an existing task.
type TaskWriter interface {
	UpdateFields(ctx context.Context, id int64, fields TaskFields) error
}
