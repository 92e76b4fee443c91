package api

import (
	"context"

	"tasklist-api/domain"
	"tasklist-api/order"
)

// Orderer is the order manager as seen by the handlers.
type Orderer interface {
	Append(ctx context.Context, fields domain.TaskFields) (domain.Task, error)
	Remove(ctx context.Context, id int64) error
	Move(ctx context.Context, id int64, target int) (order.MoveResult, error)
	Check(ctx context.Context) error
}

// Store serves reads and field edits. Positions are never written through it.
type Store interface {
	domain.TaskReader
	domain.TaskWriter
}

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deduper rejects replayed create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, key string) (bool, error)
	// Remove deletes a previously added key, used when the create fails.
	Remove(ctx context.Context, key string) error
}

// Deps groups what Register needs. Deduper may be nil.
type Deps struct {
	Orders  Orderer
	Tasks   Store
	Health  Pinger
	Deduper Deduper
}
