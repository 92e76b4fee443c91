package order

import (
	"context"
	"sync"
)

// Locker grants exclusive access to the whole task collection. The returned
// function releases the lock and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

// LocalLocker is a process-wide mutex whose acquisition can be abandoned when
// the caller's context ends.
type LocalLocker struct {
	ch chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{ch: make(chan struct{}, 1)}
}

func (l *LocalLocker) Lock(ctx context.Context) (func(), error) {
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-l.ch })
	}, nil
}
