// Package tx decouples the posting engine from a concrete storage engine.
// The Postgres and in-memory stores both implement Manager.
package tx

import (
	"context"
)

// Manager runs a unit of work atomically.
//
// Repositories discover the active unit through ctx, so fn must pass the ctx
// it receives to every repository call.
type Manager interface {
	// RunInTransaction executes fn within one atomic unit.
	// If fn returns an error nothing fn wrote becomes visible.
	// Nested calls reuse the existing unit from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReadOnlyManager extends Manager with snapshot reads.
type ReadOnlyManager interface {
	Manager

	// ReadOnly executes fn against one consistent snapshot.
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}
