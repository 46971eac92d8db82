package testutil

import (
	"context"

	"github.com/kbukum/registrar/component"
)

// TestComponent is a component.Component that tests can also rewind.
// The miniredis component and the in-memory discovery component implement
// it so a test can start them through the same lifecycle as production
// code and isolate cases with Reset or Snapshot/Restore.
type TestComponent interface {
	component.Component

	// Reset returns the component to its freshly started state.
	Reset(ctx context.Context) error

	// Snapshot captures the current state for a later Restore.
	Snapshot(ctx context.Context) (interface{}, error)

	// Restore rewinds to a value returned by Snapshot.
	Restore(ctx context.Context, snapshot interface{}) error
}
