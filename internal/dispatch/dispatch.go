// Package dispatch runs independent tasks under a fixed concurrency limit.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit is used when a non-positive limit is given.
const DefaultLimit = 5

// PanicError is passed to the failure handler when a task panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Run executes work for every item with at most limit tasks in flight and
// returns one result per item, out[i] belonging to items[i]. A panicking task
// does not affect its siblings: its slot is filled by onFailure instead.
// Tasks are admitted in input order as slots free up. Run waits for every task.
func Run[T, R any](ctx context.Context, limit int, items []T, work func(ctx context.Context, item T) R, onFailure func(item T, err error) R) []R {
	if limit <= 0 {
		limit = DefaultLimit
	}
	out := make([]R, len(items))

	// A plain Group: one task's failure must not cancel the others.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			out[i] = guard(ctx, item, work, onFailure)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func guard[T, R any](ctx context.Context, item T, work func(context.Context, T) R, onFailure func(T, error) R) (res R) {
	defer func() {
		if r := recover(); r != nil {
			res = onFailure(item, &PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	return work(ctx, item)
}
