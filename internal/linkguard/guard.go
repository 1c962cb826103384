// Package linkguard serializes use of a shared network link.
package linkguard

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Guard grants exclusive ownership of the link to one exchange at a time.
// A nil *Guard is valid and never blocks.
type Guard struct {
	sem *semaphore.Weighted
}

func New() *Guard {
	return &Guard{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the link is free or ctx is done.
func (g *Guard) Acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire takes the link only if it is free right now.
func (g *Guard) TryAcquire() bool {
	if g == nil {
		return true
	}
	return g.sem.TryAcquire(1)
}

func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.sem.Release(1)
}

// Do runs fn while holding the link. The link is released on every return
// path, including a panic in fn.
func (g *Guard) Do(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}
