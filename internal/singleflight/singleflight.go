// Package singleflight coalesces concurrent loads of the same key.
package singleflight

import (
	"context"
	"sync"
)

// Group runs fn at most once per key among overlapping callers. Followers
// wait for the leader's result.
//
// Concurrency notes:
//   - The first caller for a key becomes the leader and runs fn.
//   - Publishing (val, err) happens-before close(done), so followers that
//     observe done read the final values.
//   - A follower whose ctx ends returns ctx.Err(); the leader keeps going.
//     Cancellation of the work itself is fn's business.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*flight[V]
}

type flight[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Do runs fn for key unless a flight for key is already running, in which
// case it waits for that flight's result. Every caller of one flight gets
// the same (V, error).
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*flight[V])
	}
	if f, ok := g.m[key]; ok {
		g.mu.Unlock()

		select {
		case <-f.done:
			return f.val, f.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}

	f := &flight[V]{done: make(chan struct{})}
	g.m[key] = f
	g.mu.Unlock()

	// Clear the marker even if fn panics, so the key is not wedged.
	defer func() {
		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()
		close(f.done)
	}()

	f.val, f.err = fn()
	return f.val, f.err
}

// InFlight returns the number of keys with a running flight.
func (g *Group[K, V]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
