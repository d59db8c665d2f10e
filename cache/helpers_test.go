package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

// frame is an image asset with an optional shared cache key.
type frame struct {
	size   int64
	shared string
}

func (f frame) SizeInBytes() int64     { return f.size }
func (f frame) SharedCacheKey() string { return f.shared }

// volume is a volume asset listing its frames.
type volume struct {
	size int64
	keys []string
}

func (v volume) SizeInBytes() int64  { return v.size }
func (v volume) ImageKeys() []string { return v.keys }

// hooks counts Cancel/Release invocations of a handle.
type hooks struct {
	cancels  atomic.Int64
	releases atomic.Int64
}

func (h *hooks) handle(f Future) LoadHandle {
	return LoadHandle{
		Future:  f,
		Cancel:  func() { h.cancels.Add(1) },
		Release: func() { h.releases.Add(1) },
	}
}

// recorder collects events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) on(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) keys(t EventType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev.Key)
		}
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestCache(t *testing.T, budget int64, clk Clock) *cache {
	t.Helper()
	c := New(Options{MaxBudget: budget, Clock: clk}).(*cache)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// putImage puts an already-resolved image and waits for its settlement.
func putImage(t *testing.T, c Cache, key string, size int64) {
	t.Helper()
	p, err := c.PutImage(key, Resolved(Bytes(size)))
	require.NoError(t, err)
	require.NoError(t, p.Wait(waitCtx(t)))
	require.True(t, p.Committed(), "image %q must commit", key)
}

// putVolume puts an already-resolved volume and returns its settlement error.
func putVolume(t *testing.T, c Cache, key string, size int64, members []string) error {
	t.Helper()
	p, err := c.PutVolume(key, VolumeHandle{LoadHandle: Resolved(Bytes(size)), ImageKeys: members})
	require.NoError(t, err)
	return p.Wait(waitCtx(t))
}

func (c *cache) hasImage(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.images.has(key)
}

func (c *cache) hasVolume(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volumes.has(key)
}

// assertBudget checks the tier counters against the tables and the ceiling.
func assertBudget(t *testing.T, c *cache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var img, vol int64
	for rec := range c.images.all() {
		if rec.Loaded {
			img += rec.SizeInBytes
		}
	}
	for rec := range c.volumes.all() {
		if rec.Loaded {
			vol += rec.SizeInBytes
		}
	}
	require.Equal(t, img, c.acct.imageBytes, "image tier counter drifted")
	require.Equal(t, vol, c.acct.volumeBytes, "volume tier counter drifted")
	require.LessOrEqual(t, c.acct.total(), c.acct.max, "budget exceeded")
}
