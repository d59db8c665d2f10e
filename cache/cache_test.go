package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Put -> await -> lookup returns the reported size, and the accounted total
// grows by exactly that amount.
func TestCache_PutImage_RoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 1000, nil)
	putImage(t, c, "base", 100)
	before := c.TotalBytes()

	p, err := c.PutImage("wadouri:http://pacs/1", Resolved(frame{size: 123, shared: "buf-1"}))
	require.NoError(t, err)
	require.NoError(t, p.Wait(waitCtx(t)))

	e, ok := c.ImageByURI("wadouri:http://pacs/1")
	require.True(t, ok)
	assert.True(t, e.Loaded)
	assert.Equal(t, int64(123), e.SizeInBytes)
	assert.Equal(t, "buf-1", e.SharedCacheKey)
	assert.Equal(t, before+123, c.TotalBytes())
	assert.Equal(t, c.MaxBudget()-c.TotalBytes(), c.BytesAvailable())
	assertBudget(t, c)
}

// A second put for a key whose first load is still pending must fail
// synchronously with DuplicateKey, in either tier.
func TestCache_PutImage_DuplicateWhilePending(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 1000, nil)
	pr := NewPromise()
	p, err := c.PutImage("A", LoadHandle{Future: pr})
	require.NoError(t, err)

	_, err = c.PutImage("A", Resolved(Bytes(1)))
	require.ErrorIs(t, err, ErrDuplicateKey)
	assert.Equal(t, CodeDuplicateKey, CodeOf(err))

	_, err = c.PutVolume("A", VolumeHandle{LoadHandle: Resolved(Bytes(1))})
	require.ErrorIs(t, err, ErrDuplicateKey, "key must be unique across tiers")

	pr.Resolve(Bytes(10))
	require.NoError(t, p.Wait(waitCtx(t)))

	_, err = c.PutImage("A", Resolved(Bytes(1)))
	require.ErrorIs(t, err, ErrDuplicateKey, "committed keys are duplicates too")
}

// Malformed calls are rejected synchronously.
func TestCache_InvalidArguments(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 1000, nil)

	_, err := c.PutImage("", Resolved(Bytes(1)))
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.PutImage("k", LoadHandle{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.PutVolume("v", VolumeHandle{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.ErrorIs(t, c.SetMaxBudget(0), ErrInvalidArgument)
	require.ErrorIs(t, c.SetMaxBudget(-5), ErrInvalidArgument)
	require.ErrorIs(t, c.RemoveImage(""), ErrInvalidArgument)
	require.ErrorIs(t, c.RemoveImage("missing"), ErrNotFound)
	require.ErrorIs(t, c.RemoveVolume("missing"), ErrNotFound)
}

// The budget can change only while the cache is empty.
func TestCache_SetMaxBudget_LockedWhileNonEmpty(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 1000, nil)
	require.NoError(t, c.SetMaxBudget(500))
	assert.Equal(t, int64(500), c.MaxBudget())

	putImage(t, c, "a", 10)
	require.ErrorIs(t, c.SetMaxBudget(2000), ErrInvalidArgument)
	assert.Equal(t, int64(500), c.MaxBudget())

	c.Purge()
	require.NoError(t, c.SetMaxBudget(2000))
	assert.Equal(t, int64(2000), c.MaxBudget())
}

// The image tier counts as reclaimable headroom; the boundary is inclusive.
func TestCache_IsCacheable(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	assert.True(t, c.IsCacheable(100))
	assert.False(t, c.IsCacheable(101))

	putImage(t, c, "img", 60)
	require.NoError(t, putVolume(t, c, "vol", 30, nil))

	// available 10 + image tier 60
	assert.True(t, c.IsCacheable(70))
	assert.False(t, c.IsCacheable(71))
}

// With timestamps t1 < t2 < t3 and room for one more frame only after one
// eviction, the t1 frame goes and the others stay.
func TestCache_Evict_LeastRecentlyTouched(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	c := newTestCache(t, 30, clk)

	for _, k := range []string{"t1", "t2", "t3"} {
		clk.add(time.Millisecond)
		putImage(t, c, k, 10)
	}
	clk.add(time.Millisecond)
	putImage(t, c, "t4", 10)

	assert.False(t, c.hasImage("t1"))
	assert.True(t, c.hasImage("t2"))
	assert.True(t, c.hasImage("t3"))
	assert.True(t, c.hasImage("t4"))
	assertBudget(t, c)
}

// Reading refreshes the timestamp, so a read frame outlives older ones.
func TestCache_Evict_ReadRefreshesTimestamp(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	c := newTestCache(t, 30, clk)
	for _, k := range []string{"a", "b", "c"} {
		clk.add(time.Millisecond)
		putImage(t, c, k, 10)
	}

	clk.add(time.Millisecond)
	_, ok := c.Image("a")
	require.True(t, ok)

	clk.add(time.Millisecond)
	putImage(t, c, "d", 10)

	assert.True(t, c.hasImage("a"), "a was touched last")
	assert.False(t, c.hasImage("b"), "b is now the oldest")
}

// Equal timestamps fall back to insertion order.
func TestCache_Evict_TieBreakInsertionOrder(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{} // never advanced: every timestamp is equal
	c := newTestCache(t, 30, clk)
	for _, k := range []string{"first", "second", "third"} {
		putImage(t, c, k, 10)
	}
	putImage(t, c, "fourth", 20)

	assert.False(t, c.hasImage("first"))
	assert.False(t, c.hasImage("second"))
	assert.True(t, c.hasImage("third"))
	assert.True(t, c.hasImage("fourth"))
}

// An oversized image is refused, the reservation rolled back and the key
// freed; the refused asset is released.
func TestCache_PutImage_CapacityExceeded(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	var h hooks
	pr := NewPromise()
	pr.Resolve(Bytes(150))
	p, err := c.PutImage("A", h.handle(pr))
	require.NoError(t, err)

	err = p.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.True(t, IsRetryable(err))
	assert.False(t, p.Committed())

	s := c.Stats()
	assert.Zero(t, s.ImageEntries)
	assert.Zero(t, s.TotalBytes())
	assert.Equal(t, int64(1), h.releases.Load())
	assert.Zero(t, h.cancels.Load())

	putImage(t, c, "A", 50)
}

// A failing load removes the reservation and surfaces the original error.
func TestCache_PutImage_LoadFailure(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	boom := errors.New("decode failed")
	pr := NewPromise()
	p, err := c.PutImage("A", LoadHandle{Future: pr})
	require.NoError(t, err)

	pr.Reject(boom)
	err = p.Wait(waitCtx(t))
	require.ErrorIs(t, err, boom)
	assert.False(t, IsRetryable(err))
	assert.False(t, c.hasImage("A"))

	putImage(t, c, "A", 10)
}

// An asset with a negative size is a hard failure for the caller.
func TestCache_PutImage_MalformedAsset(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	var h hooks
	pr := NewPromise()
	pr.Resolve(Bytes(-1))
	p, err := c.PutImage("A", h.handle(pr))
	require.NoError(t, err)
	require.ErrorIs(t, p.Wait(waitCtx(t)), ErrInvalidArgument)
	assert.False(t, c.hasImage("A"))
	assert.Equal(t, int64(1), h.releases.Load())

	pr2 := NewPromise()
	pr2.Resolve(nil)
	p, err = c.PutImage("B", LoadHandle{Future: pr2})
	require.NoError(t, err)
	require.ErrorIs(t, p.Wait(waitCtx(t)), ErrInvalidArgument)
}

// Purge before the load settles: the late result re-creates nothing and
// raises nothing.
func TestCache_RaceDiscard_PurgeBeforeSettle(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	var rec recorder
	c.Subscribe(rec.on)

	var h hooks
	pr := NewPromise()
	p, err := c.PutImage("A", h.handle(pr))
	require.NoError(t, err)

	c.Purge()
	assert.Equal(t, int64(1), h.cancels.Load(), "purge cancels pending loads")
	assert.Equal(t, int64(1), h.releases.Load())

	pr.Resolve(Bytes(10))
	require.NoError(t, p.Wait(waitCtx(t)))
	assert.True(t, p.Discarded())
	assert.False(t, p.Committed())
	assert.False(t, c.hasImage("A"))
	assert.Zero(t, c.TotalBytes())
	assert.Zero(t, rec.count(EventImageAdded))
	assert.Equal(t, 1, rec.count(EventImageRemoved))
}

// A stale settlement must not commit into a newer reservation of the key.
func TestCache_RaceDiscard_StaleSettlementLeavesNewReservation(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	old := NewPromise()
	p1, err := c.PutImage("A", LoadHandle{Future: old})
	require.NoError(t, err)
	require.NoError(t, c.RemoveImage("A"))

	fresh := NewPromise()
	p2, err := c.PutImage("A", LoadHandle{Future: fresh})
	require.NoError(t, err)

	old.Resolve(Bytes(90))
	require.NoError(t, p1.Wait(waitCtx(t)))
	assert.True(t, p1.Discarded())

	e, ok := c.ImageByURI("A")
	require.True(t, ok)
	assert.False(t, e.Loaded, "new reservation must still be pending")
	assert.Zero(t, c.TotalBytes())

	fresh.Resolve(Bytes(20))
	require.NoError(t, p2.Wait(waitCtx(t)))
	assert.Equal(t, int64(20), c.TotalBytes())
}

// Purging twice is safe; the second call emits nothing.
func TestCache_Purge_Idempotent(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 1000, nil)
	putImage(t, c, "i1", 10)
	putImage(t, c, "i2", 10)
	require.NoError(t, putVolume(t, c, "v1", 100, []string{"i1"}))

	var rec recorder
	c.Subscribe(rec.on)

	c.Purge()
	assert.Equal(t, 2, rec.count(EventImageRemoved))
	assert.Equal(t, 1, rec.count(EventVolumeRemoved))
	assert.Equal(t, []string{"i1", "i2"}, rec.keys(EventImageRemoved))
	n := rec.len()

	c.Purge()
	assert.Equal(t, n, rec.len())
	assert.Equal(t, Stats{MaxBudget: 1000}, c.Stats())
}

// Removing a pending entry cancels and releases it; the load then discards.
func TestCache_RemoveImage_Pending(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	var h hooks
	pr := NewPromise()
	p, err := c.PutImage("A", h.handle(pr))
	require.NoError(t, err)

	require.NoError(t, c.RemoveImage("A"))
	assert.Equal(t, int64(1), h.cancels.Load())
	assert.Equal(t, int64(1), h.releases.Load())
	require.ErrorIs(t, c.RemoveImage("A"), ErrNotFound)

	pr.Resolve(Bytes(5))
	require.NoError(t, p.Wait(waitCtx(t)))
	assert.True(t, p.Discarded())
}

// Removing a committed entry returns its bytes to the budget.
func TestCache_RemoveVolume_ReleasesBytes(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	var rec recorder
	c.Subscribe(rec.on)

	require.NoError(t, putVolume(t, c, "vol", 80, nil))
	assert.Equal(t, int64(80), c.TotalBytes())
	assert.Equal(t, 1, rec.count(EventVolumeAdded))

	require.NoError(t, c.RemoveVolume("vol"))
	assert.Zero(t, c.TotalBytes())
	assert.Equal(t, 1, rec.count(EventVolumeRemoved))
	_, ok := c.Volume("vol")
	assert.False(t, ok)
}

// The volume tier is never evicted to make room for images.
func TestCache_VolumeTierNeverEvicted(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	require.NoError(t, putVolume(t, c, "vol", 80, nil))

	p, err := c.PutImage("img", Resolved(Bytes(30)))
	require.NoError(t, err)
	require.ErrorIs(t, p.Wait(waitCtx(t)), ErrCapacityExceeded)
	assert.True(t, c.hasVolume("vol"))

	p, err = c.PutVolume("vol2", VolumeHandle{LoadHandle: Resolved(Bytes(30))})
	require.NoError(t, err)
	require.ErrorIs(t, p.Wait(waitCtx(t)), ErrCapacityExceeded)
	assert.True(t, c.hasVolume("vol"))
	assert.False(t, c.hasVolume("vol2"))
	assertBudget(t, c)
}

// Reads return handles and assets; pending entries are not assets yet.
func TestCache_Reads(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 1000, nil)
	pr := NewPromise()
	p, err := c.PutImage("pending", LoadHandle{Future: pr})
	require.NoError(t, err)

	h, ok := c.ImageHandle("pending")
	require.True(t, ok)
	assert.Same(t, pr, h.Future.(*Promise))
	_, ok = c.Image("pending")
	assert.False(t, ok, "pending image is not an asset")

	pr.Resolve(Bytes(7))
	require.NoError(t, p.Wait(waitCtx(t)))
	a, ok := c.Image("pending")
	require.True(t, ok)
	assert.Equal(t, int64(7), a.SizeInBytes())

	_, ok = c.ImageHandle("nope")
	assert.False(t, ok)

	vp, err := c.PutVolume("vol", VolumeHandle{
		LoadHandle: Resolved(volume{size: 50, keys: []string{"x:1", "x:2"}}),
	})
	require.NoError(t, err)
	require.NoError(t, vp.Wait(waitCtx(t)))

	vh, ok := c.VolumeHandle("vol")
	require.True(t, ok)
	assert.Equal(t, []string{"x:1", "x:2"}, vh.ImageKeys, "keys come from the asset when the handle lists none")
	va, ok := c.Volume("vol")
	require.True(t, ok)
	assert.Equal(t, int64(50), va.SizeInBytes())
}

// Loose lookups strip the loader scheme.
func TestCache_LooseLookups(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 10_000, nil)
	putImage(t, c, "wadouri:http://pacs/study/1/frame/3", 10)

	e, ok := c.ImageByURI("wadors:http://pacs/study/1/frame/3")
	require.True(t, ok)
	assert.Equal(t, "wadouri:http://pacs/study/1/frame/3", e.Key)

	_, ok = c.ImageByURI("wadouri:http://pacs/study/2/frame/3")
	assert.False(t, ok)

	members := []string{"wadouri:http://pacs/s/1", "wadouri:http://pacs/s/2", "wadouri:http://pacs/s/3"}
	require.NoError(t, putVolume(t, c, "volume:s", 100, members))

	v, idx, ok := c.VolumeContaining("wadors:http://pacs/s/2")
	require.True(t, ok)
	assert.Equal(t, "volume:s", v.Key)
	assert.Equal(t, 1, idx)
	assert.Equal(t, members, v.MemberImageKeys)

	_, _, ok = c.VolumeContaining("wadouri:http://pacs/s/9")
	assert.False(t, ok)
}

// Pending volumes are skipped by VolumeContaining.
func TestCache_VolumeContaining_SkipsPending(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 10_000, nil)
	pr := NewPromise()
	_, err := c.PutVolume("pending", VolumeHandle{LoadHandle: LoadHandle{Future: pr}, ImageKeys: []string{"f"}})
	require.NoError(t, err)
	require.NoError(t, putVolume(t, c, "loaded", 10, []string{"f"}))

	v, idx, ok := c.VolumeContaining("f")
	require.True(t, ok)
	assert.Equal(t, "loaded", v.Key)
	assert.Zero(t, idx)
}

// Events carry snapshots of the committed entry.
func TestCache_Events(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	var rec recorder
	unsubscribe := c.Subscribe(rec.on)

	putImage(t, c, "a", 10)
	require.NoError(t, c.RemoveImage("a"))

	require.Equal(t, 2, rec.len())
	added := rec.events[0]
	assert.Equal(t, EventImageAdded, added.Type)
	assert.Equal(t, "image-added", added.Type.String())
	require.NotNil(t, added.Image)
	assert.Nil(t, added.Volume)
	assert.Equal(t, int64(10), added.Image.SizeInBytes)
	assert.True(t, added.Image.Loaded)
	assert.Equal(t, EventImageRemoved, rec.events[1].Type)

	unsubscribe()
	unsubscribe()
	putImage(t, c, "b", 10)
	assert.Equal(t, 2, rec.len())
}

// Subscribers may call back into the cache.
func TestCache_Events_ReentrantSubscriber(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	var seen atomic.Int64
	c.Subscribe(func(ev Event) {
		if ev.Type == EventImageAdded {
			seen.Store(c.TotalBytes())
		}
	})
	putImage(t, c, "a", 42)
	assert.Equal(t, int64(42), seen.Load())
}

// After Close, puts fail and reads miss; pending loads are cancelled.
func TestCache_Close(t *testing.T) {
	t.Parallel()

	c := New(Options{MaxBudget: 100})
	task := Go(context.Background(), func(ctx context.Context) (Asset, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p, err := c.PutImage("slow", task.Handle(nil))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	require.NoError(t, p.Wait(waitCtx(t)))
	assert.True(t, p.Discarded())

	_, err = c.PutImage("x", Resolved(Bytes(1)))
	require.ErrorIs(t, err, ErrClosed)
	_, ok := c.Image("slow")
	assert.False(t, ok)
	_, err = c.LoadImage(context.Background(), "x", func(context.Context, string) (LoadHandle, error) {
		return Resolved(Bytes(1)), nil
	})
	require.ErrorIs(t, err, ErrClosed)
}

// Concurrent LoadImage calls for one key run the loader once.
func TestCache_LoadImage_Coalesces(t *testing.T) {
	c := newTestCache(t, 1000, nil)

	var calls atomic.Int64
	loader := func(ctx context.Context, key string) (LoadHandle, error) {
		calls.Add(1)
		return Go(ctx, func(context.Context) (Asset, error) {
			time.Sleep(5 * time.Millisecond) // simulate I/O
			return Bytes(64), nil
		}).Handle(nil), nil
	}

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			a, err := c.LoadImage(waitCtx(t), "k", loader)
			if err != nil {
				return err
			}
			if a.SizeInBytes() != 64 {
				return errors.New("wrong asset")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(64), c.TotalBytes())

	// warm hit
	_, err := c.LoadImage(waitCtx(t), "k", loader)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

// LoadImage joins a put that is already in flight instead of colliding.
func TestCache_LoadImage_JoinsInflightPut(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 1000, nil)
	pr := NewPromise()
	_, err := c.PutImage("k", LoadHandle{Future: pr})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.LoadImage(waitCtx(t), "k", func(context.Context, string) (LoadHandle, error) {
			return LoadHandle{}, errors.New("loader must not run")
		})
		done <- err
	}()

	pr.Resolve(Bytes(3))
	require.NoError(t, <-done)
}

// LoadVolume surfaces capacity failures and loader errors.
func TestCache_LoadVolume(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100, nil)
	a, err := c.LoadVolume(waitCtx(t), "vol", func(context.Context, string) (VolumeHandle, error) {
		return VolumeHandle{LoadHandle: Resolved(Bytes(60))}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(60), a.SizeInBytes())

	_, err = c.LoadVolume(waitCtx(t), "big", func(context.Context, string) (VolumeHandle, error) {
		return VolumeHandle{LoadHandle: Resolved(Bytes(60))}, nil
	})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	boom := errors.New("no such series")
	_, err = c.LoadVolume(waitCtx(t), "bad", func(context.Context, string) (VolumeHandle, error) {
		return VolumeHandle{}, boom
	})
	require.ErrorIs(t, err, boom)
}
