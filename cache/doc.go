// Package cache provides a bounded two-tier memory cache for decoded image
// frames and assembled volumes that share one byte budget.
//
// Design
//
//   - Tiers: the image tier is volatile. It holds many small frames that
//     turn over often, and its loaded entries may be evicted at any time to
//     make room. The volume tier is non-volatile. It holds few large volumes
//     that leave only through RemoveVolume, Purge or Close.
//
//   - Budget: committed image bytes plus committed volume bytes never exceed
//     MaxBudget, not even transiently. Room is made before an entry commits.
//     An asset that cannot fit after evicting the whole image tier is refused
//     with ErrCapacityExceeded and its reservation rolled back.
//
//   - Reservation: PutImage/PutVolume reserve the key synchronously under the
//     cache lock and only then await the caller's future in a goroutine.
//     A second put for the same key fails with ErrDuplicateKey until the
//     first is removed or rolled back, so there is never more than one load
//     per key in flight.
//
//   - Races: eviction, removal or purge of a pending reservation calls the
//     handle's Cancel (best effort) and drops the entry. When that load later
//     settles it finds its reservation gone and is discarded: logged, counted,
//     and reported through Pending.Discarded, never an error. Settlement
//     commits only into the exact reservation it created, so a key that was
//     reserved again meanwhile is left alone.
//
//   - Eviction: loaded image entries are ordered by the Policy (LRU on the
//     last-touched timestamp by default, ties broken by insertion order).
//     When making room for a volume, frames the volume lists are evicted
//     only after every other image.
//
//   - Storage: each tier keeps a map for lookups and an intrusive list in
//     insertion order. Map iteration order is never relied on.
//
//   - Notifications: Subscribe receives image/volume added/removed events.
//     Events and Cancel/Release hooks run after the cache lock is released,
//     so handlers may call back into the cache.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size/Discard/Reject
//     signals. NoopMetrics is the default; metrics/prom exports to Prometheus.
//
// Basic usage
//
//	c := cache.New(cache.Options{MaxBudget: 512 << 20})
//	defer c.Close()
//
//	task := cache.Go(ctx, func(ctx context.Context) (cache.Asset, error) {
//	    return decodeFrame(ctx, "wadouri:http://pacs/frame/1")
//	})
//	p, err := c.PutImage("wadouri:http://pacs/frame/1", task.Handle(nil))
//	if err != nil {
//	    return err // ErrDuplicateKey, ErrInvalidArgument, ErrClosed
//	}
//	if err := p.Wait(ctx); err != nil {
//	    return err // load error or ErrCapacityExceeded
//	}
//
// Volumes
//
//	p, err := c.PutVolume("volume:ct-1", cache.VolumeHandle{
//	    LoadHandle: task.Handle(releaseTextures),
//	    ImageKeys:  frameKeys,
//	})
//
// Load-through with coalescing
//
//	asset, err := c.LoadImage(ctx, key, func(ctx context.Context, key string) (cache.LoadHandle, error) {
//	    return cache.Go(ctx, fetch(key)).Handle(nil), nil
//	})
//
// Thread-safety & complexity
//
// All methods are safe for concurrent use. Puts, reads and removals are
// O(1) expected. Making room sorts the loaded image entries, O(n log n) in
// the image tier size, and only runs when the budget is short.
package cache
