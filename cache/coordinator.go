package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// PutImage reserves key synchronously, then awaits h in the background.
func (c *cache) PutImage(key string, h LoadHandle) (*Pending, error) {
	const op = "PutImage"
	if err := validateHandle(op, key, h); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.admitKeyLocked(op, key); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	p := newPending(key, TierImage)
	rec := &ImageEntry{Entry: Entry{Handle: h, pending: p}}
	c.images.reserve(key, rec, c.now())
	c.sizeLocked(TierImage)
	ctx := c.ctx
	c.mu.Unlock()

	go c.settleImage(ctx, key, rec)
	return p, nil
}

// PutVolume reserves key synchronously, then awaits h in the background.
func (c *cache) PutVolume(key string, h VolumeHandle) (*Pending, error) {
	const op = "PutVolume"
	if err := validateHandle(op, key, h.LoadHandle); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.admitKeyLocked(op, key); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	p := newPending(key, TierVolume)
	rec := &VolumeEntry{
		Entry:           Entry{Handle: h.LoadHandle, pending: p},
		MemberImageKeys: append([]string(nil), h.ImageKeys...),
	}
	c.volumes.reserve(key, rec, c.now())
	c.sizeLocked(TierVolume)
	ctx := c.ctx
	c.mu.Unlock()

	go c.settleVolume(ctx, key, rec)
	return p, nil
}

// settleImage awaits the image load and commits or rolls back.
func (c *cache) settleImage(ctx context.Context, key string, rec *ImageEntry) {
	const op = "PutImage"
	p := rec.pending
	asset, loadErr := rec.Handle.Future.Await(ctx)

	var fx effects
	c.mu.Lock()
	if !c.images.owns(key, rec) {
		c.discardLocked(TierImage, key)
		c.mu.Unlock()
		p.settle(outcomeDiscarded, nil)
		return
	}
	if loadErr != nil {
		c.images.delete(key)
		c.sizeLocked(TierImage)
		c.mu.Unlock()
		p.settle(outcomeFailed, loadErr)
		return
	}

	size, err := assetSize(op, key, asset)
	if err == nil && !c.acct.cacheable(size) {
		err = c.rejectLocked(op, TierImage, key, size)
	}
	if err == nil && !c.ensureBytesAvailableLocked(size, nil, &fx) {
		// Unreachable while cacheable holds: the image tier covered the gap.
		err = c.rejectLocked(op, TierImage, key, size)
	}
	if err != nil {
		c.images.delete(key)
		c.sizeLocked(TierImage)
		fx.releaseOnly(rec.Handle)
		c.mu.Unlock()
		c.flush(&fx)
		p.settle(outcomeFailed, err)
		return
	}

	c.images.commit(key, rec, asset, size)
	if sk, ok := asset.(sharedKeyer); ok {
		rec.SharedCacheKey = sk.SharedCacheKey()
	}
	c.acct.addImage(size)
	c.sizeLocked(TierImage)
	snap := rec.snapshot()
	c.publishLocked(&fx, Event{Type: EventImageAdded, Key: key, Image: &snap})
	c.mu.Unlock()

	c.flush(&fx)
	p.settle(outcomeCommitted, nil)
}

// settleVolume awaits the volume load and commits or rolls back. Room is
// made by evicting unrelated images first, member frames last.
func (c *cache) settleVolume(ctx context.Context, key string, rec *VolumeEntry) {
	const op = "PutVolume"
	p := rec.pending
	asset, loadErr := rec.Handle.Future.Await(ctx)

	var fx effects
	c.mu.Lock()
	if !c.volumes.owns(key, rec) {
		c.discardLocked(TierVolume, key)
		c.mu.Unlock()
		p.settle(outcomeDiscarded, nil)
		return
	}
	if loadErr != nil {
		c.volumes.delete(key)
		c.sizeLocked(TierVolume)
		c.mu.Unlock()
		p.settle(outcomeFailed, loadErr)
		return
	}

	size, err := assetSize(op, key, asset)
	if err == nil && len(rec.MemberImageKeys) == 0 {
		if ik, ok := asset.(imageKeyer); ok {
			rec.MemberImageKeys = append([]string(nil), ik.ImageKeys()...)
		}
	}
	if err == nil && !c.acct.cacheable(size) {
		err = c.rejectLocked(op, TierVolume, key, size)
	}
	if err == nil && !c.ensureBytesAvailableLocked(size, protectedKeys(rec.MemberImageKeys), &fx) {
		err = c.rejectLocked(op, TierVolume, key, size)
	}
	if err != nil {
		c.volumes.delete(key)
		c.sizeLocked(TierVolume)
		fx.releaseOnly(rec.Handle)
		c.mu.Unlock()
		c.flush(&fx)
		p.settle(outcomeFailed, err)
		return
	}

	c.volumes.commit(key, rec, asset, size)
	c.acct.addVolume(size)
	c.sizeLocked(TierVolume)
	snap := rec.snapshot()
	c.publishLocked(&fx, Event{Type: EventVolumeAdded, Key: key, Volume: &snap})
	c.mu.Unlock()

	c.flush(&fx)
	p.settle(outcomeCommitted, nil)
}

// -------------------- helpers --------------------

func validateHandle(op, key string, h LoadHandle) error {
	if key == "" {
		return newError(CodeInvalidArgument, op, "", "key must not be empty")
	}
	if h.Future == nil {
		return newError(CodeInvalidArgument, op, key, "load handle has no future")
	}
	return nil
}

// admitKeyLocked rejects puts on a closed cache and keys present in either
// tier, pending or committed.
func (c *cache) admitKeyLocked(op, key string) error {
	if c.closed {
		return newError(CodeClosed, op, key, "cache is closed")
	}
	if c.images.has(key) {
		return newError(CodeDuplicateKey, op, key, "already in the image tier")
	}
	if c.volumes.has(key) {
		return newError(CodeDuplicateKey, op, key, "already in the volume tier")
	}
	return nil
}

// assetSize validates the settled asset's footprint.
func assetSize(op, key string, asset Asset) (int64, error) {
	if asset == nil {
		return 0, newError(CodeInvalidArgument, op, key, "load settled without an asset")
	}
	size := asset.SizeInBytes()
	if size < 0 {
		return 0, newError(CodeInvalidArgument, op, key, fmt.Sprintf("asset reports negative size %d", size))
	}
	return size, nil
}

func (c *cache) rejectLocked(op string, t Tier, key string, size int64) error {
	c.opt.Metrics.Reject(t)
	c.log.Info("asset does not fit the cache budget",
		zap.Stringer("tier", t),
		zap.String("key", key),
		zap.Int64("bytes", size),
		zap.Int64("available", c.acct.available()),
		zap.Int64("image_bytes", c.acct.imageBytes),
		zap.Int64("max_budget", c.acct.max),
	)
	return newError(CodeCapacityExceeded, op, key,
		fmt.Sprintf("%d bytes exceed unallocated plus image-tier space (%d)", size, c.acct.available()+c.acct.imageBytes))
}

// discardLocked records a load that settled after its reservation was
// removed. Expected under eviction and purge.
func (c *cache) discardLocked(t Tier, key string) {
	c.opt.Metrics.Discard(t)
	c.log.Warn("load settled after its entry was removed; result discarded",
		zap.Stringer("tier", t),
		zap.String("key", key),
	)
}

// protectedKeys returns a non-nil slice so a volume without frames still
// takes the two-pass path (which then degenerates to one pass).
func protectedKeys(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
