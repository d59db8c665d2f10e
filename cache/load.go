package cache

import "context"

// LoadImage returns the image for key; on a miss it obtains a handle from
// load, puts it and waits for the commit. Concurrent calls for the same key
// are coalesced (singleflight), so load runs at most once per flight.
//
// The load runs detached from ctx: one caller giving up does not cancel
// the load others are waiting on. ctx bounds only this caller's wait.
func (c *cache) LoadImage(ctx context.Context, key string, load ImageLoader) (Asset, error) {
	const op = "LoadImage"
	if key == "" || load == nil {
		return nil, newError(CodeInvalidArgument, op, key, "key and loader are required")
	}
	// fast path
	if a, ok := c.Image(key); ok {
		return a, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	p, err := c.sfImage.Do(ctx, key, func() (*Pending, error) {
		// An earlier put may still be in flight: join it instead of
		// colliding on the reservation.
		p, err := c.inflightImage(op, key)
		if err != nil || p != nil {
			return p, err
		}
		h, err := load(loadCtx, key)
		if err != nil {
			return nil, err
		}
		return c.PutImage(key, h)
	})
	if err != nil {
		return nil, err
	}
	if err := p.Wait(ctx); err != nil {
		return nil, err
	}
	if a, ok := c.loadedImage(key); ok {
		return a, nil
	}
	return nil, newError(CodeNotFound, op, key, "entry was removed before it could be read")
}

// LoadVolume is LoadImage for the volume tier.
func (c *cache) LoadVolume(ctx context.Context, key string, load VolumeLoader) (Asset, error) {
	const op = "LoadVolume"
	if key == "" || load == nil {
		return nil, newError(CodeInvalidArgument, op, key, "key and loader are required")
	}
	if a, ok := c.Volume(key); ok {
		return a, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	p, err := c.sfVolume.Do(ctx, key, func() (*Pending, error) {
		p, err := c.inflightVolume(op, key)
		if err != nil || p != nil {
			return p, err
		}
		h, err := load(loadCtx, key)
		if err != nil {
			return nil, err
		}
		return c.PutVolume(key, h)
	})
	if err != nil {
		return nil, err
	}
	if err := p.Wait(ctx); err != nil {
		return nil, err
	}
	if a, ok := c.loadedVolume(key); ok {
		return a, nil
	}
	return nil, newError(CodeNotFound, op, key, "entry was removed before it could be read")
}

// inflightImage returns the Pending of an existing image reservation, a
// settled Pending if the image is already committed, or nil if key is free.
func (c *cache) inflightImage(op, key string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(CodeClosed, op, key, "cache is closed")
	}
	if rec, ok := c.images.get(key); ok {
		return rec.pending, nil
	}
	return nil, nil
}

func (c *cache) inflightVolume(op, key string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(CodeClosed, op, key, "cache is closed")
	}
	if rec, ok := c.volumes.get(key); ok {
		return rec.pending, nil
	}
	return nil, nil
}

// loadedImage reads back a committed image after a load-through wait. The
// caller already counted its miss, so no Hit/Miss is recorded here.
func (c *cache) loadedImage(key string) (Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	rec, ok := c.images.touch(key, c.now())
	if !ok || !rec.Loaded {
		return nil, false
	}
	return rec.Asset, true
}

func (c *cache) loadedVolume(key string) (Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	rec, ok := c.volumes.touch(key, c.now())
	if !ok || !rec.Loaded {
		return nil, false
	}
	return rec.Asset, true
}
