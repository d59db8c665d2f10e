package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/imagecache/internal/singleflight"
	"github.com/IvanBrykalov/imagecache/policy/lru"
)

// cache is the two-tier cache. One mutex guards both tables and the
// accountant; the tiers share a budget, so splitting the lock would let two
// commits race past the ceiling.
type cache struct {
	mu      sync.Mutex
	acct    accountant
	images  *table[*ImageEntry]
	volumes *table[*VolumeEntry]
	closed  bool

	// ctx is handed to Future.Await; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	opt Options
	log *zap.Logger
	bus Bus
	// eventSeq numbers events in the order their operations held mu.
	eventSeq uint64

	// singleflight groups for coalescing LoadImage / LoadVolume.
	sfImage  singleflight.Group[string, *Pending]
	sfVolume singleflight.Group[string, *Pending]
}

// New constructs a cache with the provided Options.
// Defaults:
//   - MaxBudget <= 0 -> DefaultMaxBudget
//   - nil Policy     -> LRU
//   - nil Metrics    -> NoopMetrics
//   - nil Logger     -> no-op logger
func New(opt Options) Cache {
	if opt.MaxBudget <= 0 {
		opt.MaxBudget = DefaultMaxBudget
	}
	if opt.Policy == nil {
		opt.Policy = lru.New()
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &cache{
		images:  newTable[*ImageEntry](),
		volumes: newTable[*VolumeEntry](),
		ctx:     ctx,
		cancel:  cancel,
		opt:     opt,
		log:     opt.Logger.Named("imagecache"),
	}
	c.acct.setBudget(opt.MaxBudget)
	return c
}

// ---- budget ----

func (c *cache) SetMaxBudget(bytes int64) error {
	const op = "SetMaxBudget"
	c.mu.Lock()
	defer c.mu.Unlock()

	if bytes <= 0 {
		return newError(CodeInvalidArgument, op, "", "budget must be a positive number of bytes")
	}
	if c.images.len() > 0 || c.volumes.len() > 0 {
		return newError(CodeInvalidArgument, op, "", "budget cannot change while the cache holds entries; purge first")
	}
	c.acct.setBudget(bytes)
	return nil
}

func (c *cache) MaxBudget() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acct.max
}

func (c *cache) IsCacheable(bytes int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acct.cacheable(bytes)
}

func (c *cache) BytesAvailable() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acct.available()
}

func (c *cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acct.total()
}

// ---- image tier reads ----

func (c *cache) ImageHandle(key string) (LoadHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return LoadHandle{}, false
	}
	rec, ok := c.images.touch(key, c.now())
	if !ok {
		c.opt.Metrics.Miss(TierImage)
		return LoadHandle{}, false
	}
	c.opt.Metrics.Hit(TierImage)
	return rec.Handle, true
}

func (c *cache) Image(key string) (Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	rec, ok := c.images.touch(key, c.now())
	if !ok || !rec.Loaded {
		c.opt.Metrics.Miss(TierImage)
		return nil, false
	}
	c.opt.Metrics.Hit(TierImage)
	return rec.Asset, true
}

func (c *cache) ImageByURI(key string) (ImageEntry, bool) {
	uri := keyToURI(key)
	if uri == "" {
		return ImageEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for rec := range c.images.all() {
		if matchesURI(rec.Key, uri) {
			return rec.snapshot(), true
		}
	}
	return ImageEntry{}, false
}

// ---- volume tier reads ----

func (c *cache) VolumeHandle(key string) (VolumeHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return VolumeHandle{}, false
	}
	rec, ok := c.volumes.touch(key, c.now())
	if !ok {
		c.opt.Metrics.Miss(TierVolume)
		return VolumeHandle{}, false
	}
	c.opt.Metrics.Hit(TierVolume)
	return VolumeHandle{
		LoadHandle: rec.Handle,
		ImageKeys:  append([]string(nil), rec.MemberImageKeys...),
	}, true
}

func (c *cache) Volume(key string) (Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	rec, ok := c.volumes.touch(key, c.now())
	if !ok || !rec.Loaded {
		c.opt.Metrics.Miss(TierVolume)
		return nil, false
	}
	c.opt.Metrics.Hit(TierVolume)
	return rec.Asset, true
}

func (c *cache) VolumeContaining(imageKey string) (VolumeEntry, int, bool) {
	uri := keyToURI(imageKey)
	if uri == "" {
		return VolumeEntry{}, -1, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for rec := range c.volumes.all() {
		if !rec.Loaded {
			continue
		}
		for i, k := range rec.MemberImageKeys {
			if keyToURI(k) == uri {
				return rec.snapshot(), i, true
			}
		}
	}
	return VolumeEntry{}, -1, false
}

// ---- removal ----

func (c *cache) RemoveImage(key string) error {
	const op = "RemoveImage"
	if key == "" {
		return newError(CodeInvalidArgument, op, "", "key must not be empty")
	}
	var fx effects
	c.mu.Lock()
	if !c.images.has(key) {
		c.mu.Unlock()
		return newError(CodeNotFound, op, key, "not present in the image tier")
	}
	c.removeImageLocked(key, EvictExplicit, &fx)
	c.mu.Unlock()

	c.flush(&fx)
	return nil
}

func (c *cache) RemoveVolume(key string) error {
	const op = "RemoveVolume"
	if key == "" {
		return newError(CodeInvalidArgument, op, "", "key must not be empty")
	}
	var fx effects
	c.mu.Lock()
	if !c.volumes.has(key) {
		c.mu.Unlock()
		return newError(CodeNotFound, op, key, "not present in the volume tier")
	}
	c.removeVolumeLocked(key, EvictExplicit, &fx)
	c.mu.Unlock()

	c.flush(&fx)
	return nil
}

func (c *cache) Purge() {
	var fx effects
	c.mu.Lock()
	c.purgeLocked(&fx)
	c.mu.Unlock()
	c.flush(&fx)
}

// Close purges, cancels in-flight awaits and marks the cache closed.
// Closing twice is harmless.
func (c *cache) Close() error {
	var fx effects
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.purgeLocked(&fx)
	c.cancel()
	c.mu.Unlock()

	c.flush(&fx)
	return nil
}

func (c *cache) Subscribe(fn func(Event)) func() {
	return c.bus.Subscribe(fn)
}

func (c *cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		MaxBudget:     c.acct.max,
		ImageEntries:  c.images.len(),
		ImageBytes:    c.acct.imageBytes,
		VolumeEntries: c.volumes.len(),
		VolumeBytes:   c.acct.volumeBytes,
	}
}

// -------------------- internals (mu held) --------------------

func (c *cache) now() int64 {
	if c.opt.Clock != nil {
		return c.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

// purgeLocked removes both tiers, images first.
func (c *cache) purgeLocked(fx *effects) {
	for _, k := range c.images.keys() {
		c.removeImageLocked(k, EvictPurge, fx)
	}
	for _, k := range c.volumes.keys() {
		c.removeVolumeLocked(k, EvictPurge, fx)
	}
}

// removeImageLocked deletes key (reserved or committed), releases its bytes
// and queues its hooks and removal event.
func (c *cache) removeImageLocked(key string, reason EvictReason, fx *effects) {
	rec, ok := c.images.delete(key)
	if !ok {
		return
	}
	c.acct.addImage(-rec.SizeInBytes)
	fx.release(rec.Handle)
	snap := rec.snapshot()
	c.publishLocked(fx, Event{Type: EventImageRemoved, Key: key, Image: &snap})
	c.opt.Metrics.Evict(TierImage, reason)
	c.sizeLocked(TierImage)
}

func (c *cache) removeVolumeLocked(key string, reason EvictReason, fx *effects) {
	rec, ok := c.volumes.delete(key)
	if !ok {
		return
	}
	c.acct.addVolume(-rec.SizeInBytes)
	fx.release(rec.Handle)
	snap := rec.snapshot()
	c.publishLocked(fx, Event{Type: EventVolumeRemoved, Key: key, Volume: &snap})
	c.opt.Metrics.Evict(TierVolume, reason)
	c.sizeLocked(TierVolume)
}

// sizeLocked reports the tier's entry count and committed bytes.
func (c *cache) sizeLocked(t Tier) {
	if t == TierVolume {
		c.opt.Metrics.Size(t, c.volumes.len(), c.acct.volumeBytes)
		return
	}
	c.opt.Metrics.Size(t, c.images.len(), c.acct.imageBytes)
}

// -------------------- deferred effects --------------------

// effects collects hook calls and events produced under the lock so they
// run after it is released, in production order: hooks, then events.
type effects struct {
	hooks  []func()
	events []Event
}

// release queues Cancel then Release of h.
func (fx *effects) release(h LoadHandle) {
	if h.Cancel != nil {
		fx.hooks = append(fx.hooks, h.Cancel)
	}
	if h.Release != nil {
		fx.hooks = append(fx.hooks, h.Release)
	}
}

// releaseOnly queues h.Release without cancelling; used on rollback of an
// asset that finished loading but was refused.
func (fx *effects) releaseOnly(h LoadHandle) {
	if h.Release != nil {
		fx.hooks = append(fx.hooks, h.Release)
	}
}

// publishLocked stamps ev with the next sequence number and queues it.
func (c *cache) publishLocked(fx *effects, ev Event) {
	c.eventSeq++
	ev.Seq = c.eventSeq
	fx.events = append(fx.events, ev)
}

// flush runs queued hooks, then delivers queued events. Must be called
// without holding mu.
func (c *cache) flush(fx *effects) {
	for _, h := range fx.hooks {
		h()
	}
	for _, ev := range fx.events {
		c.bus.publish(ev)
	}
}
