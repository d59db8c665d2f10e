package cache

import (
	"slices"
	"sync"
)

// EventType identifies a cache notification.
type EventType int

const (
	// EventImageAdded fires once an image load commits.
	EventImageAdded EventType = iota
	// EventImageRemoved fires for every image entry leaving the cache:
	// explicit removal, eviction, purge.
	EventImageRemoved
	// EventVolumeAdded fires once a volume load commits.
	EventVolumeAdded
	// EventVolumeRemoved fires for every volume entry leaving the cache.
	EventVolumeRemoved
)

func (t EventType) String() string {
	switch t {
	case EventImageAdded:
		return "image-added"
	case EventImageRemoved:
		return "image-removed"
	case EventVolumeAdded:
		return "volume-added"
	case EventVolumeRemoved:
		return "volume-removed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. Exactly one of Image or Volume is set,
// matching Type. Both are snapshots taken when the event was produced.
type Event struct {
	Type   EventType
	Key    string
	// Seq increases in the order the cache state changed. Events of
	// concurrent operations may be delivered out of that order; a
	// subscriber tracking state per key should drop events whose Seq is
	// below the last one it applied for that key.
	Seq    uint64
	Image  *ImageEntry
	Volume *VolumeEntry
}

// Bus fans events out to subscribers. It is owned by a Cache instance;
// there is no package-level bus.
//
// Delivery is synchronous on the goroutine that completed the operation,
// after the cache lock was released, so handlers may call back into the
// cache. Keep handlers short: a slow handler delays the caller.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]func(Event)
	next uint64
}

// Subscribe registers fn and returns a function that unregisters it.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[uint64]func(Event))
	}
	b.next++
	id := b.next
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// publish delivers ev to every subscriber in registration order.
func (b *Bus) publish(ev Event) {
	b.mu.RLock()
	if len(b.subs) == 0 {
		b.mu.RUnlock()
		return
	}
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
