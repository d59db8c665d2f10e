package cache

import "context"

// ImageLoader produces a load handle for an image key. It should start the
// load and return immediately; the cache awaits the handle's future.
type ImageLoader func(ctx context.Context, key string) (LoadHandle, error)

// VolumeLoader produces a load handle for a volume key.
type VolumeLoader func(ctx context.Context, key string) (VolumeHandle, error)

// Cache is a bounded two-tier cache of image frames and volumes sharing one
// byte budget. All methods are safe for concurrent use by multiple goroutines.
//
// The image tier is volatile: its loaded entries are evicted, least recently
// touched first, whenever room is needed. The volume tier is non-volatile:
// volumes leave only through RemoveVolume, Purge or Close.
type Cache interface {
	// SetMaxBudget sets the byte ceiling. It fails with ErrInvalidArgument
	// if bytes is not positive or if the cache holds any entry.
	SetMaxBudget(bytes int64) error
	// MaxBudget returns the byte ceiling.
	MaxBudget() int64
	// IsCacheable reports whether bytes fits into unallocated space plus the
	// image tier (which can always be evicted).
	IsCacheable(bytes int64) bool
	// BytesAvailable returns the unallocated part of the budget.
	BytesAvailable() int64
	// TotalBytes returns committed bytes across both tiers.
	TotalBytes() int64

	// PutImage reserves key in the image tier and starts awaiting h.
	// Reservation is synchronous: a second put for the same key in either
	// tier fails with ErrDuplicateKey until the first one is removed or
	// rolled back. The returned Pending settles once the entry is committed,
	// rolled back (load error, ErrCapacityExceeded) or discarded because the
	// reservation was removed in the meantime.
	PutImage(key string, h LoadHandle) (*Pending, error)
	// ImageHandle returns the stored handle and refreshes the timestamp.
	ImageHandle(key string) (LoadHandle, bool)
	// Image returns the loaded asset and refreshes the timestamp.
	// Pending reservations report false.
	Image(key string) (Asset, bool)
	// ImageByURI matches key loosely: the scheme prefix (up to the first
	// ':') is dropped and the first stored key containing the rest wins.
	// It does not refresh the timestamp.
	ImageByURI(key string) (ImageEntry, bool)
	// RemoveImage deletes an image entry, running its Cancel and Release
	// hooks. ErrNotFound if absent.
	RemoveImage(key string) error

	// PutVolume reserves key in the volume tier. See PutImage. When the
	// load settles, image entries are evicted to make room, frames listed
	// in h.ImageKeys last.
	PutVolume(key string, h VolumeHandle) (*Pending, error)
	// VolumeHandle returns the stored handle and refreshes the timestamp.
	VolumeHandle(key string) (VolumeHandle, bool)
	// Volume returns the loaded volume asset and refreshes the timestamp.
	Volume(key string) (Asset, bool)
	// VolumeContaining finds the first loaded volume listing imageKey
	// (matched like ImageByURI) and returns it with the frame index.
	VolumeContaining(imageKey string) (VolumeEntry, int, bool)
	// RemoveVolume deletes a volume entry. This is the only way a volume
	// leaves the cache short of Purge or Close. ErrNotFound if absent.
	RemoveVolume(key string) error

	// LoadImage returns the cached image for key, loading it through load
	// on a miss. Concurrent calls for one key share a single load.
	LoadImage(ctx context.Context, key string, load ImageLoader) (Asset, error)
	// LoadVolume is LoadImage for the volume tier.
	LoadVolume(ctx context.Context, key string, load VolumeLoader) (Asset, error)

	// Subscribe registers fn for add/remove events and returns a function
	// that unregisters it. Events of one operation arrive in order; events
	// of concurrent operations are ordered by Event.Seq, not by delivery.
	Subscribe(fn func(Event)) (unsubscribe func())

	// Stats returns a consistent snapshot of both tiers.
	Stats() Stats

	// Purge removes every entry, image tier first, emitting one removal
	// event per entry. Purging an empty cache does nothing.
	Purge()

	// Close purges the cache, cancels the context handed to pending
	// futures and marks the cache closed. Later puts fail with ErrClosed,
	// later reads miss.
	Close() error
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	MaxBudget     int64
	ImageEntries  int
	ImageBytes    int64
	VolumeEntries int
	VolumeBytes   int64
}

// TotalBytes returns committed bytes across both tiers.
func (s Stats) TotalBytes() int64 { return s.ImageBytes + s.VolumeBytes }
