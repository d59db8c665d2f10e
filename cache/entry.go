package cache

// Entry is the state shared by both tiers.
// Values returned from the Cache are snapshots; mutating them has no effect.
type Entry struct {
	Key    string
	Handle LoadHandle
	// Loaded is false while the handle's future is pending.
	Loaded bool
	// Timestamp is the last-touched time (UnixNano). Reads refresh it.
	Timestamp int64
	// SizeInBytes is 0 until loaded.
	SizeInBytes int64
	// Asset is nil until loaded.
	Asset Asset

	// pending is the settlement tracker of the reservation that created
	// this entry; nil for snapshots.
	pending *Pending
}

func (e *Entry) base() *Entry { return e }

// ImageEntry is an image-tier (volatile) entry.
type ImageEntry struct {
	Entry
	// SharedCacheKey hints that several image keys may reference one
	// buffer. It is recorded only; accounting ignores it.
	SharedCacheKey string
}

// VolumeEntry is a volume-tier (non-volatile) entry.
type VolumeEntry struct {
	Entry
	// MemberImageKeys are the frames the volume subsumes, in frame order.
	MemberImageKeys []string
}

// record is the constraint satisfied by *ImageEntry and *VolumeEntry.
type record interface {
	base() *Entry
}

func (e *ImageEntry) snapshot() ImageEntry {
	s := *e
	s.pending = nil
	return s
}

func (e *VolumeEntry) snapshot() VolumeEntry {
	s := *e
	s.pending = nil
	s.MemberImageKeys = append([]string(nil), e.MemberImageKeys...)
	return s
}

// sharedKeyer is implemented by image assets that carry a shared cache key.
type sharedKeyer interface {
	SharedCacheKey() string
}

// imageKeyer is implemented by volume assets that list their frames.
type imageKeyer interface {
	ImageKeys() []string
}
