package cache

// DefaultMaxBudget is the byte budget used when Options.MaxBudget is 0.
const DefaultMaxBudget int64 = 1 << 30 // 1 GiB

// accountant tracks committed bytes per tier against the budget.
// Counters move only on commit and delete, never lazily.
// All methods run under the cache lock.
type accountant struct {
	max         int64
	imageBytes  int64
	volumeBytes int64
}

// setBudget sets the ceiling. bytes must be positive.
func (a *accountant) setBudget(bytes int64) bool {
	if bytes <= 0 {
		return false
	}
	a.max = bytes
	return true
}

// total returns committed bytes across both tiers.
func (a *accountant) total() int64 { return a.imageBytes + a.volumeBytes }

// available returns the unallocated part of the budget.
func (a *accountant) available() int64 { return a.max - a.total() }

// cacheable reports whether bytes fits in unallocated space plus the image
// tier, which is always reclaimable.
func (a *accountant) cacheable(bytes int64) bool {
	return bytes <= a.available()+a.imageBytes
}

// addImage and addVolume move a tier counter by delta. Counters are not
// clamped: a negative value is drift and must show up in tests.
func (a *accountant) addImage(delta int64) { a.imageBytes += delta }

func (a *accountant) addVolume(delta int64) { a.volumeBytes += delta }
