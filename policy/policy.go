// Package policy defines how the image tier picks eviction victims.
package policy

// Candidate is the minimal view of a loaded image entry a policy needs.
// Candidates are snapshots taken under the cache lock; a policy must not
// retain them after Order returns.
type Candidate interface {
	// Key returns the image key.
	Key() string
	// Timestamp is the last-touched time in UnixNano.
	Timestamp() int64
	// Seq is the entry's insertion sequence within its tier. It is unique
	// and strictly increasing, so it breaks timestamp ties deterministically.
	Seq() uint64
	// Size is the committed footprint in bytes.
	Size() int64
}

// Policy orders eviction candidates in place: index 0 is evicted first.
//
// Concurrency: Order is invoked under the cache lock and must not call back
// into the cache.
//
// Semantics:
//   - The ordering must be total and stable for equal inputs, otherwise
//     eviction results are not reproducible.
//   - The cache evicts one candidate at a time and re-checks the deficit,
//     so a policy never decides how many entries are removed.
type Policy interface {
	Order(cands []Candidate)
}

// Func adapts an ordinary function to the Policy interface.
type Func func(cands []Candidate)

// Order implements Policy.
func (f Func) Order(cands []Candidate) { f(cands) }
