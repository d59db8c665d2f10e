package cache

// node is an intrusive doubly linked list element owned by a table.
// The list is in insertion order: head is the oldest reservation, tail the
// newest. Touching an entry refreshes its timestamp but never relinks it;
// recency lives in the timestamp and is resolved by the eviction policy.
type node[E record] struct {
	key string
	rec E

	prev *node[E]
	next *node[E]

	// seq is the insertion sequence within the owning table. Unique and
	// strictly increasing; the eviction tie-break for equal timestamps.
	seq uint64
}

// Key returns the entry key (part of policy.Candidate).
func (n *node[E]) Key() string { return n.key }

// Timestamp returns the last-touched time (part of policy.Candidate).
// NOTE: only valid while the cache lock is held.
func (n *node[E]) Timestamp() int64 { return n.rec.base().Timestamp }

// Seq returns the insertion sequence (part of policy.Candidate).
func (n *node[E]) Seq() uint64 { return n.seq }

// Size returns the committed footprint (part of policy.Candidate).
func (n *node[E]) Size() int64 { return n.rec.base().SizeInBytes }
