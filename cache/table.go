package cache

import "iter"

// table is one tier: a key->node map plus an intrusive list in insertion
// order. It does no locking and no byte accounting; the Cache owns both.
type table[E record] struct {
	m    map[string]*node[E]
	head *node[E] // oldest
	tail *node[E] // newest
	seq  uint64
}

func newTable[E record]() *table[E] {
	return &table[E]{m: make(map[string]*node[E])}
}

// has reports whether key is present (reserved or committed).
func (t *table[E]) has(key string) bool {
	_, ok := t.m[key]
	return ok
}

// get returns the record for key without touching it.
func (t *table[E]) get(key string) (E, bool) {
	n, ok := t.m[key]
	if !ok {
		var zero E
		return zero, false
	}
	return n.rec, true
}

// reserve inserts rec as a new, unloaded entry. rec's Loaded, SizeInBytes
// and Timestamp are reset. Returns false if key is already present.
func (t *table[E]) reserve(key string, rec E, now int64) bool {
	if _, exists := t.m[key]; exists {
		return false
	}
	b := rec.base()
	b.Key = key
	b.Loaded = false
	b.SizeInBytes = 0
	b.Asset = nil
	b.Timestamp = now

	t.seq++
	n := &node[E]{key: key, rec: rec, seq: t.seq}
	t.m[key] = n
	t.pushBack(n)
	return true
}

// commit marks the reservation rec as loaded with the given size.
// It reports false when key no longer maps to rec: the reservation was
// removed (and possibly replaced) while the load was pending.
func (t *table[E]) commit(key string, rec E, asset Asset, size int64) bool {
	n, ok := t.m[key]
	if !ok || n.rec.base() != rec.base() {
		return false
	}
	b := rec.base()
	b.Loaded = true
	b.Asset = asset
	b.SizeInBytes = size
	return true
}

// owns reports whether key currently maps to the reservation rec.
func (t *table[E]) owns(key string, rec E) bool {
	n, ok := t.m[key]
	return ok && n.rec.base() == rec.base()
}

// touch refreshes the timestamp of key and returns its record.
func (t *table[E]) touch(key string, now int64) (E, bool) {
	n, ok := t.m[key]
	if !ok {
		var zero E
		return zero, false
	}
	n.rec.base().Timestamp = now
	return n.rec, true
}

// delete unlinks key and returns the removed record. Running its release
// hooks is the caller's job (outside the lock).
func (t *table[E]) delete(key string) (E, bool) {
	n, ok := t.m[key]
	if !ok {
		var zero E
		return zero, false
	}
	t.unlink(n)
	delete(t.m, key)
	return n.rec, true
}

// len returns the number of entries, reserved or committed.
func (t *table[E]) len() int { return len(t.m) }

// all yields entries in insertion order. The sequence is lazy and may be
// ranged over again; it tolerates deletion of the current entry.
func (t *table[E]) all() iter.Seq[E] {
	return func(yield func(E) bool) {
		for n := t.head; n != nil; {
			next := n.next
			if !yield(n.rec) {
				return
			}
			n = next
		}
	}
}

// nodes yields the underlying list nodes in insertion order.
func (t *table[E]) nodes() iter.Seq[*node[E]] {
	return func(yield func(*node[E]) bool) {
		for n := t.head; n != nil; {
			next := n.next
			if !yield(n) {
				return
			}
			n = next
		}
	}
}

// keys returns a snapshot of the keys in insertion order.
func (t *table[E]) keys() []string {
	out := make([]string, 0, len(t.m))
	for n := t.head; n != nil; n = n.next {
		out = append(out, n.key)
	}
	return out
}

// -------------------- list internals --------------------

// pushBack appends n as the newest node in O(1).
func (t *table[E]) pushBack(n *node[E]) {
	n.next = nil
	n.prev = t.tail
	if t.tail != nil {
		t.tail.next = n
	}
	t.tail = n
	if t.head == nil {
		t.head = n
	}
}

// unlink removes n from the list in O(1).
func (t *table[E]) unlink(n *node[E]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if t.head == n {
		t.head = n.next
	}
	if t.tail == n {
		t.tail = n.prev
	}
	n.prev, n.next = nil, nil
}
