// Package lru implements the least-recently-touched eviction order.
package lru

import (
	"slices"

	"github.com/IvanBrykalov/imagecache/policy"
)

// lru orders candidates by ascending timestamp (oldest touch first).
// Equal timestamps fall back to insertion order, oldest entry first.
type lru struct{}

// New returns the LRU policy. It is stateless and safe to share.
func New() policy.Policy { return lru{} }

// Order sorts cands so the least recently touched entry comes first.
func (lru) Order(cands []policy.Candidate) {
	slices.SortStableFunc(cands, compare)
}

func compare(a, b policy.Candidate) int {
	switch {
	case a.Timestamp() < b.Timestamp():
		return -1
	case a.Timestamp() > b.Timestamp():
		return 1
	case a.Seq() < b.Seq():
		return -1
	case a.Seq() > b.Seq():
		return 1
	}
	return 0
}
