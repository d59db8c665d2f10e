package cache

import (
	"go.uber.org/zap"

	"github.com/IvanBrykalov/imagecache/policy"
)

// ensureBytesAvailableLocked evicts loaded image entries until numBytes are
// unallocated, and reports whether it got there. The volume tier is never
// touched; a false result means the caller must refuse the asset.
//
// Candidates are ordered by the configured policy (LRU by default):
//  1. If protected is non-nil, evict only keys outside it, re-checking the
//     deficit after each removal.
//  2. Still short: evict the rest in the same order, protected keys
//     included. Those frames will be fetched again, which is cheaper than
//     straddling the budget.
func (c *cache) ensureBytesAvailableLocked(numBytes int64, protected []string, fx *effects) bool {
	if c.acct.available() >= numBytes {
		return true
	}

	cands := c.evictionCandidatesLocked()
	c.opt.Policy.Order(cands)

	if protected != nil {
		skip := make(map[string]struct{}, len(protected))
		for _, k := range protected {
			skip[k] = struct{}{}
		}
		for _, cand := range cands {
			if _, ok := skip[cand.Key()]; ok {
				continue
			}
			c.evictImageLocked(cand.Key(), fx)
			if c.acct.available() >= numBytes {
				return true
			}
		}
	}

	for _, cand := range cands {
		if !c.images.has(cand.Key()) {
			continue // evicted in the first pass
		}
		c.evictImageLocked(cand.Key(), fx)
		if c.acct.available() >= numBytes {
			return true
		}
	}
	return c.acct.available() >= numBytes
}

// evictionCandidatesLocked returns the loaded image entries in insertion
// order. Pending reservations hold no bytes and are never candidates.
func (c *cache) evictionCandidatesLocked() []policy.Candidate {
	cands := make([]policy.Candidate, 0, c.images.len())
	for n := range c.images.nodes() {
		if n.rec.Loaded {
			cands = append(cands, n)
		}
	}
	return cands
}

func (c *cache) evictImageLocked(key string, fx *effects) {
	if ce := c.log.Check(zap.DebugLevel, "evicting image"); ce != nil {
		if rec, ok := c.images.get(key); ok {
			ce.Write(zap.String("key", key), zap.Int64("bytes", rec.SizeInBytes))
		}
	}
	c.removeImageLocked(key, EvictPolicy, fx)
}
