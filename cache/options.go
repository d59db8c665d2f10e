package cache

import (
	"go.uber.org/zap"

	"github.com/IvanBrykalov/imagecache/policy"
)

// Tier names one of the two pools.
type Tier int

const (
	// TierImage is the volatile pool of 2D frames.
	TierImage Tier = iota
	// TierVolume is the non-volatile pool of assembled volumes.
	TierVolume
)

func (t Tier) String() string {
	if t == TierVolume {
		return "volume"
	}
	return "image"
}

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictPolicy: removed by the image-tier eviction policy to make room.
	EvictPolicy EvictReason = iota
	// EvictExplicit: removed by RemoveImage / RemoveVolume.
	EvictExplicit
	// EvictPurge: removed by Purge or Close.
	EvictPurge
)

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
// Hooks are called under the cache lock; keep them cheap.
type Metrics interface {
	Hit(t Tier)
	Miss(t Tier)
	Evict(t Tier, reason EvictReason)
	Size(t Tier, entries int, bytes int64)
	// Discard counts loads that settled after their reservation was removed.
	Discard(t Tier)
	// Reject counts loads refused with CapacityExceeded.
	Reject(t Tier)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures the cache. Zero values are safe;
// defaults are applied in New():
//   - MaxBudget <= 0 => DefaultMaxBudget (1 GiB)
//   - nil Policy     => LRU (oldest timestamp first)
//   - nil Metrics    => NoopMetrics
//   - nil Logger     => zap.NewNop()
//   - nil Clock      => time.Now()
type Options struct {
	// MaxBudget is the byte ceiling shared by both tiers.
	MaxBudget int64

	// Policy orders image-tier eviction candidates.
	Policy policy.Policy

	// Observability
	Metrics Metrics
	Logger  *zap.Logger

	// Clock allows overriding the time source (tests). Nil => time.Now().
	Clock Clock
}
