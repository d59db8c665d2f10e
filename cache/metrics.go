package cache

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and intended as the default when
// no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit(Tier)                {}
func (NoopMetrics) Miss(Tier)               {}
func (NoopMetrics) Evict(Tier, EvictReason) {}
func (NoopMetrics) Size(Tier, int, int64)   {}
func (NoopMetrics) Discard(Tier)            {}
func (NoopMetrics) Reject(Tier)             {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
