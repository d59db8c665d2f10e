package prom

import (
	"github.com/IvanBrykalov/imagecache/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges,
// labelled by tier ("image" or "volume").
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	evicts    *prometheus.CounterVec
	discards  *prometheus.CounterVec
	rejects   *prometheus.CounterVec
	sizeEnt   *prometheus.GaugeVec
	sizeBytes *prometheus.GaugeVec

	reg   prometheus.Registerer
	opts  prometheus.GaugeOpts
	tiers []string
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, []string{"tier"})
	}

	a := &Adapter{
		hits:      counter("hits_total", "Cache hits", "tier"),
		misses:    counter("misses_total", "Cache misses", "tier"),
		evicts:    counter("evictions_total", "Entries removed, by reason", "tier", "reason"),
		discards:  counter("discarded_loads_total", "Loads that settled after their entry was removed", "tier"),
		rejects:   counter("rejected_loads_total", "Loads refused for exceeding the budget", "tier"),
		sizeEnt:   gauge("size_entries", "Number of resident entries, pending included"),
		sizeBytes: gauge("size_bytes", "Committed bytes"),
		reg:       reg,
		opts: prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "max_budget_bytes",
			Help:        "Byte ceiling shared by both tiers",
			ConstLabels: constLabels,
		},
		tiers: []string{cache.TierImage.String(), cache.TierVolume.String()},
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.discards, a.rejects, a.sizeEnt, a.sizeBytes)

	// Pre-create the per-tier series so dashboards see zeros, not gaps.
	for _, t := range a.tiers {
		a.hits.WithLabelValues(t)
		a.misses.WithLabelValues(t)
		a.sizeEnt.WithLabelValues(t)
		a.sizeBytes.WithLabelValues(t)
	}
	return a
}

// WatchBudget exports c.MaxBudget() as a gauge read at scrape time.
// Call at most once per Adapter.
func (a *Adapter) WatchBudget(c interface{ MaxBudget() int64 }) {
	a.reg.MustRegister(prometheus.NewGaugeFunc(a.opts, func() float64 {
		return float64(c.MaxBudget())
	}))
}

// Hit increments the hit counter of tier t.
func (a *Adapter) Hit(t cache.Tier) { a.hits.WithLabelValues(t.String()).Inc() }

// Miss increments the miss counter of tier t.
func (a *Adapter) Miss(t cache.Tier) { a.misses.WithLabelValues(t.String()).Inc() }

// Evict increments the eviction counter with tier and reason labels.
func (a *Adapter) Evict(t cache.Tier, r cache.EvictReason) {
	a.evicts.WithLabelValues(t.String(), reason(r)).Inc()
}

// Size updates the entry and byte gauges of tier t.
func (a *Adapter) Size(t cache.Tier, entries int, bytes int64) {
	a.sizeEnt.WithLabelValues(t.String()).Set(float64(entries))
	a.sizeBytes.WithLabelValues(t.String()).Set(float64(bytes))
}

func (a *Adapter) Discard(t cache.Tier) { a.discards.WithLabelValues(t.String()).Inc() }

func (a *Adapter) Reject(t cache.Tier) { a.rejects.WithLabelValues(t.String()).Inc() }

// reason maps EvictReason to a stable label value.
func reason(r cache.EvictReason) string {
	switch r {
	case cache.EvictExplicit:
		return "explicit"
	case cache.EvictPurge:
		return "purge"
	default:
		return "policy"
	}
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
