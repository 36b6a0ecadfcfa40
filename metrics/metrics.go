// Package metrics exports cache and pool activity as Prometheus
// collectors.
//
// The store and the pool already keep their own counters; the collectors
// here read a stats snapshot at collect time and emit const metrics, so
// scrapes never race the hot path and nothing is counted twice.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/pool"
)

const namespace = "ttscache"

// StatsSource yields cache statistics snapshots. *store.Store satisfies
// it.
type StatsSource interface {
	Stats() ttscache.Stats
}

// PoolStatsSource yields pool statistics snapshots. *pool.Pool satisfies
// it.
type PoolStatsSource interface {
	Stats() pool.Stats
}

// CacheCollector exposes store stats as Prometheus metrics.
type CacheCollector struct {
	src StatsSource

	entries         *prometheus.Desc
	sizeBytes       *prometheus.Desc
	maxSizeBytes    *prometheus.Desc
	utilization     *prometheus.Desc
	hitRatio        *prometheus.Desc
	hits            *prometheus.Desc
	misses          *prometheus.Desc
	evictions       *prometheus.Desc
	expirations     *prometheus.Desc
	prefetchStores  *prometheus.Desc
	prefetchHits    *prometheus.Desc
	providerEntries *prometheus.Desc
}

var _ prometheus.Collector = (*CacheCollector)(nil)

// NewCacheCollector builds a collector over the given stats source.
func NewCacheCollector(src StatsSource) *CacheCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "store", name), help, labels, nil)
	}
	return &CacheCollector{
		src:             src,
		entries:         desc("entries", "Number of cached audio entries."),
		sizeBytes:       desc("size_bytes", "Bytes of audio currently stored."),
		maxSizeBytes:    desc("max_size_bytes", "Configured cache size limit in bytes."),
		utilization:     desc("utilization", "Used size as a percentage of the limit, 0 to 100."),
		hitRatio:        desc("hit_ratio", "Fraction of lookups served from cache, in [0, 1]."),
		hits:            desc("hits_total", "Lookups served from cache."),
		misses:          desc("misses_total", "Lookups that found nothing."),
		evictions:       desc("evictions_total", "Entries evicted to stay under the size limit."),
		expirations:     desc("expirations_total", "Entries removed after reaching their TTL."),
		prefetchStores:  desc("prefetch_stores_total", "Entries written by prefetch jobs."),
		prefetchHits:    desc("prefetch_hits_total", "Cache hits on prefetched entries."),
		providerEntries: desc("provider_entries", "Cached entries per TTS provider.", "provider"),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.sizeBytes
	ch <- c.maxSizeBytes
	ch <- c.utilization
	ch <- c.hitRatio
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.expirations
	ch <- c.prefetchStores
	ch <- c.prefetchHits
	ch <- c.providerEntries
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	gauge := prometheus.GaugeValue
	counter := prometheus.CounterValue

	ch <- prometheus.MustNewConstMetric(c.entries, gauge, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.sizeBytes, gauge, float64(s.SizeBytes))
	ch <- prometheus.MustNewConstMetric(c.maxSizeBytes, gauge, float64(s.MaxSizeBytes))
	ch <- prometheus.MustNewConstMetric(c.utilization, gauge, s.Utilization())
	ch <- prometheus.MustNewConstMetric(c.hitRatio, gauge, s.HitRate())
	ch <- prometheus.MustNewConstMetric(c.hits, counter, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, counter, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, counter, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.expirations, counter, float64(s.Expirations))
	ch <- prometheus.MustNewConstMetric(c.prefetchStores, counter, float64(s.PrefetchCount))
	ch <- prometheus.MustNewConstMetric(c.prefetchHits, counter, float64(s.PrefetchHits))
	for provider, n := range s.EntriesByProvider {
		ch <- prometheus.MustNewConstMetric(c.providerEntries, gauge, float64(n), provider)
	}
}

// PoolCollector exposes pool stats as Prometheus metrics, labeled by
// request class (live or background).
type PoolCollector struct {
	src PoolStatsSource

	slots     *prometheus.Desc
	inFlight  *prometheus.Desc
	available *prometheus.Desc
	requests  *prometheus.Desc
	errors    *prometheus.Desc
	timeouts  *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector builds a collector over the given stats source.
func NewPoolCollector(src PoolStatsSource) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, []string{"class"}, nil)
	}
	return &PoolCollector{
		src:       src,
		slots:     desc("slots", "Configured generation slots."),
		inFlight:  desc("in_flight", "Generations holding a slot right now."),
		available: desc("available_slots", "Free generation slots."),
		requests:  desc("requests_total", "Generations admitted to a slot."),
		errors:    desc("errors_total", "Generations that failed."),
		timeouts:  desc("timeouts_total", "Generations that hit the request timeout."),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.slots
	ch <- c.inFlight
	ch <- c.available
	ch <- c.requests
	ch <- c.errors
	ch <- c.timeouts
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	gauge := prometheus.GaugeValue
	counter := prometheus.CounterValue

	ch <- prometheus.MustNewConstMetric(c.slots, gauge, float64(s.LiveSlots), "live")
	ch <- prometheus.MustNewConstMetric(c.inFlight, gauge, float64(s.LiveInFlight), "live")
	ch <- prometheus.MustNewConstMetric(c.available, gauge, float64(s.LiveAvailable()), "live")
	ch <- prometheus.MustNewConstMetric(c.requests, counter, float64(s.LiveRequests), "live")
	ch <- prometheus.MustNewConstMetric(c.errors, counter, float64(s.LiveErrors), "live")
	ch <- prometheus.MustNewConstMetric(c.timeouts, counter, float64(s.LiveTimeouts), "live")

	ch <- prometheus.MustNewConstMetric(c.slots, gauge, float64(s.BackgroundSlots), "background")
	ch <- prometheus.MustNewConstMetric(c.inFlight, gauge, float64(s.BackgroundInFlight), "background")
	ch <- prometheus.MustNewConstMetric(c.available, gauge, float64(s.BackgroundAvailable()), "background")
	ch <- prometheus.MustNewConstMetric(c.requests, counter, float64(s.BackgroundRequests), "background")
	ch <- prometheus.MustNewConstMetric(c.errors, counter, float64(s.BackgroundErrors), "background")
	ch <- prometheus.MustNewConstMetric(c.timeouts, counter, float64(s.BackgroundTimeouts), "background")
}
