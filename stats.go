package ttscache

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Stats is a point-in-time snapshot of cache activity and occupancy.
// Snapshots are values; mutating one does not affect the store.
type Stats struct {
	Entries      int   `json:"entries"`
	SizeBytes    int64 `json:"size_bytes"`
	MaxSizeBytes int64 `json:"max_size_bytes"`

	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Expirations   int64 `json:"expirations"`
	PrefetchCount int64 `json:"prefetch_count"`
	PrefetchHits  int64 `json:"prefetch_hits"`

	EntriesByProvider map[string]int `json:"entries_by_provider,omitempty"`
}

// HitRate returns the fraction of lookups served from cache, in [0, 1].
// Zero when there have been no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Utilization returns used size as a percentage of the configured maximum.
// May exceed 100 transiently between a put and the eviction it triggers.
func (s Stats) Utilization() float64 {
	if s.MaxSizeBytes <= 0 {
		return 0
	}
	return float64(s.SizeBytes) / float64(s.MaxSizeBytes) * 100
}

func (s Stats) String() string {
	return fmt.Sprintf("%d entries, %s of %s (%.1f%%), %d hits / %d misses (%.1f%% hit rate), %d evicted, %d expired",
		s.Entries,
		humanize.IBytes(uint64(max(s.SizeBytes, 0))),
		humanize.IBytes(uint64(max(s.MaxSizeBytes, 0))),
		s.Utilization(),
		s.Hits, s.Misses, s.HitRate()*100,
		s.Evictions, s.Expirations)
}
