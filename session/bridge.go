package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/prefetch"
	"github.com/meigma/ttscache/store"
)

// DefaultPerItemCost is the generation cost assumed by
// EstimateGeneration when the caller passes none.
const DefaultPerItemCost = 2 * time.Second

// Cache is the subset of the audio store the bridge needs.
type Cache interface {
	Get(key ttscache.Key) ([]byte, ttscache.Entry, bool)
	Has(key ttscache.Key) bool
	Put(key ttscache.Key, audio []byte, sampleRate int, durationSeconds float64, opts ...store.PutOption) (ttscache.Entry, error)
}

// Generator produces audio for a request at a given priority.
type Generator interface {
	Generate(ctx context.Context, req pool.Request, prio pool.Priority) (pool.Result, error)
}

// Prefetcher starts lookahead jobs on behalf of a session.
type Prefetcher interface {
	PrefetchUpcoming(ctx context.Context, spec prefetch.UpcomingSpec) (string, error)
}

// Bridge serves session audio cache-first. Concurrent misses for one
// digest share a single generation.
type Bridge struct {
	cache  Cache
	gen    Generator
	pre    Prefetcher
	log    *log.Logger
	flight singleflight.Group

	mu    sync.Mutex
	stats map[string]SessionStats
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPrefetcher wires a prefetcher for PrefetchUpcoming. Without one,
// PrefetchUpcoming is a no-op.
func WithPrefetcher(pre Prefetcher) Option {
	return func(b *Bridge) {
		b.pre = pre
	}
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *log.Logger) Option {
	return func(b *Bridge) {
		b.log = logger
	}
}

// NewBridge creates a Bridge over the given cache and generator.
func NewBridge(cache Cache, gen Generator, opts ...Option) *Bridge {
	b := &Bridge{
		cache: cache,
		gen:   gen,
		log:   log.New(io.Discard),
		stats: make(map[string]SessionStats),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AudioForSegment returns the audio for one segment of a session,
// serving from the cache when possible and generating at live priority
// on miss. A cache write failure after a successful generation is
// logged and the audio still returned.
func (b *Bridge) AudioForSegment(ctx context.Context, sess Session, text string) (Audio, error) {
	key := ttscache.NewKey(text, sess.Voice)
	dg := key.Digest()

	// Fast path, avoids singleflight overhead.
	if data, entry, ok := b.cache.Get(key); ok {
		b.record(sess.ID, true)
		return Audio{
			Data:            data,
			DurationSeconds: entry.DurationSeconds,
			SampleRate:      entry.SampleRate,
			CacheHit:        true,
			Digest:          dg,
		}, nil
	}

	v, err, _ := b.flight.Do(dg, func() (any, error) {
		// Double-check: another caller may have just stored this digest
		// between our cache check and winning the flight.
		if data, entry, ok := b.cache.Get(key); ok {
			return Audio{
				Data:            data,
				DurationSeconds: entry.DurationSeconds,
				SampleRate:      entry.SampleRate,
				CacheHit:        true,
				Digest:          dg,
			}, nil
		}

		res, err := b.gen.Generate(ctx, pool.Request{Text: text, Voice: sess.Voice}, pool.Live)
		if err != nil {
			return nil, fmt.Errorf("session: generate segment: %w", err)
		}

		if _, err := b.cache.Put(key, res.Audio, res.SampleRate, res.DurationSeconds); err != nil {
			b.log.Warn("cache write failed, serving audio anyway",
				"session", sess.ID,
				"digest", dg,
				"err", err)
		}

		return Audio{
			Data:            res.Audio,
			DurationSeconds: res.DurationSeconds,
			SampleRate:      res.SampleRate,
			Digest:          dg,
		}, nil
	})
	if err != nil {
		b.record(sess.ID, false)
		return Audio{}, err
	}

	audio := v.(Audio)
	b.record(sess.ID, audio.CacheHit)
	return audio, nil
}

// Coverage reports which of the given segments are cached for a voice.
// It never generates and never touches access metadata.
func (b *Bridge) Coverage(voice ttscache.VoiceConfig, segments []string) CoverageReport {
	report := CoverageReport{Total: len(segments)}
	for i, text := range segments {
		if b.cache.Has(ttscache.NewKey(text, voice)) {
			report.Cached++
		} else {
			report.Missing = append(report.Missing, i)
		}
	}
	if report.Total == 0 {
		report.Percent = 100
	} else {
		report.Percent = float64(report.Cached) / float64(report.Total) * 100
	}
	return report
}

// EstimateGeneration predicts how long generating the uncached segments
// would take at perItem cost each. perItem <= 0 uses DefaultPerItemCost.
func (b *Bridge) EstimateGeneration(voice ttscache.VoiceConfig, segments []string, perItem time.Duration) Estimate {
	if perItem <= 0 {
		perItem = DefaultPerItemCost
	}
	report := b.Coverage(voice, segments)
	missing := report.Total - report.Cached
	return Estimate{
		Missing:  missing,
		Duration: time.Duration(missing) * perItem,
	}
}

// PrefetchUpcoming starts a lookahead job for the session's playhead.
// Returns an empty job ID when no prefetcher is wired.
func (b *Bridge) PrefetchUpcoming(ctx context.Context, sess Session, segments []string, currentIndex int) (string, error) {
	if b.pre == nil {
		return "", nil
	}
	return b.pre.PrefetchUpcoming(ctx, prefetch.UpcomingSpec{
		SessionID:    sess.ID,
		Segments:     segments,
		CurrentIndex: currentIndex,
		Lookahead:    sess.Lookahead,
		Voice:        sess.Voice,
	})
}

// SessionStats returns the hit accounting for one session.
func (b *Bridge) SessionStats(id string) (SessionStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.stats[id]
	return st, ok
}

// AllSessionStats returns a copy of every session's accounting.
func (b *Bridge) AllSessionStats() map[string]SessionStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]SessionStats, len(b.stats))
	for id, st := range b.stats {
		out[id] = st
	}
	return out
}

// ResetSession drops the accounting for one session.
func (b *Bridge) ResetSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stats, id)
}

func (b *Bridge) record(id string, hit bool) {
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stats[id]
	if hit {
		st.Hits++
	} else {
		st.Misses++
	}
	b.stats[id] = st
}
