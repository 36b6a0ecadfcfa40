// Package testutil provides in-memory fakes for the cache and the
// generator used across bridge and prefetcher tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/internal/wavutil"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/store"
)

// MemCache is an in-memory audio cache keyed by digest.
type MemCache struct {
	mu           sync.Mutex
	entries      map[string]memEntry
	putErr       error
	puts         int
	prefetchPuts int
}

type memEntry struct {
	audio []byte
	entry ttscache.Entry
}

// NewMemCache returns an empty in-memory cache.
func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[string]memEntry)}
}

// Get returns the cached audio and entry for key.
func (c *MemCache) Get(key ttscache.Key) ([]byte, ttscache.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	me, ok := c.entries[key.Digest()]
	if !ok {
		return nil, ttscache.Entry{}, false
	}
	me.entry.AccessCount++
	c.entries[key.Digest()] = me
	return me.audio, me.entry, true
}

// Has reports whether key is cached.
func (c *MemCache) Has(key ttscache.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key.Digest()]
	return ok
}

// Put stores audio for key, applying options the way the store does.
func (c *MemCache) Put(key ttscache.Key, audio []byte, sampleRate int, durationSeconds float64, opts ...store.PutOption) (ttscache.Entry, error) {
	var po store.PutOptions
	for _, opt := range opts {
		opt(&po)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return ttscache.Entry{}, c.putErr
	}
	c.puts++
	if po.Prefetch {
		c.prefetchPuts++
	}
	now := time.Now()
	e := ttscache.Entry{
		Key:             key,
		Digest:          key.Digest(),
		SizeBytes:       int64(len(audio)),
		DurationSeconds: durationSeconds,
		SampleRate:      sampleRate,
		CreatedAt:       now,
		LastAccessedAt:  now,
		AccessCount:     1,
		Prefetched:      po.Prefetch,
	}
	c.entries[e.Digest] = memEntry{audio: append([]byte(nil), audio...), entry: e}
	return e, nil
}

// Seed stores audio without touching the put counters.
func (c *MemCache) Seed(key ttscache.Key, audio []byte, sampleRate int, durationSeconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.entries[key.Digest()] = memEntry{
		audio: append([]byte(nil), audio...),
		entry: ttscache.Entry{
			Key:             key,
			Digest:          key.Digest(),
			SizeBytes:       int64(len(audio)),
			DurationSeconds: durationSeconds,
			SampleRate:      sampleRate,
			CreatedAt:       now,
			LastAccessedAt:  now,
			AccessCount:     1,
		},
	}
}

// FailPuts makes every following Put fail with err. Pass nil to heal.
func (c *MemCache) FailPuts(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putErr = err
}

// Len reports the number of cached entries.
func (c *MemCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Puts reports how many Put calls succeeded.
func (c *MemCache) Puts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

// PrefetchPuts reports how many successful puts carried the prefetch flag.
func (c *MemCache) PrefetchPuts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetchPuts
}

// Entry returns the stored entry for key.
func (c *MemCache) Entry(key ttscache.Key) (ttscache.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	me, ok := c.entries[key.Digest()]
	return me.entry, ok
}

// ScriptedGenerator is a fake generator with per-text failure scripts.
// The produced audio is a fake WAV payload whose length depends on the
// text, so durations are deterministic.
type ScriptedGenerator struct {
	mu          sync.Mutex
	sampleRate  int
	delay       time.Duration
	failFirst   map[string]int
	failAlways  map[string]error
	calls       map[string]int
	prios       map[string]pool.Priority
	total       int
	inFlight    int
	maxInFlight int
}

// NewScriptedGenerator returns a generator producing 24 kHz audio.
func NewScriptedGenerator() *ScriptedGenerator {
	return &ScriptedGenerator{
		sampleRate: 24000,
		failFirst:  make(map[string]int),
		failAlways: make(map[string]error),
		calls:      make(map[string]int),
		prios:      make(map[string]pool.Priority),
	}
}

// FailFirst makes the first n generations for text fail before
// succeeding.
func (g *ScriptedGenerator) FailFirst(text string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failFirst[text] = n
}

// AlwaysFail makes every generation for text fail with err.
func (g *ScriptedGenerator) AlwaysFail(text string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failAlways[text] = err
}

// SetDelay makes each generation take d before returning.
func (g *ScriptedGenerator) SetDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
}

// Generate implements the generator interface used by the bridge and
// the prefetcher.
func (g *ScriptedGenerator) Generate(ctx context.Context, req pool.Request, prio pool.Priority) (pool.Result, error) {
	g.mu.Lock()
	g.total++
	g.calls[req.Text]++
	g.prios[req.Text] = prio
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	call := g.calls[req.Text]
	failFirst := g.failFirst[req.Text]
	failErr := g.failAlways[req.Text]
	delay := g.delay
	rate := g.sampleRate
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return pool.Result{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return pool.Result{}, err
	}
	if failErr != nil {
		return pool.Result{}, failErr
	}
	if call <= failFirst {
		return pool.Result{}, fmt.Errorf("scripted failure %d for %q", call, req.Text)
	}

	audio := FakeWAV(len(req.Text) * 100)
	return pool.Result{
		Audio:           audio,
		SampleRate:      rate,
		DurationSeconds: wavutil.Duration(audio, rate),
	}, nil
}

// Calls reports how many generations were attempted for text.
func (g *ScriptedGenerator) Calls(text string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[text]
}

// TotalCalls reports generations attempted across all texts.
func (g *ScriptedGenerator) TotalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// LastPriority reports the priority of the last generation for text.
func (g *ScriptedGenerator) LastPriority(text string) (pool.Priority, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prio, ok := g.prios[text]
	return prio, ok
}

// MaxInFlight reports the peak number of concurrent generations.
func (g *ScriptedGenerator) MaxInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInFlight
}

// FakeWAV returns a fake WAV payload holding the given number of
// 16-bit samples after the 44 byte header.
func FakeWAV(samples int) []byte {
	return make([]byte, wavutil.HeaderSize+2*samples)
}
