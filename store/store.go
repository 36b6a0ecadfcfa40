// Package store persists generated TTS audio on disk.
//
// A store keeps one blob file per cache digest under audio/<xx>/, where xx
// is the first two hex characters of the digest, plus a JSON index holding
// the entry metadata. The index is the source of truth: blob files without
// an index entry are garbage-collected on open. Entries expire by TTL and
// the store evicts least-recently-accessed entries once it outgrows its
// size budget.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/ttscache"
)

const (
	indexName      = "index.json"
	audioDir       = "audio"
	shardPrefixLen = 2
	dirPerm        = 0o700

	// evictTargetRatio is the fraction of the size budget eviction shrinks
	// the store to once the budget is exceeded.
	evictTargetRatio = 0.8

	defaultSaveEvery = 10
)

// DefaultMaxSize is the blob size budget applied unless WithMaxSize overrides it.
const DefaultMaxSize = 2 << 30

// Store is a persistent TTS audio cache. Index state lives in memory behind
// one mutex; blob file I/O happens outside it wherever possible.
type Store struct {
	dir       string
	maxSize   int64
	ttl       time.Duration
	saveEvery int
	sweep     time.Duration
	compress  bool
	log       *log.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu        sync.Mutex
	entries   map[string]*record
	nextSeq   uint64
	size      int64
	counters  counters
	dirtyPuts int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type record struct {
	entry *ttscache.Entry
	seq   uint64 // insertion order, breaks access-time ties during eviction
}

type counters struct {
	hits          int64
	misses        int64
	evictions     int64
	expirations   int64
	prefetchCount int64
	prefetchHits  int64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize caps total blob bytes. Zero disables the cap. Defaults to 2 GiB.
func WithMaxSize(n int64) Option {
	return func(s *Store) {
		s.maxSize = n
	}
}

// WithDefaultTTL sets the TTL applied when a put does not override it.
// Zero or negative means entries never expire. Defaults to 30 days.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) {
		s.ttl = d
	}
}

// WithSaveEvery sets how many puts may accumulate before the index is
// snapshotted to disk. Defaults to 10.
func WithSaveEvery(n int) Option {
	return func(s *Store) {
		s.saveEvery = n
	}
}

// WithSweepInterval enables a background janitor that periodically drops
// expired entries and trims an over-budget store. Disabled by default.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweep = d
	}
}

// WithCompression stores blobs zstd-compressed. Entry sizes and the size
// budget then account compressed bytes, matching actual disk usage.
func WithCompression(enabled bool) Option {
	return func(s *Store) {
		s.compress = enabled
	}
}

// WithLogger sets the logger. Logging is discarded by default.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// New opens or creates a store rooted at dir. It loads the index if one
// exists, drops entries whose blobs are missing or expired, removes orphan
// blobs, and starts the janitor when a sweep interval is configured.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, ttscache.ErrEmptyCacheDir
	}
	s := &Store{
		dir:       dir,
		maxSize:   DefaultMaxSize,
		ttl:       ttscache.DefaultTTL,
		saveEvery: defaultSaveEvery,
		log:       log.New(io.Discard),
		entries:   make(map[string]*record),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.saveEvery < 1 {
		s.saveEvery = 1
	}

	var err error
	// The decoder is always built: a store opened without compression must
	// still read blobs a previous configuration wrote compressed.
	if s.dec, err = zstd.NewReader(nil); err != nil {
		return nil, fmt.Errorf("store: create decoder: %w", err)
	}
	if s.compress {
		s.enc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if err != nil {
			return nil, fmt.Errorf("store: create encoder: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Join(dir, audioDir), dirPerm); err != nil {
		return nil, fmt.Errorf("store: create layout: %w", err)
	}
	s.loadIndex()
	s.sweepOrphans()
	if n := s.EvictExpired(); n > 0 {
		s.log.Debug("dropped expired entries on open", "count", n)
	}
	s.startJanitor()
	return s, nil
}

// Get returns the cached audio and metadata for key, touching its access
// time. Expired entries are removed and reported as misses. Read failures
// degrade to a miss: the entry is dropped and the error logged, never
// returned.
func (s *Store) Get(key ttscache.Key) ([]byte, ttscache.Entry, bool) {
	dg := key.Digest()
	now := time.Now()

	s.mu.Lock()
	rec, ok := s.entries[dg]
	if !ok {
		s.counters.misses++
		s.mu.Unlock()
		return nil, ttscache.Entry{}, false
	}
	if rec.entry.ExpiredAt(now) {
		path := s.removeLocked(dg)
		s.counters.expirations++
		s.counters.misses++
		s.mu.Unlock()
		s.removeBlob(path)
		return nil, ttscache.Entry{}, false
	}
	snap := *rec.entry
	path := filepath.Join(s.dir, rec.entry.Path)
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err == nil && snap.Encoding == ttscache.EncodingZstd {
		data, err = s.dec.DecodeAll(data, nil)
	}
	if err != nil {
		s.log.Warn("cache blob unreadable, dropping entry", "digest", dg, "err", err)
		s.mu.Lock()
		s.removeLocked(dg)
		s.counters.misses++
		s.mu.Unlock()
		s.removeBlob(path)
		return nil, ttscache.Entry{}, false
	}

	s.mu.Lock()
	s.counters.hits++
	if rec, ok := s.entries[dg]; ok {
		if rec.entry.Prefetched && rec.entry.AccessCount == 1 {
			s.counters.prefetchHits++
		}
		rec.entry.Touch(now)
		snap = *rec.entry
	}
	s.mu.Unlock()
	return data, snap, true
}

// Has reports whether key resolves to a live entry with its blob on disk.
// It never mutates access metadata or counters.
func (s *Store) Has(key ttscache.Key) bool {
	s.mu.Lock()
	rec, ok := s.entries[key.Digest()]
	if !ok || rec.entry.ExpiredAt(time.Now()) {
		s.mu.Unlock()
		return false
	}
	path := filepath.Join(s.dir, rec.entry.Path)
	s.mu.Unlock()

	_, err := os.Stat(path)
	return err == nil
}

// PutOption adjusts a single Put.
type PutOption func(*PutOptions)

// PutOptions collects the per-call settings a Put applies.
type PutOptions struct {
	TTL      time.Duration
	Prefetch bool
}

// WithTTL overrides the store's default TTL for this entry. TTLs are stored
// with second granularity, rounded up.
func WithTTL(d time.Duration) PutOption {
	return func(po *PutOptions) {
		po.TTL = d
	}
}

// AsPrefetch marks the entry as written by the prefetcher. The first later
// read of such an entry counts as a prefetch hit.
func AsPrefetch() PutOption {
	return func(po *PutOptions) {
		po.Prefetch = true
	}
}

// Put stores audio for key, replacing any previous entry with the same
// digest. The blob lands on disk before the index references it, so a crash
// can leave an orphan blob but never a dangling index entry. Exceeding the
// size budget triggers LRU eviction down to the eviction target.
func (s *Store) Put(key ttscache.Key, audio []byte, sampleRate int, durationSeconds float64, opts ...PutOption) (ttscache.Entry, error) {
	po := PutOptions{TTL: s.ttl}
	for _, opt := range opts {
		opt(&po)
	}

	dg := key.Digest()
	stored := audio
	encoding := ttscache.EncodingRaw
	if s.compress {
		stored = s.enc.EncodeAll(audio, make([]byte, 0, len(audio)/2))
		encoding = ttscache.EncodingZstd
	}
	rel := blobRel(dg, encoding)
	abs := filepath.Join(s.dir, rel)
	if err := writeBlob(abs, stored); err != nil {
		return ttscache.Entry{}, fmt.Errorf("store: write blob %s: %w", dg, err)
	}

	now := time.Now()
	e := &ttscache.Entry{
		Key:             key,
		Digest:          dg,
		Path:            rel,
		SizeBytes:       int64(len(stored)),
		DurationSeconds: durationSeconds,
		SampleRate:      sampleRate,
		CreatedAt:       now,
		LastAccessedAt:  now,
		AccessCount:     1,
		TTLSeconds:      ttlSeconds(po.TTL),
		Prefetched:      po.Prefetch,
		Encoding:        encoding,
	}

	s.mu.Lock()
	var stale string
	if old, ok := s.entries[dg]; ok {
		s.size -= old.entry.SizeBytes
		if old.entry.Path != rel {
			stale = filepath.Join(s.dir, old.entry.Path)
		}
	}
	s.entries[dg] = &record{entry: e, seq: s.nextSeq}
	s.nextSeq++
	s.size += e.SizeBytes
	if po.Prefetch {
		s.counters.prefetchCount++
	}
	var evicted []string
	if s.maxSize > 0 && s.size > s.maxSize {
		evicted = s.evictLRULocked(s.evictTarget())
	}
	s.dirtyPuts++
	flush := s.dirtyPuts >= s.saveEvery
	if flush {
		s.dirtyPuts = 0
	}
	snap := *e
	s.mu.Unlock()

	s.removeBlob(stale)
	for _, p := range evicted {
		s.removeBlob(p)
	}
	if flush {
		if err := s.SaveIndex(); err != nil {
			s.log.Warn("periodic index save failed", "err", err)
		}
	}
	return snap, nil
}

// Delete removes the entry for key. It reports whether an entry was present.
func (s *Store) Delete(key ttscache.Key) bool {
	s.mu.Lock()
	path := s.removeLocked(key.Digest())
	s.mu.Unlock()
	if path == "" {
		return false
	}
	s.removeBlob(path)
	return true
}

// Clear drops every entry and blob. Activity counters survive; occupancy
// gauges reset.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.entries = make(map[string]*record)
	s.size = 0
	s.dirtyPuts = 0
	s.mu.Unlock()

	root := filepath.Join(s.dir, audioDir)
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	return s.SaveIndex()
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns a point-in-time snapshot of counters and occupancy.
func (s *Store) Stats() ttscache.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ttscache.Stats{
		Entries:       len(s.entries),
		SizeBytes:     s.size,
		MaxSizeBytes:  s.maxSize,
		Hits:          s.counters.hits,
		Misses:        s.counters.misses,
		Evictions:     s.counters.evictions,
		Expirations:   s.counters.expirations,
		PrefetchCount: s.counters.prefetchCount,
		PrefetchHits:  s.counters.prefetchHits,
	}
	if len(s.entries) > 0 {
		st.EntriesByProvider = make(map[string]int, 4)
		for _, rec := range s.entries {
			st.EntriesByProvider[rec.entry.Key.Provider]++
		}
	}
	return st
}

// EvictExpired removes every expired entry and returns the count removed.
func (s *Store) EvictExpired() int {
	now := time.Now()

	s.mu.Lock()
	var paths []string
	for dg, rec := range s.entries {
		if rec.entry.ExpiredAt(now) {
			paths = append(paths, s.removeLocked(dg))
			s.counters.expirations++
		}
	}
	s.mu.Unlock()

	for _, p := range paths {
		s.removeBlob(p)
	}
	return len(paths)
}

// EvictLRU removes least-recently-accessed entries, ties broken by
// insertion order, until total size is at or below targetBytes. It returns
// the number of entries evicted.
func (s *Store) EvictLRU(targetBytes int64) int {
	s.mu.Lock()
	paths := s.evictLRULocked(targetBytes)
	s.mu.Unlock()

	for _, p := range paths {
		s.removeBlob(p)
	}
	return len(paths)
}

// Close stops the janitor and writes a final index snapshot.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			close(s.stop)
			<-s.done
		}
	})
	return s.SaveIndex()
}

func (s *Store) evictTarget() int64 {
	return int64(float64(s.maxSize) * evictTargetRatio)
}

func (s *Store) evictLRULocked(targetBytes int64) []string {
	if targetBytes < 0 {
		targetBytes = 0
	}
	if s.size <= targetBytes {
		return nil
	}

	recs := make([]*record, 0, len(s.entries))
	for _, rec := range s.entries {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *record) int {
		if c := a.entry.LastAccessedAt.Compare(b.entry.LastAccessedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	var paths []string
	for _, rec := range recs {
		if s.size <= targetBytes {
			break
		}
		paths = append(paths, s.removeLocked(rec.entry.Digest))
		s.counters.evictions++
	}
	return paths
}

// removeLocked drops the entry for dg from the index and returns the
// absolute blob path for removal outside the lock. Empty when absent.
func (s *Store) removeLocked(dg string) string {
	rec, ok := s.entries[dg]
	if !ok {
		return ""
	}
	delete(s.entries, dg)
	s.size -= rec.entry.SizeBytes
	return filepath.Join(s.dir, rec.entry.Path)
}

func (s *Store) removeBlob(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("blob remove failed", "path", path, "err", err)
	}
}

func ttlSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
