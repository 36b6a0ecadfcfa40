// Package prefetch generates curriculum audio ahead of playback.
//
// A Prefetcher runs supervised background jobs against the resource
// pool: lookahead windows fired during playback and operator-driven
// batch runs with retries and a consecutive-failure circuit breaker.
// Jobs are tracked, cancellable, and in the batch case resumable.
package prefetch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/store"
)

var (
	// ErrJobNotFound is returned for operations on unknown job IDs.
	ErrJobNotFound = errors.New("prefetch: job not found")
	// ErrNotPaused is returned by Resume for jobs that are not paused.
	ErrNotPaused = errors.New("prefetch: job not paused")
	// ErrTooManyJobs is returned when the active job cap is reached.
	ErrTooManyJobs = errors.New("prefetch: too many active jobs")
	// ErrClosed is returned when starting work on a closed prefetcher.
	ErrClosed = errors.New("prefetch: prefetcher closed")
)

const (
	// DefaultLookahead is how many segments past the playhead an
	// upcoming job covers.
	DefaultLookahead = 5
	// DefaultMaxRetries is the attempt budget per batch item.
	DefaultMaxRetries = 3
	// DefaultMaxConsecutiveFailures pauses a batch job when this many
	// items in a row exhaust their retries.
	DefaultMaxConsecutiveFailures = 5
	// DefaultMaxJobs caps jobs that are pending, running or paused.
	DefaultMaxJobs = 32
)

// DefaultRetryDelays is the wait between batch item attempts.
var DefaultRetryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

// Cache is the subset of the audio store the prefetcher needs.
type Cache interface {
	Has(key ttscache.Key) bool
	Put(key ttscache.Key, audio []byte, sampleRate int, durationSeconds float64, opts ...store.PutOption) (ttscache.Entry, error)
}

// Generator produces audio for a request at a given priority.
type Generator interface {
	Generate(ctx context.Context, req pool.Request, prio pool.Priority) (pool.Result, error)
}

// UpcomingSpec describes a playback-driven lookahead window.
type UpcomingSpec struct {
	SessionID    string
	Segments     []string
	CurrentIndex int
	// Lookahead overrides the prefetcher default when positive.
	Lookahead int
	Voice     ttscache.VoiceConfig
}

// BatchSpec describes an operator-driven pre-generation run.
type BatchSpec struct {
	Label    string
	Segments []string
	Voice    ttscache.VoiceConfig
	// Priority defaults to Scheduled.
	Priority pool.Priority
	// Cache overrides the prefetcher's cache for this job, letting a
	// batch write somewhere other than the shared audio store.
	Cache Cache
}

// Prefetcher runs background generation jobs against a cache and a
// generator. All job work happens in supervised worker goroutines;
// callers only ever block on Wait.
type Prefetcher struct {
	cache          Cache
	gen            Generator
	lookahead      int
	limiter        *rate.Limiter
	maxRetries     int
	retryDelays    []time.Duration
	maxConsecutive int
	maxJobs        int
	log            *log.Logger
	now            func() time.Time

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

// Option configures a Prefetcher.
type Option func(*Prefetcher)

// WithLookahead sets the default upcoming-window size.
func WithLookahead(n int) Option {
	return func(p *Prefetcher) {
		p.lookahead = n
	}
}

// WithLimiter sets the pacing limiter applied before each generation.
// A nil limiter disables pacing.
func WithLimiter(l *rate.Limiter) Option {
	return func(p *Prefetcher) {
		p.limiter = l
	}
}

// WithMaxRetries sets the attempt budget per batch item.
func WithMaxRetries(n int) Option {
	return func(p *Prefetcher) {
		p.maxRetries = n
	}
}

// WithRetryDelays sets the waits between batch item attempts. The last
// delay repeats when there are more attempts than delays.
func WithRetryDelays(delays []time.Duration) Option {
	return func(p *Prefetcher) {
		p.retryDelays = slices.Clone(delays)
	}
}

// WithMaxConsecutiveFailures sets the circuit breaker threshold.
func WithMaxConsecutiveFailures(n int) Option {
	return func(p *Prefetcher) {
		p.maxConsecutive = n
	}
}

// WithMaxJobs caps jobs that are pending, running or paused.
func WithMaxJobs(n int) Option {
	return func(p *Prefetcher) {
		p.maxJobs = n
	}
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *log.Logger) Option {
	return func(p *Prefetcher) {
		p.log = logger
	}
}

// WithClock sets the time source used for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Prefetcher) {
		p.now = now
	}
}

// New creates a Prefetcher over the given cache and generator.
func New(cache Cache, gen Generator, opts ...Option) *Prefetcher {
	p := &Prefetcher{
		cache:          cache,
		gen:            gen,
		lookahead:      DefaultLookahead,
		limiter:        rate.NewLimiter(rate.Limit(10), 1),
		maxRetries:     DefaultMaxRetries,
		retryDelays:    DefaultRetryDelays,
		maxConsecutive: DefaultMaxConsecutiveFailures,
		maxJobs:        DefaultMaxJobs,
		log:            log.New(io.Discard),
		now:            time.Now,
		jobs:           make(map[string]*job),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.lookahead < 1 {
		p.lookahead = DefaultLookahead
	}
	if p.maxRetries < 1 {
		p.maxRetries = 1
	}
	if p.maxConsecutive < 1 {
		p.maxConsecutive = 1
	}
	if p.maxJobs < 1 {
		p.maxJobs = 1
	}
	p.rootCtx, p.cancel = context.WithCancel(context.Background())
	return p
}

// PrefetchUpcoming starts a fire-and-forget job covering the segments
// after CurrentIndex, clamped to the lookahead window and the segment
// range. Already-cached segments are skipped. An empty window yields an
// immediately completed job and no goroutine.
func (p *Prefetcher) PrefetchUpcoming(ctx context.Context, spec UpcomingSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lookahead := spec.Lookahead
	if lookahead <= 0 {
		lookahead = p.lookahead
	}
	start := spec.CurrentIndex + 1
	if start < 0 {
		start = 0
	}
	end := min(start+lookahead, len(spec.Segments))
	var window []string
	if start < end {
		window = slices.Clone(spec.Segments[start:end])
	}
	return p.startJob(KindUpcoming, spec.SessionID, window, spec.Voice, pool.Prefetch, false, nil)
}

// RunBatch starts a pre-generation job over every segment in the spec.
// Items are retried with backoff; too many consecutive exhausted items
// pause the job until Resume.
func (p *Prefetcher) RunBatch(ctx context.Context, spec BatchSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prio := spec.Priority
	if prio == 0 {
		prio = pool.Scheduled
	}
	return p.startJob(KindBatch, spec.Label, slices.Clone(spec.Segments), spec.Voice, prio, true, spec.Cache)
}

func (p *Prefetcher) startJob(kind Kind, label string, segments []string, voice ttscache.VoiceConfig, prio pool.Priority, retry bool, cache Cache) (string, error) {
	voice = voice.Normalized()
	if cache == nil {
		cache = p.cache
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}
	if p.activeLocked() >= p.maxJobs {
		return "", ErrTooManyJobs
	}

	j := &job{
		id:       uuid.NewString(),
		kind:     kind,
		label:    label,
		segments: segments,
		voice:    voice,
		prio:     prio,
		retry:    retry,
		cache:    cache,
		done:     make(chan struct{}),
		state:    StatePending,
		progress: Progress{Total: len(segments)},
		created:  p.now(),
	}
	p.jobs[j.id] = j

	if len(segments) == 0 {
		j.state = StateCompleted
		j.finished = j.created
		close(j.done)
		return j.id, nil
	}

	j.ctx, j.cancel = context.WithCancel(p.rootCtx)
	p.wg.Add(1)
	go p.run(j)

	p.log.Info("prefetch job started",
		"job", j.id,
		"kind", kind,
		"label", label,
		"segments", len(segments))
	return j.id, nil
}

// run processes a job's segments from its resume point. It is the only
// writer of the job's progress while running.
func (p *Prefetcher) run(j *job) {
	ctx, cancel := j.ctx, j.cancel
	defer p.wg.Done()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			j.finishLocked(StateFailed, fmt.Errorf("prefetch: worker panic: %v", r), p.now())
			p.mu.Unlock()
			p.log.Error("prefetch worker panicked", "job", j.id, "panic", r)
		}
	}()

	p.mu.Lock()
	j.state = StateRunning
	if j.started.IsZero() {
		j.started = p.now()
	}
	start := j.next
	p.mu.Unlock()

	consecutive := 0
	for i := start; i < len(j.segments); i++ {
		if ctx.Err() != nil {
			p.finishJob(j, StateCancelled, nil)
			return
		}

		text := j.segments[i]
		key := ttscache.NewKey(text, j.voice)

		if j.cache.Has(key) {
			p.mu.Lock()
			j.progress.Cached++
			j.progress.Completed++
			j.next = i + 1
			p.mu.Unlock()
			continue
		}

		ok := p.generateItem(ctx, j, i, text, key)

		p.mu.Lock()
		j.next = i + 1
		if ok {
			// Count the success even when a cancel landed mid-item;
			// the audio is in the cache either way.
			j.progress.Completed++
			j.progress.Generated++
			consecutive = 0
			if ctx.Err() != nil {
				j.finishLocked(StateCancelled, nil, p.now())
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			j.finishLocked(StateCancelled, nil, p.now())
			p.mu.Unlock()
			return
		}
		j.progress.Completed++
		j.progress.Failed++
		consecutive++
		if j.retry && consecutive >= p.maxConsecutive {
			if p.closed {
				j.finishLocked(StateCancelled, nil, p.now())
				p.mu.Unlock()
				return
			}
			j.state = StatePaused
			p.mu.Unlock()
			p.log.Warn("prefetch job paused",
				"job", j.id,
				"consecutive_failures", consecutive)
			return
		}
		p.mu.Unlock()
	}

	p.finishJob(j, StateCompleted, nil)
}

// generateItem runs one segment through the generator, retrying per the
// job's retry policy, and stores the result marked as prefetched.
func (p *Prefetcher) generateItem(ctx context.Context, j *job, idx int, text string, key ttscache.Key) bool {
	attempts := 1
	if j.retry {
		attempts = p.maxRetries
	}

	for attempt := range attempts {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return false
			}
		}

		res, err := p.gen.Generate(p.rootCtx, pool.Request{Text: text, Voice: j.voice}, j.prio)
		if err == nil {
			if _, err = j.cache.Put(key, res.Audio, res.SampleRate, res.DurationSeconds, store.AsPrefetch()); err == nil {
				return true
			}
		}
		if ctx.Err() != nil {
			return false
		}

		p.log.Warn("prefetch attempt failed",
			"job", j.id,
			"segment", idx,
			"attempt", attempt+1,
			"attempts", attempts,
			"err", err)

		if attempt < attempts-1 {
			delay := p.retryDelays[min(attempt, len(p.retryDelays)-1)]
			if !sleepCtx(ctx, delay) {
				return false
			}
		}
	}
	return false
}

func (p *Prefetcher) finishJob(j *job, state State, err error) {
	p.mu.Lock()
	j.finishLocked(state, err, p.now())
	prog := j.progress
	p.mu.Unlock()

	p.log.Info("prefetch job finished",
		"job", j.id,
		"state", state,
		"generated", prog.Generated,
		"cached", prog.Cached,
		"failed", prog.Failed)
}

// Resume restarts a paused job from its next unprocessed item. The
// consecutive-failure counter starts fresh.
func (p *Prefetcher) Resume(jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	j, ok := p.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.state != StatePaused {
		return ErrNotPaused
	}
	j.state = StatePending
	j.ctx, j.cancel = context.WithCancel(p.rootCtx)
	p.wg.Add(1)
	go p.run(j)

	p.log.Info("prefetch job resumed", "job", jobID, "next", j.next)
	return nil
}

// Cancel stops a job cooperatively. Running workers observe the cancel
// between items; the in-flight generation is not interrupted. Returns
// false for unknown or already finished jobs.
func (p *Prefetcher) Cancel(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[jobID]
	if !ok || j.state.Terminal() {
		return false
	}
	if j.cancel != nil {
		j.cancel()
	}
	if j.state == StatePaused {
		// No worker is watching a paused job.
		j.finishLocked(StateCancelled, nil, p.now())
	}
	p.log.Info("prefetch job cancelled", "job", jobID)
	return true
}

// Job returns a snapshot of one job.
func (p *Prefetcher) Job(jobID string) (JobView, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[jobID]
	if !ok {
		return JobView{}, false
	}
	return j.viewLocked(), true
}

// Jobs returns snapshots of every tracked job, oldest first.
func (p *Prefetcher) Jobs() []JobView {
	p.mu.Lock()
	views := make([]JobView, 0, len(p.jobs))
	for _, j := range p.jobs {
		views = append(views, j.viewLocked())
	}
	p.mu.Unlock()

	slices.SortFunc(views, func(a, b JobView) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return views
}

// Active counts jobs that are pending, running or paused.
func (p *Prefetcher) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked()
}

func (p *Prefetcher) activeLocked() int {
	n := 0
	for _, j := range p.jobs {
		if !j.state.Terminal() {
			n++
		}
	}
	return n
}

// Cleanup drops terminal jobs that finished more than olderThan ago and
// reports how many were removed.
func (p *Prefetcher) Cleanup(olderThan time.Duration) int {
	cutoff := p.now().Add(-olderThan)

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, j := range p.jobs {
		if j.state.Terminal() && !j.finished.IsZero() && j.finished.Before(cutoff) {
			delete(p.jobs, id)
			removed++
		}
	}
	return removed
}

// Wait blocks until the job reaches a terminal state or ctx is done.
// Paused jobs keep waiters blocked until resumed or cancelled.
func (p *Prefetcher) Wait(ctx context.Context, jobID string) error {
	p.mu.Lock()
	j, ok := p.jobs[jobID]
	p.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every running job, marks paused and pending jobs
// cancelled, and waits for all workers to exit. Idempotent.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	now := p.now()
	for _, j := range p.jobs {
		if j.state == StatePaused {
			j.finishLocked(StateCancelled, nil, now)
		}
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
