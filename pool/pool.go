// Package pool rations concurrent TTS generation across priority classes.
//
// Live requests (a user waiting for audio) and background requests
// (prefetch, scheduled pre-generation) draw from separate slot budgets,
// so background work can never starve a live listener.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/ttscache"
)

// Priority orders generation requests. Higher values are more urgent.
type Priority int

const (
	// Scheduled marks background pre-generation for deployments.
	Scheduled Priority = 1
	// Prefetch marks near-future segments fetched during playback.
	Prefetch Priority = 5
	// Live marks a request a user is actively waiting on.
	Live Priority = 10
)

// String returns the priority name used in logs and job views.
func (p Priority) String() string {
	switch {
	case p >= Live:
		return "live"
	case p >= Prefetch:
		return "prefetch"
	default:
		return "scheduled"
	}
}

const (
	// DefaultLiveSlots is the default number of concurrent live generations.
	DefaultLiveSlots = 4
	// DefaultBackgroundSlots is the default number of concurrent background
	// generations shared by prefetch and scheduled work.
	DefaultBackgroundSlots = 2
	// DefaultRequestTimeout bounds a single generation, slot wait included.
	DefaultRequestTimeout = 30 * time.Second
)

// Provider describes one TTS backend endpoint.
type Provider struct {
	// BaseURL is the server root, e.g. "http://localhost:8880".
	// The OpenAI-compatible speech path is appended per request.
	BaseURL string
	// SampleRate is the rate of the WAV audio the server produces.
	SampleRate int
}

// DefaultProviders returns the endpoints of a standard local deployment.
// Callers opt in explicitly; New does not assume them.
func DefaultProviders() map[string]Provider {
	return map[string]Provider{
		ttscache.ProviderVibeVoice:  {BaseURL: "http://localhost:8880", SampleRate: 24000},
		ttscache.ProviderPiper:      {BaseURL: "http://localhost:11402", SampleRate: 22050},
		ttscache.ProviderChatterbox: {BaseURL: "http://localhost:8004", SampleRate: 24000},
	}
}

// Request describes one synthesis request.
type Request struct {
	// Text is the segment to synthesize.
	Text string
	// Voice selects the provider, voice and delivery parameters.
	Voice ttscache.VoiceConfig
}

// Result is the outcome of a successful generation.
type Result struct {
	// Audio is the raw WAV payload returned by the provider.
	Audio []byte
	// SampleRate is the provider's configured output rate.
	SampleRate int
	// DurationSeconds is estimated from the WAV payload length.
	DurationSeconds float64
}

// Pool schedules TTS generation against a set of providers with separate
// concurrency budgets for live and background work.
type Pool struct {
	providers map[string]Provider
	liveSlots int
	bgSlots   int
	timeout   time.Duration
	client    *http.Client
	log       *log.Logger

	live *semaphore.Weighted
	bg   *semaphore.Weighted

	liveCtr counters
	bgCtr   counters
}

type counters struct {
	requests atomic.Int64
	inFlight atomic.Int64
	errors   atomic.Int64
	timeouts atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithProvider registers a single provider endpoint.
func WithProvider(name, baseURL string, sampleRate int) Option {
	return func(p *Pool) {
		p.providers[name] = Provider{BaseURL: baseURL, SampleRate: sampleRate}
	}
}

// WithProviders registers every provider in the map, replacing any
// previously registered entry with the same name.
func WithProviders(providers map[string]Provider) Option {
	return func(p *Pool) {
		maps.Copy(p.providers, providers)
	}
}

// WithLiveSlots sets the number of concurrent live generations.
func WithLiveSlots(n int) Option {
	return func(p *Pool) {
		p.liveSlots = n
	}
}

// WithBackgroundSlots sets the number of concurrent background generations.
func WithBackgroundSlots(n int) Option {
	return func(p *Pool) {
		p.bgSlots = n
	}
}

// WithRequestTimeout bounds each generation, slot wait included.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.timeout = d
	}
}

// WithHTTPClient sets the HTTP client used for provider requests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Pool) {
		p.client = client
	}
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pool) {
		p.log = logger
	}
}

// New creates a Pool. At least one provider must be registered.
func New(opts ...Option) (*Pool, error) {
	p := &Pool{
		providers: make(map[string]Provider),
		liveSlots: DefaultLiveSlots,
		bgSlots:   DefaultBackgroundSlots,
		timeout:   DefaultRequestTimeout,
		client:    http.DefaultClient,
		log:       log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(p)
	}
	if len(p.providers) == 0 {
		return nil, ttscache.ErrNoProviders
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.liveSlots < 1 {
		p.liveSlots = 1
	}
	if p.bgSlots < 1 {
		p.bgSlots = 1
	}
	if p.timeout <= 0 {
		p.timeout = DefaultRequestTimeout
	}
	p.live = semaphore.NewWeighted(int64(p.liveSlots))
	p.bg = semaphore.NewWeighted(int64(p.bgSlots))
	return p, nil
}

// Generate synthesizes req.Text with the provider named by req.Voice,
// waiting for a slot in the class selected by prio. The whole call,
// slot wait included, is bounded by the pool's request timeout.
//
// An unknown provider fails with ttscache.ErrUnknownProvider before any
// slot is touched. A timeout, whether waiting for a slot or waiting on
// the provider, fails with ttscache.ErrGenerationTimeout. Provider
// failures carry *ttscache.BackendError.
func (p *Pool) Generate(ctx context.Context, req Request, prio Priority) (Result, error) {
	voice := req.Voice.Normalized()
	prov, ok := p.providers[voice.Provider]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ttscache.ErrUnknownProvider, voice.Provider)
	}

	sem, ctr := p.classFor(prio)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			ctr.timeouts.Add(1)
			return Result{}, fmt.Errorf("%w: waiting for %s slot", ttscache.ErrGenerationTimeout, prio)
		}
		return Result{}, err
	}
	defer sem.Release(1)

	ctr.requests.Add(1)
	ctr.inFlight.Add(1)
	defer ctr.inFlight.Add(-1)

	res, err := p.synthesize(ctx, prov, voice, req.Text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			ctr.timeouts.Add(1)
			err = fmt.Errorf("%w: %s after %s", ttscache.ErrGenerationTimeout, voice.Provider, p.timeout)
		} else {
			ctr.errors.Add(1)
		}
		p.log.Warn("generation failed",
			"provider", voice.Provider,
			"voice", voice.VoiceID,
			"priority", prio,
			"err", err)
		return Result{}, err
	}

	p.log.Debug("generated",
		"provider", voice.Provider,
		"voice", voice.VoiceID,
		"priority", prio,
		"bytes", len(res.Audio),
		"duration", res.DurationSeconds)
	return res, nil
}

// classFor selects the semaphore and counters for a priority. Live gets
// its own budget; everything below shares the background budget.
func (p *Pool) classFor(prio Priority) (*semaphore.Weighted, *counters) {
	if prio >= Live {
		return p.live, &p.liveCtr
	}
	return p.bg, &p.bgCtr
}

// Providers returns the registered provider names, sorted.
func (p *Pool) Providers() []string {
	return slices.Sorted(maps.Keys(p.providers))
}

// SampleRate reports the configured output rate for a provider.
func (p *Pool) SampleRate(provider string) (int, bool) {
	prov, ok := p.providers[provider]
	if !ok {
		return 0, false
	}
	return prov.SampleRate, true
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	LiveSlots          int   `json:"live_slots"`
	LiveRequests       int64 `json:"live_requests"`
	LiveInFlight       int64 `json:"live_in_flight"`
	LiveErrors         int64 `json:"live_errors"`
	LiveTimeouts       int64 `json:"live_timeouts"`
	BackgroundSlots    int   `json:"background_slots"`
	BackgroundRequests int64 `json:"background_requests"`
	BackgroundInFlight int64 `json:"background_in_flight"`
	BackgroundErrors   int64 `json:"background_errors"`
	BackgroundTimeouts int64 `json:"background_timeouts"`
}

// LiveAvailable reports free live slots at snapshot time.
func (s Stats) LiveAvailable() int64 {
	return int64(s.LiveSlots) - s.LiveInFlight
}

// BackgroundAvailable reports free background slots at snapshot time.
func (s Stats) BackgroundAvailable() int64 {
	return int64(s.BackgroundSlots) - s.BackgroundInFlight
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	return Stats{
		LiveSlots:          p.liveSlots,
		LiveRequests:       p.liveCtr.requests.Load(),
		LiveInFlight:       p.liveCtr.inFlight.Load(),
		LiveErrors:         p.liveCtr.errors.Load(),
		LiveTimeouts:       p.liveCtr.timeouts.Load(),
		BackgroundSlots:    p.bgSlots,
		BackgroundRequests: p.bgCtr.requests.Load(),
		BackgroundInFlight: p.bgCtr.inFlight.Load(),
		BackgroundErrors:   p.bgCtr.errors.Load(),
		BackgroundTimeouts: p.bgCtr.timeouts.Load(),
	}
}
