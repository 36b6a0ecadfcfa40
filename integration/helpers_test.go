//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/httpapi"
	"github.com/meigma/ttscache/internal/testutil"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/prefetch"
	"github.com/meigma/ttscache/session"
	"github.com/meigma/ttscache/store"
)

// --- Stub Speech Backend ---

// speechBackend fakes an OpenAI-compatible speech endpoint. It serves a
// fixed WAV payload and counts the requests it answered.
type speechBackend struct {
	srv      *httptest.Server
	requests atomic.Int64
	latency  time.Duration
	samples  int
}

func newSpeechBackend(tb testing.TB, samples int, latency time.Duration) *speechBackend {
	tb.Helper()
	b := &speechBackend{latency: latency, samples: samples}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		if b.latency > 0 {
			time.Sleep(b.latency)
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(testutil.FakeWAV(b.samples))
	}))
	tb.Cleanup(b.srv.Close)
	return b
}

// Requests returns how many synthesis calls reached the backend.
func (b *speechBackend) Requests() int64 {
	return b.requests.Load()
}

// --- Daemon Stack ---

// stackConfig tunes the stack a test runs against. The zero value gives
// a fresh temp directory, no size cap and an instant backend.
type stackConfig struct {
	dir     string
	maxSize int64
	samples int
	latency time.Duration
}

// stack is a full in-process daemon: disk store, pool against the stub
// backend, prefetcher, session bridge and the HTTP API on a real
// listener.
type stack struct {
	dir     string
	backend *speechBackend
	cache   *store.Store
	pool    *pool.Pool
	pre     *prefetch.Prefetcher
	api     *httptest.Server
}

func newStack(tb testing.TB, cfg stackConfig) *stack {
	tb.Helper()

	if cfg.dir == "" {
		cfg.dir = tb.TempDir()
	}
	if cfg.samples == 0 {
		cfg.samples = 2400 // 0.1s at 24kHz
	}

	backend := newSpeechBackend(tb, cfg.samples, cfg.latency)

	opts := []store.Option{store.WithSaveEvery(1)}
	if cfg.maxSize > 0 {
		opts = append(opts, store.WithMaxSize(cfg.maxSize))
	}
	cache, err := store.New(cfg.dir, opts...)
	require.NoError(tb, err)

	pl, err := pool.New(
		pool.WithProvider(ttscache.ProviderVibeVoice, backend.srv.URL, 24000),
		pool.WithProvider(ttscache.ProviderPiper, backend.srv.URL, 22050),
	)
	require.NoError(tb, err)

	pre := prefetch.New(cache, pl,
		prefetch.WithLimiter(rate.NewLimiter(rate.Inf, 0)),
		prefetch.WithRetryDelays([]time.Duration{time.Millisecond}),
	)
	bridge := session.NewBridge(cache, pl, session.WithPrefetcher(pre))
	handler := httpapi.NewHandler(bridge, cache, pl, pre)

	s := &stack{
		dir:     cfg.dir,
		backend: backend,
		cache:   cache,
		pool:    pl,
		pre:     pre,
		api:     httptest.NewServer(handler),
	}
	tb.Cleanup(func() { s.shutdown(tb) })
	return s
}

// shutdown stops the stack in daemon order: prefetcher first, then the
// listener, then the store so the final index save sees every entry.
// Safe to call again after an explicit shutdown.
func (s *stack) shutdown(tb testing.TB) {
	tb.Helper()
	if s.api == nil {
		return
	}
	s.pre.Close()
	s.api.Close()
	require.NoError(tb, s.cache.Close())
	s.api = nil
}

// --- Request Helpers ---

// segmentResult is one /v1/audio/segment response.
type segmentResult struct {
	status int
	cache  string
	digest string
	audio  []byte
}

// segment requests audio for one session segment. It returns errors
// instead of failing the test so it can run on worker goroutines.
func (s *stack) segment(sessionID, text string, voice ttscache.VoiceConfig) (segmentResult, error) {
	body, err := json.Marshal(map[string]any{
		"session_id": sessionID,
		"text":       text,
		"voice":      voice,
	})
	if err != nil {
		return segmentResult{}, err
	}
	resp, err := http.Post(s.api.URL+"/v1/audio/segment", "application/json", bytes.NewReader(body))
	if err != nil {
		return segmentResult{}, err
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return segmentResult{}, err
	}
	return segmentResult{
		status: resp.StatusCode,
		cache:  resp.Header.Get("X-Cache"),
		digest: resp.Header.Get("X-Digest"),
		audio:  audio,
	}, nil
}

// mustSegment is segment for sequential call sites; it fails the test
// on transport errors or a non-200 status.
func (s *stack) mustSegment(tb testing.TB, sessionID, text string, voice ttscache.VoiceConfig) segmentResult {
	tb.Helper()
	res, err := s.segment(sessionID, text, voice)
	require.NoError(tb, err)
	require.Equal(tb, http.StatusOK, res.status, "body: %s", res.audio)
	return res
}

// postJSON posts body to path and decodes the response into out when it
// is non-nil and the request succeeded.
func (s *stack) postJSON(tb testing.TB, path string, body, out any) int {
	tb.Helper()
	buf, err := json.Marshal(body)
	require.NoError(tb, err)
	resp, err := http.Post(s.api.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(tb, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(tb, json.NewDecoder(resp.Body).Decode(out))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}

// getJSON fetches path and decodes the response into out.
func (s *stack) getJSON(tb testing.TB, path string, out any) int {
	tb.Helper()
	resp, err := http.Get(s.api.URL + path)
	require.NoError(tb, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(tb, json.NewDecoder(resp.Body).Decode(out))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}

// deleteReq issues a DELETE against path.
func (s *stack) deleteReq(tb testing.TB, path string) int {
	tb.Helper()
	req, err := http.NewRequest(http.MethodDelete, s.api.URL+path, nil)
	require.NoError(tb, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(tb, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

// waitJob blocks until the prefetch job reaches a terminal state and
// returns its final snapshot.
func (s *stack) waitJob(tb testing.TB, jobID string) prefetch.JobView {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(tb, s.pre.Wait(ctx, jobID))
	view, ok := s.pre.Job(jobID)
	require.True(tb, ok)
	return view
}

// cacheStats is the slice of /v1/cache/stats these tests assert on.
type cacheStats struct {
	Entries       int   `json:"entries"`
	SizeBytes     int64 `json:"size_bytes"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	PrefetchCount int64 `json:"prefetch_count"`
	PrefetchHits  int64 `json:"prefetch_hits"`
}

func (s *stack) stats(tb testing.TB) cacheStats {
	tb.Helper()
	var st cacheStats
	require.Equal(tb, http.StatusOK, s.getJSON(tb, "/v1/cache/stats", &st))
	return st
}

// segmentTexts returns n distinct segment texts.
func segmentTexts(n int) []string {
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("Integration segment %03d with enough words to pass for a sentence.", i)
	}
	return texts
}
