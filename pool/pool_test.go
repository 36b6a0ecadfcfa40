package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/ttscache"
)

type captured struct {
	path        string
	contentType string
	body        map[string]any
}

// newSpeechServer returns a fake provider that records each decoded
// request and answers with the given audio bytes.
func newSpeechServer(t *testing.T, audio []byte) (*httptest.Server, chan captured) {
	t.Helper()
	caps := make(chan captured, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		caps <- captured{
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		}
		_, _ = w.Write(audio)
	}))
	t.Cleanup(srv.Close)
	return srv, caps
}

// wavBytes returns a fake WAV payload holding the given number of
// 16-bit samples after the 44 byte header.
func wavBytes(samples int) []byte {
	return make([]byte, 44+2*samples)
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("requires a provider", func(t *testing.T) {
		t.Parallel()

		_, err := New()
		require.ErrorIs(t, err, ttscache.ErrNoProviders)
	})

	t.Run("default providers", func(t *testing.T) {
		t.Parallel()

		p, err := New(WithProviders(DefaultProviders()))
		require.NoError(t, err)

		assert.Equal(t, []string{"chatterbox", "piper", "vibevoice"}, p.Providers())

		rate, ok := p.SampleRate("piper")
		require.True(t, ok)
		assert.Equal(t, 22050, rate)

		_, ok = p.SampleRate("espeak")
		assert.False(t, ok)
	})
}

func TestPriorityString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "live", Live.String())
	assert.Equal(t, "prefetch", Prefetch.String())
	assert.Equal(t, "scheduled", Scheduled.String())
	assert.Equal(t, "prefetch", Priority(7).String())
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	srv, caps := newSpeechServer(t, wavBytes(12000))
	p, err := New(WithProvider("vibevoice", srv.URL, 24000))
	require.NoError(t, err)

	res, err := p.Generate(context.Background(), Request{
		Text: "hello world",
		Voice: ttscache.VoiceConfig{
			VoiceID:  "nova",
			Provider: "vibevoice",
			Speed:    1.25,
		},
	}, Live)
	require.NoError(t, err)

	assert.Len(t, res.Audio, 44+24000)
	assert.Equal(t, 24000, res.SampleRate)
	assert.InDelta(t, 0.5, res.DurationSeconds, 1e-9)

	got := <-caps
	assert.Equal(t, "/v1/audio/speech", got.path)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, "tts-1", got.body["model"])
	assert.Equal(t, "hello world", got.body["input"])
	assert.Equal(t, "nova", got.body["voice"])
	assert.Equal(t, "wav", got.body["response_format"])
	assert.Equal(t, 1.25, got.body["speed"])
	assert.NotContains(t, got.body, "exaggeration")
	assert.NotContains(t, got.body, "language")

	st := p.Stats()
	assert.Equal(t, int64(1), st.LiveRequests)
	assert.Equal(t, int64(0), st.LiveInFlight)
	assert.Equal(t, int64(0), st.LiveErrors)
}

func TestGenerateChatterboxParams(t *testing.T) {
	t.Parallel()

	srv, caps := newSpeechServer(t, wavBytes(2400))

	exag := 0.7
	cfg := 0.4
	voice := ttscache.VoiceConfig{
		VoiceID:  "emma",
		Provider: "chatterbox",
		Params: ttscache.ProviderParams{
			Chatterbox: &ttscache.ChatterboxParams{
				Exaggeration: &exag,
				CFGWeight:    &cfg,
				Language:     "de",
			},
		},
	}

	t.Run("forwards extras", func(t *testing.T) {
		p, err := New(WithProvider("chatterbox", srv.URL, 24000))
		require.NoError(t, err)

		_, err = p.Generate(context.Background(), Request{Text: "hallo", Voice: voice}, Live)
		require.NoError(t, err)

		got := <-caps
		assert.Equal(t, 0.7, got.body["exaggeration"])
		assert.Equal(t, 0.4, got.body["cfg_weight"])
		assert.Equal(t, "de", got.body["language"])
	})

	t.Run("strips extras for other providers", func(t *testing.T) {
		p, err := New(WithProvider("piper", srv.URL, 22050))
		require.NoError(t, err)

		other := voice
		other.Provider = "piper"
		_, err = p.Generate(context.Background(), Request{Text: "hallo", Voice: other}, Live)
		require.NoError(t, err)

		got := <-caps
		assert.NotContains(t, got.body, "exaggeration")
		assert.NotContains(t, got.body, "cfg_weight")
		assert.NotContains(t, got.body, "language")
	})
}

func TestGenerateUnknownProvider(t *testing.T) {
	t.Parallel()

	p, err := New(WithProvider("piper", "http://localhost:11402", 22050))
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), Request{
		Text:  "hello",
		Voice: ttscache.VoiceConfig{Provider: "espeak"},
	}, Live)
	require.ErrorIs(t, err, ttscache.ErrUnknownProvider)

	st := p.Stats()
	assert.Zero(t, st.LiveRequests)
	assert.Zero(t, st.LiveErrors)
}

func TestGenerateBackendError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p, err := New(WithProvider("vibevoice", srv.URL, 24000))
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), Request{
		Text:  "hello",
		Voice: ttscache.VoiceConfig{Provider: "vibevoice"},
	}, Live)
	require.ErrorIs(t, err, ttscache.ErrBackend)

	var backendErr *ttscache.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "vibevoice", backendErr.Provider)
	assert.Equal(t, http.StatusInternalServerError, backendErr.Status)
	assert.Equal(t, "model not loaded", backendErr.Body)

	st := p.Stats()
	assert.Equal(t, int64(1), st.LiveErrors)
	assert.Equal(t, int64(0), st.LiveTimeouts)
}

func TestGenerateTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write(wavBytes(100))
	}))
	t.Cleanup(srv.Close)

	p, err := New(
		WithProvider("piper", srv.URL, 22050),
		WithRequestTimeout(50*time.Millisecond),
	)
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), Request{
		Text:  "hello",
		Voice: ttscache.VoiceConfig{Provider: "piper"},
	}, Live)
	require.ErrorIs(t, err, ttscache.ErrGenerationTimeout)

	st := p.Stats()
	assert.Equal(t, int64(1), st.LiveTimeouts)
	assert.Equal(t, int64(0), st.LiveErrors)
}

func TestGenerateContextCanceled(t *testing.T) {
	t.Parallel()

	p, err := New(WithProvider("piper", "http://localhost:11402", 22050))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.Generate(ctx, Request{
		Text:  "hello",
		Voice: ttscache.VoiceConfig{Provider: "piper"},
	}, Live)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ttscache.ErrGenerationTimeout)
}

func TestGenerateSlotIsolation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req speechRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Input == "block" {
			close(started)
			<-release
		}
		_, _ = w.Write(wavBytes(100))
	}))
	t.Cleanup(srv.Close)

	p, err := New(
		WithProvider("piper", srv.URL, 22050),
		WithLiveSlots(1),
		WithBackgroundSlots(1),
		WithRequestTimeout(5*time.Second),
	)
	require.NoError(t, err)

	voice := ttscache.VoiceConfig{Provider: "piper"}

	// Occupy the only background slot.
	errc := make(chan error, 1)
	go func() {
		_, err := p.Generate(context.Background(), Request{Text: "block", Voice: voice}, Scheduled)
		errc <- err
	}()
	<-started

	// A queued background request times out waiting for the busy slot.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Generate(ctx, Request{Text: "queued", Voice: voice}, Prefetch)
	require.ErrorIs(t, err, ttscache.ErrGenerationTimeout)

	// Live requests do not share the background budget.
	res, err := p.Generate(context.Background(), Request{Text: "hello", Voice: voice}, Live)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Audio)

	close(release)
	require.NoError(t, <-errc)

	st := p.Stats()
	assert.Equal(t, int64(1), st.BackgroundRequests)
	assert.Equal(t, int64(1), st.BackgroundTimeouts)
	assert.Equal(t, int64(1), st.LiveRequests)
	assert.Equal(t, int64(0), st.LiveTimeouts)
	assert.Equal(t, int64(1), st.LiveAvailable())
	assert.Equal(t, int64(1), st.BackgroundAvailable())
}
