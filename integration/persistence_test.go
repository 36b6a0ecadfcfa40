//go:build integration

package integration

import (
	"io/fs"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/ttscache"
)

// countBlobs walks the store's audio directory and counts blob files.
func countBlobs(tb testing.TB, dir string) int {
	tb.Helper()
	var n int
	err := filepath.WalkDir(filepath.Join(dir, "audio"), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(tb, err)
	return n
}

func TestRestartServesFromDisk(t *testing.T) {
	dir := t.TempDir()
	voice := ttscache.VoiceConfig{}
	texts := segmentTexts(5)

	first := newStack(t, stackConfig{dir: dir})
	digests := make([]string, len(texts))
	for i, text := range texts {
		res := first.mustSegment(t, "sess-1", text, voice)
		require.Equal(t, "MISS", res.cache)
		digests[i] = res.digest
	}
	require.EqualValues(t, len(texts), first.backend.Requests())
	first.shutdown(t)

	// A new daemon over the same directory serves the same audio
	// without touching any backend.
	second := newStack(t, stackConfig{dir: dir})
	for i, text := range texts {
		res := second.mustSegment(t, "sess-2", text, voice)
		require.Equal(t, "HIT", res.cache)
		require.Equal(t, digests[i], res.digest)
		require.NotEmpty(t, res.audio)
	}
	require.EqualValues(t, 0, second.backend.Requests())
	require.Equal(t, len(texts), second.stats(t).Entries)
}

func TestEvictionHoldsSizeUnderCap(t *testing.T) {
	const maxSize = 200_000
	// 24000 samples is roughly 48 KiB per blob, so a dozen segments
	// overflow the cap several times over.
	s := newStack(t, stackConfig{maxSize: maxSize, samples: 24000})
	voice := ttscache.VoiceConfig{}
	texts := segmentTexts(12)

	for _, text := range texts {
		res := s.mustSegment(t, "sess-1", text, voice)
		require.Equal(t, "MISS", res.cache)
	}

	st := s.stats(t)
	require.LessOrEqual(t, st.SizeBytes, int64(maxSize))
	require.Positive(t, st.Evictions)
	require.Less(t, st.Entries, len(texts))

	// Eviction removed blobs, not just index entries.
	require.Equal(t, st.Entries, countBlobs(t, s.dir))

	// The most recent segment survived.
	require.Equal(t, "HIT", s.mustSegment(t, "sess-1", texts[len(texts)-1], voice).cache)
}

func TestClearCacheOverHTTP(t *testing.T) {
	s := newStack(t, stackConfig{})
	voice := ttscache.VoiceConfig{}
	texts := segmentTexts(3)
	for _, text := range texts {
		s.mustSegment(t, "sess-1", text, voice)
	}
	require.Equal(t, len(texts), s.stats(t).Entries)

	// Clearing without the confirm guard is rejected.
	require.Equal(t, http.StatusBadRequest, s.deleteReq(t, "/v1/cache"))
	require.Equal(t, len(texts), s.stats(t).Entries)

	require.Equal(t, http.StatusOK, s.deleteReq(t, "/v1/cache?confirm=true"))
	st := s.stats(t)
	require.Zero(t, st.Entries)
	require.Zero(t, st.SizeBytes)
	require.Zero(t, countBlobs(t, s.dir))

	// The next playback regenerates.
	res := s.mustSegment(t, "sess-1", texts[0], voice)
	require.Equal(t, "MISS", res.cache)
	require.EqualValues(t, len(texts)+1, s.backend.Requests())
}
