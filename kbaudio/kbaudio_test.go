package kbaudio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/internal/testutil"
	"github.com/meigma/ttscache/internal/wavutil"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/prefetch"
)

var testVoice = ttscache.VoiceConfig{VoiceID: "nova", Provider: ttscache.ProviderVibeVoice, Speed: 1.0}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func newTestBatcher(t *testing.T, gen prefetch.Generator) (*prefetch.Prefetcher, *testutil.MemCache) {
	t.Helper()
	shared := testutil.NewMemCache()
	p := prefetch.New(shared, gen,
		prefetch.WithLimiter(rate.NewLimiter(rate.Inf, 0)),
		prefetch.WithRetryDelays([]time.Duration{time.Millisecond}),
	)
	t.Cleanup(p.Close)
	return p, shared
}

// writeAudio drops a fake WAV directly into the bank layout.
func writeAudio(t *testing.T, m *Manager, bankID, itemID, field string, samples int) []byte {
	t.Helper()
	path, err := m.Path(bankID, itemID, field)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	audio := testutil.FakeWAV(samples)
	require.NoError(t, os.WriteFile(path, audio, 0o600))
	return audio
}

func TestNewManagerEmptyDir(t *testing.T) {
	t.Parallel()

	_, err := NewManager("")
	assert.ErrorIs(t, err, ErrEmptyDir)
}

func TestPathValidation(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	path, err := m.Path("anatomy", "q1", "prompt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Dir(), "anatomy", "q1", "prompt.wav"), path)

	tests := []struct {
		name              string
		bank, item, field string
	}{
		{"traversal bank", "..", "q1", "prompt"},
		{"slash in item", "anatomy", "a/b", "prompt"},
		{"backslash in field", "anatomy", "q1", `x\y`},
		{"empty field", "anatomy", "q1", ""},
		{"dotted item", "anatomy", "q.1", "prompt"},
		{"absolute bank", "/etc", "q1", "prompt"},
		{"non-ascii item", "anatomy", "naïve", "prompt"},
		{"reserved bank", "feedback", "q1", "prompt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := m.Path(tt.bank, tt.item, tt.field)
			assert.ErrorIs(t, err, ErrInvalidComponent)
			assert.False(t, m.Has(tt.bank, tt.item, tt.field))
		})
	}
}

func TestItemSegments(t *testing.T) {
	t.Parallel()

	item := Item{
		ID:          "q1",
		Prompt:      "What organ pumps blood?",
		Hints:       []string{"It beats.", "It is in your chest."},
		Explanation: "The heart pumps blood through the body.",
	}
	segs := item.segments()
	require.Len(t, segs, 4)
	assert.Equal(t, "prompt", segs[0].field)
	assert.Equal(t, "hint_0", segs[1].field)
	assert.Equal(t, "hint_1", segs[2].field)
	assert.Equal(t, "explanation", segs[3].field)

	blank := Item{ID: "q2", Prompt: "  ", Answer: "Yes."}
	segs = blank.segments()
	require.Len(t, segs, 1)
	assert.Equal(t, "answer", segs[0].field)
}

func TestGenerateBank(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	gen := testutil.NewScriptedGenerator()
	p, shared := newTestBatcher(t, gen)

	spec := BankSpec{
		BankID: "anatomy",
		Voice:  testVoice,
		Items: []Item{
			{ID: "q1", Prompt: "What organ pumps blood?", Answer: "The heart.", Hints: []string{"It beats."}},
			{ID: "q2", Prompt: "Name the largest bone."},
		},
	}
	id, err := m.GenerateBank(context.Background(), spec, p)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background(), id))

	view, ok := p.Job(id)
	require.True(t, ok)
	assert.Equal(t, prefetch.StateCompleted, view.State)
	assert.Equal(t, "kb:anatomy", view.Label)
	assert.Equal(t, prefetch.Progress{Total: 4, Completed: 4, Generated: 4}, view.Progress)

	for _, ref := range []SegmentRef{
		{"q1", "prompt"}, {"q1", "answer"}, {"q1", "hint_0"}, {"q2", "prompt"},
	} {
		assert.True(t, m.Has("anatomy", ref.ItemID, ref.Field), "missing %s/%s", ref.ItemID, ref.Field)
	}
	assert.False(t, m.Has("anatomy", "q2", "answer"))

	prio, ok := gen.LastPriority("The heart.")
	require.True(t, ok)
	assert.Equal(t, pool.Scheduled, prio)

	// Bank audio lands in the bank tree, not the shared store.
	assert.Equal(t, 0, shared.Len())

	data, err := m.Read("anatomy", "q1", "answer")
	require.NoError(t, err)
	assert.Equal(t, testutil.FakeWAV(len("The heart.")*100), data)

	man, err := m.ReadManifest("anatomy")
	require.NoError(t, err)
	assert.Equal(t, "anatomy", man.BankID)
	assert.Equal(t, testVoice, man.Voice)
	assert.Equal(t, 2, man.TotalItems)
	assert.Equal(t, 4, man.TotalSegments)
	assert.False(t, man.GeneratedAt.IsZero())

	info, ok := man.lookup("q1", "answer")
	require.True(t, ok)
	wantAudio := testutil.FakeWAV(len("The heart.") * 100)
	assert.Equal(t, "answer.wav", info.File)
	assert.Equal(t, int64(len(wantAudio)), info.SizeBytes)
	assert.Equal(t, 24000, info.SampleRate)
	assert.InDelta(t, wavutil.Duration(wantAudio, 24000), info.DurationSeconds, 1e-9)
}

func TestGenerateBankSkipsExisting(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	gen := testutil.NewScriptedGenerator()
	p, _ := newTestBatcher(t, gen)

	existing := writeAudio(t, m, "geo", "q1", "prompt", 2400)

	spec := BankSpec{
		BankID: "geo",
		Voice:  testVoice,
		Items:  []Item{{ID: "q1", Prompt: "Name the longest river.", Answer: "The Nile."}},
	}
	id, err := m.GenerateBank(context.Background(), spec, p)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background(), id))

	view, _ := p.Job(id)
	assert.Equal(t, prefetch.Progress{Total: 2, Completed: 2, Cached: 1, Generated: 1}, view.Progress)
	assert.Equal(t, 0, gen.Calls("Name the longest river."))
	assert.Equal(t, 1, gen.Calls("The Nile."))

	man, err := m.ReadManifest("geo")
	require.NoError(t, err)
	info, ok := man.lookup("q1", "prompt")
	require.True(t, ok)
	assert.Equal(t, int64(len(existing)), info.SizeBytes)
	assert.InDelta(t, 0.1, info.DurationSeconds, 1e-9) // 2400 samples at 24 kHz
	assert.False(t, info.CreatedAt.IsZero())

	// A second run finds everything on disk.
	before := gen.TotalCalls()
	id2, err := m.GenerateBank(context.Background(), spec, p)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background(), id2))

	view, _ = p.Job(id2)
	assert.Equal(t, prefetch.Progress{Total: 2, Completed: 2, Cached: 2}, view.Progress)
	assert.Equal(t, before, gen.TotalCalls())
}

func TestGenerateBankForceAndSharedText(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	gen := testutil.NewScriptedGenerator()
	p, _ := newTestBatcher(t, gen)

	spec := BankSpec{
		BankID: "capitals",
		Voice:  testVoice,
		Items: []Item{
			{ID: "q1", Prompt: "True or false?"},
			{ID: "q2", Prompt: "True or false?"},
		},
	}
	id, err := m.GenerateBank(context.Background(), spec, p)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background(), id))

	// One generation feeds both items; the second plan entry is cached.
	view, _ := p.Job(id)
	assert.Equal(t, prefetch.Progress{Total: 2, Completed: 2, Cached: 1, Generated: 1}, view.Progress)
	assert.Equal(t, 1, gen.Calls("True or false?"))
	assert.True(t, m.Has("capitals", "q1", "prompt"))
	assert.True(t, m.Has("capitals", "q2", "prompt"))

	spec.Force = true
	id2, err := m.GenerateBank(context.Background(), spec, p)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background(), id2))

	view, _ = p.Job(id2)
	assert.Equal(t, prefetch.Progress{Total: 2, Completed: 2, Cached: 1, Generated: 1}, view.Progress)
	assert.Equal(t, 2, gen.Calls("True or false?"))
}

func TestGenerateBankCancelsPrevious(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	gen := testutil.NewScriptedGenerator()
	gen.SetDelay(20 * time.Millisecond)
	p, _ := newTestBatcher(t, gen)

	items := make([]Item, 6)
	for i := range items {
		items[i] = Item{ID: HintField(i), Prompt: "segment " + HintField(i)}
	}
	spec := BankSpec{BankID: "slow", Voice: testVoice, Items: items}

	id1, err := m.GenerateBank(context.Background(), spec, p)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return gen.TotalCalls() >= 1
	}, 2*time.Second, time.Millisecond)

	id2, err := m.GenerateBank(context.Background(), spec, p)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	require.NoError(t, p.Wait(context.Background(), id1))
	require.NoError(t, p.Wait(context.Background(), id2))

	view1, _ := p.Job(id1)
	assert.Equal(t, prefetch.StateCancelled, view1.State)
	view2, _ := p.Job(id2)
	assert.Equal(t, prefetch.StateCompleted, view2.State)
}

func TestGenerateBankValidation(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	gen := testutil.NewScriptedGenerator()
	p, _ := newTestBatcher(t, gen)
	ctx := context.Background()

	_, err := m.GenerateBank(ctx, BankSpec{BankID: "..", Voice: testVoice}, p)
	assert.ErrorIs(t, err, ErrInvalidComponent)

	_, err = m.GenerateBank(ctx, BankSpec{BankID: "feedback", Voice: testVoice}, p)
	assert.ErrorIs(t, err, ErrInvalidComponent)

	_, err = m.GenerateBank(ctx, BankSpec{
		BankID: "ok",
		Voice:  testVoice,
		Items:  []Item{{ID: "../q", Prompt: "hi"}},
	}, p)
	assert.ErrorIs(t, err, ErrInvalidComponent)

	_, err = m.GenerateBank(ctx, BankSpec{
		BankID: "ok",
		Voice:  testVoice,
		Items:  []Item{{ID: "q1", Prompt: "a"}, {ID: "q1", Prompt: "b"}},
	}, p)
	require.ErrorIs(t, err, ErrDuplicateItem)
	assert.Contains(t, err.Error(), `"q1"`)

	assert.Equal(t, 0, gen.TotalCalls())
}

func TestCoverage(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	a1 := writeAudio(t, m, "bio", "a", "prompt", 100)
	a2 := writeAudio(t, m, "bio", "a", "answer", 200)

	report, err := m.Coverage("bio", []string{"a", "b"}, []string{"prompt", "answer"})
	require.NoError(t, err)
	assert.Equal(t, "bio", report.BankID)
	assert.Equal(t, 2, report.TotalItems)
	assert.Equal(t, 1, report.CoveredItems)
	assert.Equal(t, 4, report.TotalSegments)
	assert.Equal(t, 2, report.CoveredSegments)
	assert.Equal(t, 2, report.MissingSegments)
	assert.Equal(t, []SegmentRef{{"b", "prompt"}, {"b", "answer"}}, report.Missing)
	assert.Equal(t, int64(len(a1)+len(a2)), report.TotalSizeBytes)
	assert.False(t, report.Complete)
	assert.Equal(t, 50.0, report.Percent)

	_, err = m.Coverage("bio", []string{"a"}, []string{"../x"})
	assert.ErrorIs(t, err, ErrInvalidComponent)

	empty, err := m.Coverage("bio", nil, nil)
	require.NoError(t, err)
	assert.True(t, empty.Complete)
	assert.Equal(t, 100.0, empty.Percent)
}

func TestCoverageForItems(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	writeAudio(t, m, "bio", "a", "prompt", 100)
	writeAudio(t, m, "bio", "a", "answer", 100)

	items := []Item{
		{ID: "a", Prompt: "p", Answer: "an"},
		{ID: "b", Prompt: "p", Hints: []string{"h"}},
	}
	report, err := m.CoverageForItems("bio", items)
	require.NoError(t, err)
	assert.Equal(t, 4, report.TotalSegments)
	assert.Equal(t, 2, report.CoveredSegments)
	assert.Equal(t, []SegmentRef{{"b", "prompt"}, {"b", "hint_0"}}, report.Missing)
	assert.Equal(t, 50.0, report.Percent)
}

func TestManifestRoundTrip(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	man := Manifest{
		Voice:       testVoice,
		GeneratedAt: ts,
	}
	man.set("q1", "prompt", SegmentInfo{
		File:            "prompt.wav",
		SizeBytes:       4644,
		DurationSeconds: 0.5,
		SampleRate:      24000,
		CreatedAt:       ts,
	})
	man.recount()
	require.NoError(t, m.WriteManifest("history", man))

	got, err := m.ReadManifest("history")
	require.NoError(t, err)
	assert.Equal(t, "history", got.BankID)
	assert.Equal(t, 1, got.TotalItems)
	assert.Equal(t, 1, got.TotalSegments)
	assert.Equal(t, int64(4644), got.TotalSizeBytes)
	assert.Equal(t, 0.5, got.TotalDurationSeconds)
	assert.Equal(t, man.Segments, got.Segments)

	_, err = m.ReadManifest("unknown")
	assert.ErrorIs(t, err, ErrNoManifest)

	_, err = m.ReadManifest("feedback")
	assert.ErrorIs(t, err, ErrInvalidComponent)
}

func TestGenerateFeedback(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	gen := testutil.NewScriptedGenerator()
	p, _ := newTestBatcher(t, gen)

	id, err := m.GenerateFeedback(context.Background(), testVoice, nil, p)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background(), id))

	for name, text := range DefaultFeedback {
		assert.True(t, m.HasFeedback(name), "missing feedback %s", name)
		data, err := m.ReadFeedback(name)
		require.NoError(t, err)
		assert.Equal(t, testutil.FakeWAV(len(text)*100), data)
		assert.Equal(t, 1, gen.Calls(text))
	}

	// Feedback phrases are not tracked in a manifest.
	_, err = os.Stat(filepath.Join(m.Dir(), "feedback", "manifest.json"))
	assert.Error(t, err)

	// A second run skips everything.
	before := gen.TotalCalls()
	id2, err := m.GenerateFeedback(context.Background(), testVoice, nil, p)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background(), id2))
	assert.Equal(t, before, gen.TotalCalls())

	// Custom phrases get their own files.
	id3, err := m.GenerateFeedback(context.Background(), testVoice, map[string]string{"try_again": "Try again!"}, p)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background(), id3))
	assert.True(t, m.HasFeedback("try_again"))

	_, err = m.GenerateFeedback(context.Background(), testVoice, map[string]string{"bad name": "x"}, p)
	assert.ErrorIs(t, err, ErrInvalidComponent)

	_, err = m.GenerateFeedback(context.Background(), testVoice, map[string]string{"blank": "  "}, p)
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = m.ReadFeedback("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBanks(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	writeAudio(t, m, "beta", "q1", "prompt", 10)
	writeAudio(t, m, "alpha", "q1", "prompt", 10)

	banks, err := m.Banks()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, banks)
}
