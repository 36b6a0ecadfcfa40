package kbaudio

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/internal/wavutil"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/prefetch"
	"github.com/meigma/ttscache/store"
)

// Item is one question-bank entry to speak. Empty fields are skipped.
type Item struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Answer      string   `json:"answer,omitempty"`
	Hints       []string `json:"hints,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
}

type itemSegment struct {
	field string
	text  string
}

// segments returns the item's speakable fields in reading order.
func (it Item) segments() []itemSegment {
	var segs []itemSegment
	add := func(field, text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		segs = append(segs, itemSegment{field: field, text: text})
	}
	add(FieldPrompt, it.Prompt)
	add(FieldAnswer, it.Answer)
	for i, hint := range it.Hints {
		add(HintField(i), hint)
	}
	add(FieldExplanation, it.Explanation)
	return segs
}

// BankSpec describes one bank generation run.
type BankSpec struct {
	BankID string               `json:"bank_id"`
	Voice  ttscache.VoiceConfig `json:"voice"`
	Items  []Item               `json:"items"`
	// Force regenerates audio that already exists on disk.
	Force bool `json:"force,omitempty"`
}

// Batcher runs background generation jobs. *prefetch.Prefetcher
// satisfies it.
type Batcher interface {
	RunBatch(ctx context.Context, spec prefetch.BatchSpec) (string, error)
	Cancel(jobID string) bool
}

// GenerateBank synthesizes the bank's missing audio as a scheduled batch
// job and returns the job ID. A still-active job for the same bank is
// cancelled first. The bank manifest is seeded from files already on disk
// and updated as generated audio lands.
func (m *Manager) GenerateBank(ctx context.Context, spec BankSpec, batch Batcher) (string, error) {
	if err := m.checkBank(spec.BankID); err != nil {
		return "", err
	}
	voice := spec.Voice.Normalized()

	plan, err := m.planBank(spec.BankID, spec.Items)
	if err != nil {
		return "", err
	}
	if len(plan) == 0 {
		m.log.Warn("bank has no speakable segments", "bank", spec.BankID)
	}

	sink := newBankSink(m, spec.BankID, voice, plan, spec.Force)
	if err := sink.seed(); err != nil {
		return "", err
	}
	return m.startBatch(ctx, spec.BankID, "kb:"+spec.BankID, voice, plan, sink, batch)
}

// GenerateFeedback synthesizes the shared feedback phrases that are
// missing. A nil phrase map generates DefaultFeedback. Feedback files are
// not tracked in any manifest.
func (m *Manager) GenerateFeedback(ctx context.Context, voice ttscache.VoiceConfig, phrases map[string]string, batch Batcher) (string, error) {
	if len(phrases) == 0 {
		phrases = DefaultFeedback
	}
	voice = voice.Normalized()

	plan := make([]bankTarget, 0, len(phrases))
	for _, name := range slices.Sorted(maps.Keys(phrases)) {
		path, err := m.FeedbackPath(name)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(phrases[name]) == "" {
			return "", fmt.Errorf("%w for feedback phrase %q", ErrEmptyText, name)
		}
		plan = append(plan, bankTarget{
			itemID: feedbackDir,
			field:  name,
			text:   phrases[name],
			path:   path,
			rel:    filepath.Join(feedbackDir, name+".wav"),
		})
	}

	sink := newBankSink(m, feedbackDir, voice, plan, false)
	return m.startBatch(ctx, feedbackDir, "kb:"+feedbackDir, voice, plan, sink, batch)
}

// planBank validates the bank's items and lays out one target per
// speakable field.
func (m *Manager) planBank(bankID string, items []Item) ([]bankTarget, error) {
	seen := make(map[string]bool, len(items))
	var plan []bankTarget
	for _, item := range items {
		if err := checkComponent("item", item.ID); err != nil {
			return nil, err
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("%w %q", ErrDuplicateItem, item.ID)
		}
		seen[item.ID] = true
		for _, seg := range item.segments() {
			rel := filepath.Join(bankID, item.ID, seg.field+".wav")
			plan = append(plan, bankTarget{
				itemID: item.ID,
				field:  seg.field,
				text:   seg.text,
				path:   filepath.Join(m.dir, rel),
				rel:    rel,
			})
		}
	}
	return plan, nil
}

// startBatch cancels the bank's previous job, hands the plan to the
// batcher, and records the new job ID.
func (m *Manager) startBatch(ctx context.Context, bankID, label string, voice ttscache.VoiceConfig, plan []bankTarget, sink *bankSink, batch Batcher) (string, error) {
	m.mu.Lock()
	prev, hadPrev := m.active[bankID]
	m.mu.Unlock()
	if hadPrev && batch.Cancel(prev) {
		m.log.Info("cancelled previous bank job", "bank", bankID, "job", prev)
	}

	texts := make([]string, len(plan))
	for i, t := range plan {
		texts[i] = t.text
	}
	id, err := batch.RunBatch(ctx, prefetch.BatchSpec{
		Label:    label,
		Segments: texts,
		Voice:    voice,
		Priority: pool.Scheduled,
		Cache:    sink,
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.active[bankID] = id
	m.mu.Unlock()

	m.log.Info("bank generation started", "bank", bankID, "job", id, "segments", len(plan))
	return id, nil
}

// bankTarget is one planned audio file.
type bankTarget struct {
	itemID string
	field  string
	text   string
	path   string // absolute
	rel    string // relative to the manager root
}

// bankSink adapts a bank's file layout to the prefetch cache interface.
// Keys are mapped back to planned targets by digest, so items sharing the
// same text and voice resolve to one generation feeding every target.
type bankSink struct {
	m      *Manager
	bankID string
	voice  ttscache.VoiceConfig
	force  bool
	plan   []bankTarget
	// targets maps a key digest to the plan indexes it produces.
	// Read-only after construction.
	targets map[string][]int

	mu      sync.Mutex
	written map[int]bool
	man     *Manifest
}

func newBankSink(m *Manager, bankID string, voice ttscache.VoiceConfig, plan []bankTarget, force bool) *bankSink {
	s := &bankSink{
		m:       m,
		bankID:  bankID,
		voice:   voice,
		force:   force,
		plan:    plan,
		targets: make(map[string][]int, len(plan)),
		written: make(map[int]bool),
	}
	for i, t := range plan {
		dg := ttscache.NewKey(t.text, voice).Digest()
		s.targets[dg] = append(s.targets[dg], i)
	}
	return s
}

// seed initializes the bank manifest before the job runs: entries from a
// previous manifest are kept when their files are unchanged, other files
// already on disk get size-estimated entries. Force runs start from an
// empty manifest so stale audio drops out once regenerated.
func (s *bankSink) seed() error {
	man := Manifest{
		BankID:      s.bankID,
		Voice:       s.voice,
		GeneratedAt: s.m.now(),
	}
	if !s.force {
		var prev *Manifest
		if old, err := s.m.ReadManifest(s.bankID); err == nil {
			prev = &old
		}
		rate := s.m.sampleRate(s.voice.Provider)
		for _, t := range s.plan {
			st, err := os.Stat(t.path)
			if err != nil {
				continue
			}
			var info SegmentInfo
			ok := false
			if prev != nil {
				info, ok = prev.lookup(t.itemID, t.field)
			}
			if !ok || info.SizeBytes != st.Size() {
				info = SegmentInfo{
					File:            t.field + ".wav",
					SizeBytes:       st.Size(),
					DurationSeconds: wavutil.DurationForSize(st.Size(), rate),
					SampleRate:      rate,
					CreatedAt:       st.ModTime(),
				}
			}
			man.set(t.itemID, t.field, info)
		}
	}
	man.recount()

	s.mu.Lock()
	s.man = &man
	s.mu.Unlock()
	return s.m.WriteManifest(s.bankID, man)
}

// Has reports whether every target for the key already has audio. Force
// runs only trust files written during this job.
func (s *bankSink) Has(key ttscache.Key) bool {
	idxs, ok := s.targets[key.Digest()]
	if !ok {
		return false
	}
	if s.force {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, i := range idxs {
			if !s.written[i] {
				return false
			}
		}
		return true
	}
	for _, i := range idxs {
		if _, err := os.Stat(s.plan[i].path); err != nil {
			return false
		}
	}
	return true
}

// Put writes the generated audio to every target for the key and updates
// the bank manifest.
func (s *bankSink) Put(key ttscache.Key, audio []byte, sampleRate int, durationSeconds float64, _ ...store.PutOption) (ttscache.Entry, error) {
	dg := key.Digest()
	idxs, ok := s.targets[dg]
	if !ok {
		return ttscache.Entry{}, fmt.Errorf("kbaudio: no target for digest %s", dg)
	}
	for _, i := range idxs {
		t := s.plan[i]
		if err := writeFileAtomic(t.path, audio); err != nil {
			return ttscache.Entry{}, fmt.Errorf("kbaudio: write %s/%s/%s: %w", s.bankID, t.itemID, t.field, err)
		}
	}

	now := s.m.now()
	s.mu.Lock()
	for _, i := range idxs {
		s.written[i] = true
		if s.man != nil {
			t := s.plan[i]
			s.man.set(t.itemID, t.field, SegmentInfo{
				File:            t.field + ".wav",
				SizeBytes:       int64(len(audio)),
				DurationSeconds: durationSeconds,
				SampleRate:      sampleRate,
				CreatedAt:       now,
			})
		}
	}
	var snapshot *Manifest
	if s.man != nil {
		s.man.recount()
		snapshot = s.man
	}
	s.mu.Unlock()

	if snapshot != nil {
		if err := s.m.WriteManifest(s.bankID, *snapshot); err != nil {
			return ttscache.Entry{}, err
		}
	}

	first := s.plan[idxs[0]]
	return ttscache.Entry{
		Key:             key,
		Digest:          dg,
		Path:            first.rel,
		SizeBytes:       int64(len(audio)),
		DurationSeconds: durationSeconds,
		SampleRate:      sampleRate,
		CreatedAt:       now,
		Prefetched:      true,
	}, nil
}
