// Package kbaudio manages pre-generated audio for fixed question banks.
//
// Bank audio is addressed by stable IDs rather than text digests: every
// bank owns a directory of per-item WAV files plus a manifest recording
// what was generated. Missing audio is synthesized through the shared
// prefetch machinery at scheduled priority, so live traffic is never
// starved by bank builds.
package kbaudio

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/meigma/ttscache/pool"
)

var (
	// ErrEmptyDir is returned by NewManager for an empty directory.
	ErrEmptyDir = errors.New("kbaudio: empty dir")
	// ErrInvalidComponent is returned when a bank, item or field name is
	// not a safe path component.
	ErrInvalidComponent = errors.New("kbaudio: invalid path component")
	// ErrNotFound is returned when the requested audio does not exist.
	ErrNotFound = errors.New("kbaudio: audio not found")
	// ErrNoManifest is returned when a bank has no manifest yet.
	ErrNoManifest = errors.New("kbaudio: no manifest")
	// ErrDuplicateItem is returned when a bank spec lists an item ID twice.
	ErrDuplicateItem = errors.New("kbaudio: duplicate item")
	// ErrEmptyText is returned when a phrase to generate has no text.
	ErrEmptyText = errors.New("kbaudio: empty text")
)

// Canonical field names for item audio. Hints use HintField.
const (
	FieldPrompt      = "prompt"
	FieldAnswer      = "answer"
	FieldExplanation = "explanation"
)

// HintField names the audio field for the i-th hint, starting at zero.
func HintField(i int) string {
	return fmt.Sprintf("hint_%d", i)
}

// feedbackDir is a reserved top-level directory holding phrases shared by
// every bank. Bank IDs may not collide with it.
const feedbackDir = "feedback"

// DefaultFeedback is generated by GenerateFeedback when no phrases are
// given.
var DefaultFeedback = map[string]string{
	"correct":   "Correct!",
	"incorrect": "Incorrect.",
	"hint":      "Here's a hint.",
}

const (
	dirPerm      = 0o700
	fallbackRate = 24000
)

// Path components are plain names. Everything that could traverse or
// escape the tree (separators, dots, empty strings) is rejected.
var componentRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Manager owns a directory tree of bank audio laid out as
// <dir>/<bank>/<item>/<field>.wav with a manifest.json per bank.
type Manager struct {
	dir   string
	rates map[string]int
	log   *log.Logger
	now   func() time.Time

	mu     sync.Mutex
	active map[string]string // bank ID -> last started job ID
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		m.log = logger
	}
}

// WithSampleRates sets the per-provider sample rates used to estimate
// durations of audio files already on disk. Defaults to the pool's
// provider table.
func WithSampleRates(rates map[string]int) Option {
	return func(m *Manager) {
		m.rates = make(map[string]int, len(rates))
		for name, rate := range rates {
			m.rates[name] = rate
		}
	}
}

// WithClock sets the time source used for manifest timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager rooted at dir, creating the directory and
// the shared feedback directory if needed.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if dir == "" {
		return nil, ErrEmptyDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("kbaudio: resolve dir: %w", err)
	}

	m := &Manager{
		dir:    abs,
		rates:  make(map[string]int),
		log:    log.New(io.Discard),
		now:    time.Now,
		active: make(map[string]string),
	}
	for name, prov := range pool.DefaultProviders() {
		m.rates[name] = prov.SampleRate
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(filepath.Join(abs, feedbackDir), dirPerm); err != nil {
		return nil, fmt.Errorf("kbaudio: create dirs: %w", err)
	}
	return m, nil
}

// Dir returns the manager's root directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Path returns the validated absolute path for one audio file. The file
// itself may not exist.
func (m *Manager) Path(bankID, itemID, field string) (string, error) {
	if err := m.checkBank(bankID); err != nil {
		return "", err
	}
	if err := checkComponent("item", itemID); err != nil {
		return "", err
	}
	if err := checkComponent("field", field); err != nil {
		return "", err
	}
	return filepath.Join(m.dir, bankID, itemID, field+".wav"), nil
}

// Has reports whether audio exists for the item field.
func (m *Manager) Has(bankID, itemID, field string) bool {
	path, err := m.Path(bankID, itemID, field)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Read returns the audio bytes for the item field.
func (m *Manager) Read(bankID, itemID, field string) ([]byte, error) {
	path, err := m.Path(bankID, itemID, field)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, bankID, itemID, field)
	}
	if err != nil {
		return nil, fmt.Errorf("kbaudio: read %s/%s/%s: %w", bankID, itemID, field, err)
	}
	return data, nil
}

// FeedbackPath returns the validated absolute path for a shared feedback
// phrase.
func (m *Manager) FeedbackPath(name string) (string, error) {
	if err := checkComponent("phrase", name); err != nil {
		return "", err
	}
	return filepath.Join(m.dir, feedbackDir, name+".wav"), nil
}

// HasFeedback reports whether a feedback phrase has audio.
func (m *Manager) HasFeedback(name string) bool {
	path, err := m.FeedbackPath(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// ReadFeedback returns the audio bytes for a feedback phrase.
func (m *Manager) ReadFeedback(name string) ([]byte, error) {
	path, err := m.FeedbackPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: feedback %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("kbaudio: read feedback %s: %w", name, err)
	}
	return data, nil
}

// Banks lists bank IDs that have a directory, sorted.
func (m *Manager) Banks() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("kbaudio: list banks: %w", err)
	}
	var banks []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != feedbackDir {
			banks = append(banks, e.Name())
		}
	}
	slices.Sort(banks)
	return banks, nil
}

func (m *Manager) checkBank(bankID string) error {
	if err := checkComponent("bank", bankID); err != nil {
		return err
	}
	if bankID == feedbackDir {
		return fmt.Errorf("%w: bank %q is reserved", ErrInvalidComponent, bankID)
	}
	return nil
}

func checkComponent(kind, s string) error {
	if !componentRE.MatchString(s) {
		return fmt.Errorf("%w: %s %q", ErrInvalidComponent, kind, s)
	}
	return nil
}

// sampleRate returns the assumed sample rate for a provider's audio.
func (m *Manager) sampleRate(provider string) int {
	if rate, ok := m.rates[provider]; ok && rate > 0 {
		return rate
	}
	return fallbackRate
}
