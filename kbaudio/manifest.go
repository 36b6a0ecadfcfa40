package kbaudio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/meigma/ttscache"
)

const manifestName = "manifest.json"

// SegmentInfo records one audio file in a bank manifest. Durations of
// files found on disk rather than generated are estimates from file size.
type SegmentInfo struct {
	File            string    `json:"file"`
	SizeBytes       int64     `json:"size_bytes"`
	DurationSeconds float64   `json:"duration_seconds"`
	SampleRate      int       `json:"sample_rate"`
	CreatedAt       time.Time `json:"created_at"`
}

// Manifest records what a bank generation produced. Totals are derived
// from the segment map; the total duration is rounded to two decimals.
type Manifest struct {
	BankID               string               `json:"bank_id"`
	Voice                ttscache.VoiceConfig `json:"voice"`
	GeneratedAt          time.Time            `json:"generated_at"`
	TotalItems           int                  `json:"total_items"`
	TotalSegments        int                  `json:"total_segments"`
	TotalSizeBytes       int64                `json:"total_size_bytes"`
	TotalDurationSeconds float64              `json:"total_duration_seconds"`

	// Segments maps item ID to field name to file info.
	Segments map[string]map[string]SegmentInfo `json:"segments"`
}

// set records a segment, replacing any previous record for the field.
func (m *Manifest) set(itemID, field string, info SegmentInfo) {
	if m.Segments == nil {
		m.Segments = make(map[string]map[string]SegmentInfo)
	}
	fields, ok := m.Segments[itemID]
	if !ok {
		fields = make(map[string]SegmentInfo)
		m.Segments[itemID] = fields
	}
	fields[field] = info
}

// lookup returns the recorded info for an item field.
func (m *Manifest) lookup(itemID, field string) (SegmentInfo, bool) {
	info, ok := m.Segments[itemID][field]
	return info, ok
}

// recount rebuilds the totals from the segment map.
func (m *Manifest) recount() {
	m.TotalItems = len(m.Segments)
	m.TotalSegments = 0
	m.TotalSizeBytes = 0
	dur := 0.0
	for _, fields := range m.Segments {
		m.TotalSegments += len(fields)
		for _, info := range fields {
			m.TotalSizeBytes += info.SizeBytes
			dur += info.DurationSeconds
		}
	}
	m.TotalDurationSeconds = math.Round(dur*100) / 100
}

// ReadManifest loads a bank's manifest.
func (m *Manager) ReadManifest(bankID string) (Manifest, error) {
	if err := m.checkBank(bankID); err != nil {
		return Manifest{}, err
	}
	data, err := os.ReadFile(filepath.Join(m.dir, bankID, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return Manifest{}, fmt.Errorf("%w: %s", ErrNoManifest, bankID)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("kbaudio: read manifest for %s: %w", bankID, err)
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return Manifest{}, fmt.Errorf("kbaudio: parse manifest for %s: %w", bankID, err)
	}
	return man, nil
}

// WriteManifest stores a bank's manifest atomically. The manifest's bank
// ID is forced to the target bank.
func (m *Manager) WriteManifest(bankID string, man Manifest) error {
	if err := m.checkBank(bankID); err != nil {
		return err
	}
	man.BankID = bankID
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("kbaudio: encode manifest for %s: %w", bankID, err)
	}
	if err := writeFileAtomic(filepath.Join(m.dir, bankID, manifestName), data); err != nil {
		return fmt.Errorf("kbaudio: write manifest for %s: %w", bankID, err)
	}
	return nil
}

// writeFileAtomic writes data via a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "kbaudio-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
