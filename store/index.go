package store

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/meigma/ttscache"
)

const indexVersion = 1

// indexSnapshot is the persisted form of the in-memory index. Entries are
// written in insertion order so a reload reproduces eviction tie-breaking.
type indexSnapshot struct {
	Version int              `json:"version"`
	SavedAt time.Time        `json:"saved_at"`
	Entries []ttscache.Entry `json:"entries"`
}

// SaveIndex atomically writes the index snapshot next to the blobs.
func (s *Store) SaveIndex() error {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.entries))
	for _, rec := range s.entries {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *record) int {
		return cmp.Compare(a.seq, b.seq)
	})
	snap := indexSnapshot{
		Version: indexVersion,
		SavedAt: time.Now(),
		Entries: make([]ttscache.Entry, 0, len(recs)),
	}
	for _, rec := range recs {
		snap.Entries = append(snap.Entries, *rec.entry)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, indexName), data); err != nil {
		return fmt.Errorf("store: write index: %w", err)
	}
	return nil
}

// loadIndex populates the in-memory index from index.json. A missing file
// is a fresh store; an unreadable or corrupt one starts empty. Entries
// whose blob file is gone are dropped. Runs before the store is shared, so
// no locking.
func (s *Store) loadIndex() {
	path := filepath.Join(s.dir, indexName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		s.log.Warn("index unreadable, starting empty", "path", path, "err", err)
		return
	}
	var snap indexSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("index corrupt, starting empty", "path", path, "err", err)
		return
	}

	dropped := 0
	for i := range snap.Entries {
		e := snap.Entries[i]
		if e.Digest == "" || e.Path == "" {
			dropped++
			continue
		}
		info, err := os.Stat(filepath.Join(s.dir, e.Path))
		if err != nil {
			dropped++
			continue
		}
		// The file on disk wins size disputes; it is what eviction frees.
		e.SizeBytes = info.Size()
		s.entries[e.Digest] = &record{entry: &e, seq: s.nextSeq}
		s.nextSeq++
		s.size += e.SizeBytes
	}
	if dropped > 0 {
		s.log.Debug("dropped index entries with missing blobs", "count", dropped)
	}
	s.log.Debug("index loaded", "entries", len(s.entries), "bytes", s.size)
}

// sweepOrphans removes blob files the index does not reference. Put writes
// blobs before index entries, so orphans are expected after a crash. Runs
// before the store is shared, so no locking.
func (s *Store) sweepOrphans() {
	want := make(map[string]struct{}, len(s.entries))
	for _, rec := range s.entries {
		want[rec.entry.Path] = struct{}{}
	}

	removed := 0
	root := filepath.Join(s.dir, audioDir)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return nil
		}
		if _, ok := want[rel]; ok {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
		return nil
	})
	if removed > 0 {
		s.log.Debug("removed orphan blobs", "count", removed)
	}
}

// blobRel returns the blob path for a digest, relative to the store root.
func blobRel(dg, encoding string) string {
	name := dg + ".wav"
	if encoding == ttscache.EncodingZstd {
		name += ".zst"
	}
	if len(dg) < shardPrefixLen {
		return filepath.Join(audioDir, name)
	}
	return filepath.Join(audioDir, dg[:shardPrefixLen], name)
}

// writeBlob writes data to path unless the file already exists. Blobs are
// digest-addressed, so an existing file already holds this content.
func writeBlob(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes data via a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "ttscache-*")
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
