package store

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meigma/ttscache"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.json")

	if err := writeFileAtomic(path, []byte("first")); err != nil {
		t.Fatalf("writeFileAtomic() error = %v", err)
	}
	if err := writeFileAtomic(path, []byte("second")); err != nil {
		t.Fatalf("overwrite writeFileAtomic() error = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, []byte("second")) {
		t.Fatalf("content = %q, want %q", got, "second")
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, "nested", "ttscache-*"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestBlobRel(t *testing.T) {
	t.Parallel()

	got := blobRel("0123456789abcdef", ttscache.EncodingRaw)
	want := filepath.Join("audio", "01", "0123456789abcdef.wav")
	if got != want {
		t.Fatalf("blobRel() = %q, want %q", got, want)
	}

	got = blobRel("0123456789abcdef", ttscache.EncodingZstd)
	want = filepath.Join("audio", "01", "0123456789abcdef.wav.zst")
	if got != want {
		t.Fatalf("blobRel() = %q, want %q", got, want)
	}
}

func TestIndexSnapshotShape(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, text := range []string{"first", "second", "third"} {
		if _, err := s.Put(testKey(text), []byte("audio"), 24000, 1); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, indexName))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var snap indexSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if snap.Version != indexVersion {
		t.Fatalf("Version = %d, want %d", snap.Version, indexVersion)
	}
	if snap.SavedAt.IsZero() {
		t.Fatal("SavedAt should be set")
	}
	if len(snap.Entries) != 3 {
		t.Fatalf("Entries = %d, want 3", len(snap.Entries))
	}

	// Insertion order is the persisted order, which is what reload uses to
	// break eviction ties.
	wantOrder := []string{
		testKey("first").Digest(),
		testKey("second").Digest(),
		testKey("third").Digest(),
	}
	for i, e := range snap.Entries {
		if e.Digest != wantOrder[i] {
			t.Fatalf("Entries[%d].Digest = %q, want %q", i, e.Digest, wantOrder[i])
		}
	}
}

func TestTTLSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   time.Duration
		want int64
	}{
		{"zero", 0, 0},
		{"negative", -time.Minute, 0},
		{"whole seconds", 90 * time.Second, 90},
		{"rounds up", 1500 * time.Millisecond, 2},
		{"subsecond", 10 * time.Millisecond, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ttlSeconds(tt.in); got != tt.want {
				t.Fatalf("ttlSeconds(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
