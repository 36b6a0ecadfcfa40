// Package session bridges playback sessions to the audio cache.
//
// A Bridge serves segment audio cache-first, generating on miss at live
// priority, and keeps per-session hit accounting. Concurrent misses for
// the same digest are collapsed into a single generation.
package session

import (
	"errors"
	"time"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/prefetch"
)

// ErrEmptySessionID is returned when a session is created without an ID.
var ErrEmptySessionID = errors.New("session: session id required")

// Session is a minimal per-session handle. Voice is normalized at
// construction so every lookup for the session hashes consistently.
type Session struct {
	ID        string
	Voice     ttscache.VoiceConfig
	Lookahead int
}

// NewSession validates the ID, normalizes the voice and applies the
// default lookahead.
func NewSession(id string, voice ttscache.VoiceConfig) (Session, error) {
	if id == "" {
		return Session{}, ErrEmptySessionID
	}
	return Session{
		ID:        id,
		Voice:     voice.Normalized(),
		Lookahead: prefetch.DefaultLookahead,
	}, nil
}

// Audio is the outcome of a segment request.
type Audio struct {
	Data            []byte
	DurationSeconds float64
	SampleRate      int
	CacheHit        bool
	Digest          string
}

// SessionStats is the per-session hit accounting kept by the bridge.
type SessionStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// HitRate reports hits over total lookups, 0 when none.
func (s SessionStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// CoverageReport describes how much of a segment list is cached.
type CoverageReport struct {
	Total   int     `json:"total"`
	Cached  int     `json:"cached"`
	Missing []int   `json:"missing,omitempty"`
	Percent float64 `json:"percent"`
}

// Estimate predicts the cost of generating the uncached remainder of a
// segment list.
type Estimate struct {
	Missing  int           `json:"missing"`
	Duration time.Duration `json:"duration"`
}
