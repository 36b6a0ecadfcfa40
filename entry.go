package ttscache

import "time"

// DefaultTTL is how long cached audio lives unless a put overrides it.
const DefaultTTL = 30 * 24 * time.Hour

// Encoding values for blob files at rest.
const (
	EncodingRaw  = ""
	EncodingZstd = "zstd"
)

// Entry is the index record for one cached audio artifact.
type Entry struct {
	Key             Key       `json:"key"`
	Digest          string    `json:"digest"`
	Path            string    `json:"path"` // blob path relative to the store root
	SizeBytes       int64     `json:"size_bytes"`
	DurationSeconds float64   `json:"duration_seconds"`
	SampleRate      int       `json:"sample_rate"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
	AccessCount     int64     `json:"access_count"`
	TTLSeconds      int64     `json:"ttl_seconds"`
	Prefetched      bool      `json:"prefetched,omitempty"`
	Encoding        string    `json:"encoding,omitempty"`
}

// TTL returns the entry's time-to-live as a duration.
func (e *Entry) TTL() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// ExpiredAt reports whether the entry has reached its TTL as of now. The
// boundary is inclusive: an entry whose age equals the TTL is expired.
// TTLSeconds <= 0 means the entry never expires.
func (e *Entry) ExpiredAt(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return !now.Before(e.CreatedAt.Add(e.TTL()))
}

// Expired reports whether the entry has reached its TTL.
func (e *Entry) Expired() bool {
	return e.ExpiredAt(time.Now())
}

// Touch records an access at now.
func (e *Entry) Touch(now time.Time) {
	e.LastAccessedAt = now
	e.AccessCount++
}
