package ttscache

import (
	"fmt"
	"math"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/text/unicode/norm"
)

// DigestLen is the length in hex characters of text hashes and cache digests.
const DigestLen = 16

// Key identifies one cached audio artifact.
//
// A key is derived from the spoken text and the voice configuration only.
// The provider-specific fields are populated when the provider uses them and
// nil otherwise, so configurations that differ only in parameters a provider
// ignores still resolve to the same artifact.
type Key struct {
	TextHash     string   `json:"text_hash"`
	VoiceID      string   `json:"voice_id"`
	Provider     string   `json:"provider"`
	Speed        float64  `json:"speed"`
	Exaggeration *float64 `json:"exaggeration,omitempty"`
	CFGWeight    *float64 `json:"cfg_weight,omitempty"`
	Language     string   `json:"language,omitempty"`
}

// NewKey builds the key for speaking text with the given voice.
//
// The config is normalized first (defaults applied, speed rounded, params
// for other providers dropped), so callers do not need to pre-fill it.
func NewKey(text string, cfg VoiceConfig) Key {
	cfg = cfg.Normalized()
	k := Key{
		TextHash: HashText(text),
		VoiceID:  cfg.VoiceID,
		Provider: cfg.Provider,
		Speed:    cfg.Speed,
	}
	if cb := cfg.Params.Chatterbox; cb != nil {
		k.Exaggeration = cb.Exaggeration
		k.CFGWeight = cb.CFGWeight
		k.Language = cb.Language
	}
	return k
}

// Digest returns the deterministic digest addressing this key's artifact:
// the first 16 hex characters of the SHA-256 over the key's canonical
// string form. Blob files and index entries are named by this digest.
func (k Key) Digest() string {
	parts := []string{k.TextHash, k.VoiceID, k.Provider, fmt.Sprintf("%.2f", k.Speed)}
	if k.Exaggeration != nil {
		parts = append(parts, fmt.Sprintf("ex%.2f", *k.Exaggeration))
	}
	if k.CFGWeight != nil {
		parts = append(parts, fmt.Sprintf("cfg%.2f", *k.CFGWeight))
	}
	if k.Language != "" {
		parts = append(parts, "lang"+k.Language)
	}
	return digest.FromString(strings.Join(parts, "|")).Encoded()[:DigestLen]
}

// NormalizeText canonicalizes text before hashing: Unicode NFC, surrounding
// whitespace trimmed, internal whitespace runs collapsed to single spaces.
// Applying it twice yields the same result as applying it once.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}

// HashText returns the first 16 hex characters of the SHA-256 of the
// normalized text.
func HashText(text string) string {
	return digest.FromString(NormalizeText(text)).Encoded()[:DigestLen]
}

func roundSpeed(s float64) float64 {
	return math.Round(s*100) / 100
}
