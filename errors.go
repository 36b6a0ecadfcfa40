package ttscache

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	// ErrUnknownProvider is returned when a request names a TTS provider
	// that was never configured.
	ErrUnknownProvider = errors.New("ttscache: unknown provider")

	// ErrEmptyCacheDir is returned when a store is created with an empty
	// directory path.
	ErrEmptyCacheDir = errors.New("ttscache: cache dir cannot be empty")

	// ErrNoProviders is returned when a pool is created with no providers.
	ErrNoProviders = errors.New("ttscache: no providers configured")
)

// Generation errors.
var (
	// ErrGenerationTimeout is returned when a generation request cannot
	// acquire a slot and complete within the request timeout.
	ErrGenerationTimeout = errors.New("ttscache: generation timed out")

	// ErrBackend is returned when a TTS backend is reachable but fails to
	// produce audio. Inspect with errors.As for *BackendError detail.
	ErrBackend = errors.New("ttscache: backend request failed")
)

// BackendError carries detail about a failed TTS backend call. It matches
// ErrBackend under errors.Is.
type BackendError struct {
	Provider string
	Status   int    // HTTP status, 0 for transport failures
	Body     string // trimmed response body or transport error text
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ttscache: %s backend returned %d: %s", e.Provider, e.Status, e.Body)
	}
	return fmt.Sprintf("ttscache: %s backend request failed: %s", e.Provider, e.Body)
}

func (e *BackendError) Unwrap() error { return ErrBackend }
