// Package wavutil estimates playback properties of WAV payloads returned
// by TTS backends.
package wavutil

// HeaderSize is the canonical RIFF/WAVE header length the backends emit.
const HeaderSize = 44

// Duration estimates playback seconds for a 16-bit mono WAV payload at the
// given sample rate. Payloads shorter than a header estimate as zero.
func Duration(payload []byte, sampleRate int) float64 {
	return DurationForSize(int64(len(payload)), sampleRate)
}

// DurationForSize is Duration for a payload known only by its byte size,
// such as a WAV file on disk.
func DurationForSize(size int64, sampleRate int) float64 {
	if sampleRate <= 0 || size <= HeaderSize {
		return 0
	}
	samples := float64(size-HeaderSize) / 2
	return samples / float64(sampleRate)
}
