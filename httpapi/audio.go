package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/session"
)

// Cache outcomes reported in the X-Cache response header.
const (
	cacheHit    = "HIT"
	cacheMiss   = "MISS"
	cacheBypass = "BYPASS"
)

type segmentRequest struct {
	SessionID string               `json:"session_id"`
	Text      string               `json:"text"`
	Voice     ttscache.VoiceConfig `json:"voice"`
	// SkipCache generates fresh audio without reading or writing the
	// cache.
	SkipCache bool `json:"skip_cache"`
}

func (h *Handler) handleSegment(w http.ResponseWriter, r *http.Request) {
	var req segmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		h.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if req.SkipCache {
		res, err := h.pool.Generate(r.Context(), pool.Request{Text: req.Text, Voice: req.Voice}, pool.Live)
		if err != nil {
			h.fail(w, err)
			return
		}
		h.writeAudio(w, res.Audio, cacheBypass, res.DurationSeconds, res.SampleRate, ttscache.NewKey(req.Text, req.Voice).Digest())
		return
	}

	sess := session.Session{ID: req.SessionID, Voice: req.Voice}
	audio, err := h.bridge.AudioForSegment(r.Context(), sess, req.Text)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := cacheMiss
	if audio.CacheHit {
		status = cacheHit
	}
	h.writeAudio(w, audio.Data, status, audio.DurationSeconds, audio.SampleRate, audio.Digest)
}

type coverageRequest struct {
	Voice    ttscache.VoiceConfig `json:"voice"`
	Segments []string             `json:"segments"`
}

func (h *Handler) handleCoverage(w http.ResponseWriter, r *http.Request) {
	var req coverageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.writeJSON(w, http.StatusOK, h.bridge.Coverage(req.Voice, req.Segments))
}

func (h *Handler) writeAudio(w http.ResponseWriter, audio []byte, cacheStatus string, durationSeconds float64, sampleRate int, dg string) {
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.Header().Set("X-Cache", cacheStatus)
	w.Header().Set("X-Duration-Seconds", strconv.FormatFloat(durationSeconds, 'f', 2, 64))
	w.Header().Set("X-Sample-Rate", strconv.Itoa(sampleRate))
	if dg != "" {
		w.Header().Set("X-Digest", dg)
	}
	if _, err := w.Write(audio); err != nil {
		h.log.Debug("audio write failed", "err", err)
	}
}
