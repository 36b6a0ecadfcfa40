package httpapi

import (
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/meigma/ttscache"
)

// cacheStatsResponse is the store snapshot plus derived ratios and
// humanized sizes.
type cacheStatsResponse struct {
	ttscache.Stats
	HitRate      float64 `json:"hit_rate"`
	Utilization  float64 `json:"utilization"`
	SizeHuman    string  `json:"size_human"`
	MaxSizeHuman string  `json:"max_size_human"`
}

func newCacheStatsResponse(st ttscache.Stats) cacheStatsResponse {
	return cacheStatsResponse{
		Stats:        st,
		HitRate:      st.HitRate(),
		Utilization:  st.Utilization(),
		SizeHuman:    humanize.IBytes(uint64(max(st.SizeBytes, 0))),
		MaxSizeHuman: humanize.IBytes(uint64(max(st.MaxSizeBytes, 0))),
	}
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, newCacheStatsResponse(h.cache.Stats()))
}

type evictedResponse struct {
	EntriesRemoved int `json:"entries_removed"`
}

func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		h.writeError(w, http.StatusBadRequest, "pass confirm=true to clear the cache")
		return
	}
	n := h.cache.Len()
	if err := h.cache.Clear(); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("cache cleared over http", "entries", n)
	h.writeJSON(w, http.StatusOK, evictedResponse{EntriesRemoved: n})
}

func (h *Handler) handleEvictExpired(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, evictedResponse{EntriesRemoved: h.cache.EvictExpired()})
}

type evictRequest struct {
	TargetBytes *int64 `json:"target_bytes"`
}

func (h *Handler) handleEvictLRU(w http.ResponseWriter, r *http.Request) {
	var req evictRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TargetBytes == nil || *req.TargetBytes < 0 {
		h.writeError(w, http.StatusBadRequest, "target_bytes is required and must be non-negative")
		return
	}
	h.writeJSON(w, http.StatusOK, evictedResponse{EntriesRemoved: h.cache.EvictLRU(*req.TargetBytes)})
}
