package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/pool"
	"github.com/meigma/ttscache/prefetch"
)

type upcomingRequest struct {
	SessionID    string               `json:"session_id"`
	Segments     []string             `json:"segments"`
	CurrentIndex int                  `json:"current_index"`
	Lookahead    int                  `json:"lookahead"`
	Voice        ttscache.VoiceConfig `json:"voice"`
}

type batchRequest struct {
	Label    string               `json:"label"`
	Segments []string             `json:"segments"`
	Voice    ttscache.VoiceConfig `json:"voice"`
	// Priority is "scheduled" (the default) or "prefetch". Batch work
	// never runs at live priority.
	Priority string `json:"priority"`
}

type jobStartedResponse struct {
	JobID string `json:"job_id"`
}

func (h *Handler) handlePrefetchUpcoming(w http.ResponseWriter, r *http.Request) {
	var req upcomingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Segments) == 0 {
		h.writeError(w, http.StatusBadRequest, "segments are required")
		return
	}
	id, err := h.pre.PrefetchUpcoming(r.Context(), prefetch.UpcomingSpec{
		SessionID:    req.SessionID,
		Segments:     req.Segments,
		CurrentIndex: req.CurrentIndex,
		Lookahead:    req.Lookahead,
		Voice:        req.Voice,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, jobStartedResponse{JobID: id})
}

func (h *Handler) handlePrefetchBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Segments) == 0 {
		h.writeError(w, http.StatusBadRequest, "segments are required")
		return
	}
	prio, err := batchPriority(req.Priority)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.pre.RunBatch(r.Context(), prefetch.BatchSpec{
		Label:    req.Label,
		Segments: req.Segments,
		Voice:    req.Voice,
		Priority: prio,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, jobStartedResponse{JobID: id})
}

// batchPriority parses a request priority name. Live is rejected so
// bulk work cannot crowd out interactive requests.
func batchPriority(s string) (pool.Priority, error) {
	switch s {
	case "", "scheduled":
		return pool.Scheduled, nil
	case "prefetch":
		return pool.Prefetch, nil
	}
	return 0, fmt.Errorf("unknown batch priority %q", s)
}

type jobsResponse struct {
	Jobs []prefetch.JobView `json:"jobs"`
}

func (h *Handler) handleJobs(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, jobsResponse{Jobs: h.pre.Jobs()})
}

func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, ok := h.pre.Job(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

type jobActionResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.pre.Cancel(id) {
		h.writeJSON(w, http.StatusOK, jobActionResponse{Status: "cancelled", JobID: id})
		return
	}
	if _, ok := h.pre.Job(id); ok {
		h.writeError(w, http.StatusConflict, "job already finished: "+id)
		return
	}
	h.writeError(w, http.StatusNotFound, "job not found: "+id)
}

func (h *Handler) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.pre.Resume(id); err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, jobActionResponse{Status: "resumed", JobID: id})
}
