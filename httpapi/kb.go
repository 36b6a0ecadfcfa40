package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/kbaudio"
)

// requireKB guards the /v1/kb endpoints when no manager is wired.
func (h *Handler) requireKB(w http.ResponseWriter) bool {
	if h.kb == nil {
		h.writeError(w, http.StatusServiceUnavailable, "kb audio is not configured")
		return false
	}
	return true
}

type banksResponse struct {
	Banks []string `json:"banks"`
}

func (h *Handler) handleKBBanks(w http.ResponseWriter, _ *http.Request) {
	if !h.requireKB(w) {
		return
	}
	banks, err := h.kb.Banks()
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, banksResponse{Banks: banks})
}

type bankGenerateRequest struct {
	Voice ttscache.VoiceConfig `json:"voice"`
	Items []kbaudio.Item       `json:"items"`
	Force bool                 `json:"force"`
}

type bankGenerateResponse struct {
	JobID         string `json:"job_id"`
	BankID        string `json:"bank_id"`
	TotalSegments int    `json:"total_segments"`
}

func (h *Handler) handleKBGenerate(w http.ResponseWriter, r *http.Request) {
	if !h.requireKB(w) {
		return
	}
	var req bankGenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Items) == 0 {
		h.writeError(w, http.StatusBadRequest, "items are required")
		return
	}
	bankID := mux.Vars(r)["bank"]
	id, err := h.kb.GenerateBank(r.Context(), kbaudio.BankSpec{
		BankID: bankID,
		Voice:  req.Voice,
		Items:  req.Items,
		Force:  req.Force,
	}, h.pre)
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := bankGenerateResponse{JobID: id, BankID: bankID}
	if view, ok := h.pre.Job(id); ok {
		resp.TotalSegments = view.Progress.Total
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) handleKBManifest(w http.ResponseWriter, r *http.Request) {
	if !h.requireKB(w) {
		return
	}
	man, err := h.kb.ReadManifest(mux.Vars(r)["bank"])
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, man)
}

type bankCoverageRequest struct {
	ItemIDs []string `json:"item_ids"`
	// Fields defaults to prompt and answer.
	Fields []string `json:"fields"`
}

func (h *Handler) handleKBCoverage(w http.ResponseWriter, r *http.Request) {
	if !h.requireKB(w) {
		return
	}
	var req bankCoverageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.ItemIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "item_ids are required")
		return
	}
	if len(req.Fields) == 0 {
		req.Fields = []string{kbaudio.FieldPrompt, kbaudio.FieldAnswer}
	}
	report, err := h.kb.Coverage(mux.Vars(r)["bank"], req.ItemIDs, req.Fields)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleKBItemAudio(w http.ResponseWriter, r *http.Request) {
	if !h.requireKB(w) {
		return
	}
	vars := mux.Vars(r)
	bank, item, field := vars["bank"], vars["item"], vars["field"]
	audio, err := h.kb.Read(bank, item, field)
	if err != nil {
		h.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	if man, err := h.kb.ReadManifest(bank); err == nil {
		if info, ok := man.Segments[item][field]; ok {
			w.Header().Set("X-Duration-Seconds", strconv.FormatFloat(info.DurationSeconds, 'f', 2, 64))
			w.Header().Set("X-Sample-Rate", strconv.Itoa(info.SampleRate))
		}
	}
	if _, err := w.Write(audio); err != nil {
		h.log.Debug("audio write failed", "err", err)
	}
}

type feedbackGenerateRequest struct {
	Voice ttscache.VoiceConfig `json:"voice"`
	// Phrases defaults to kbaudio.DefaultFeedback.
	Phrases map[string]string `json:"phrases"`
}

func (h *Handler) handleKBFeedbackGenerate(w http.ResponseWriter, r *http.Request) {
	if !h.requireKB(w) {
		return
	}
	var req feedbackGenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := h.kb.GenerateFeedback(r.Context(), req.Voice, req.Phrases, h.pre)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, jobStartedResponse{JobID: id})
}

func (h *Handler) handleKBFeedback(w http.ResponseWriter, r *http.Request) {
	if !h.requireKB(w) {
		return
	}
	audio, err := h.kb.ReadFeedback(mux.Vars(r)["name"])
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	if _, err := w.Write(audio); err != nil {
		h.log.Debug("audio write failed", "err", err)
	}
}
