package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/meigma/ttscache"
	"github.com/meigma/ttscache/internal/wavutil"
)

// speechPath is the OpenAI-compatible synthesis endpoint exposed by
// every supported provider.
const speechPath = "/v1/audio/speech"

// maxErrBody caps how much of a provider error response is kept.
const maxErrBody = 2048

// speechRequest is the OpenAI-compatible synthesis payload. The
// chatterbox fields are omitted for providers that do not take them.
type speechRequest struct {
	Model          string   `json:"model"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice"`
	ResponseFormat string   `json:"response_format"`
	Speed          float64  `json:"speed"`
	Exaggeration   *float64 `json:"exaggeration,omitempty"`
	CFGWeight      *float64 `json:"cfg_weight,omitempty"`
	Language       string   `json:"language,omitempty"`
}

// synthesize posts one speech request to the provider and returns the
// WAV payload with its estimated duration. voice must be normalized.
func (p *Pool) synthesize(ctx context.Context, prov Provider, voice ttscache.VoiceConfig, text string) (Result, error) {
	payload := speechRequest{
		Model:          "tts-1",
		Input:          text,
		Voice:          voice.VoiceID,
		ResponseFormat: "wav",
		Speed:          voice.Speed,
	}
	if cb := voice.Params.Chatterbox; cb != nil {
		payload.Exaggeration = cb.Exaggeration
		payload.CFGWeight = cb.CFGWeight
		payload.Language = cb.Language
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode speech request: %w", err)
	}

	url := strings.TrimSuffix(prov.BaseURL, "/") + speechPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &ttscache.BackendError{Provider: voice.Provider, Body: err.Error()}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return Result{}, &ttscache.BackendError{
			Provider: voice.Provider,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(msg)),
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &ttscache.BackendError{Provider: voice.Provider, Body: "read response: " + err.Error()}
	}

	return Result{
		Audio:           audio,
		SampleRate:      prov.SampleRate,
		DurationSeconds: wavutil.Duration(audio, prov.SampleRate),
	}, nil
}
