package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ayusman/mudra/internal/app"
	"github.com/ayusman/mudra/internal/sequence"
)

// Recognizer is the live recognition state the API reads and steers.
type Recognizer interface {
	Catalog() *sequence.Catalog
	Progress() sequence.Progress
	SetTarget(name string, instant bool) error
	ClearTarget()
	Reset()
	Target() (app.TargetState, bool)
	LastDetection() (sequence.Detection, bool)
	IsEnabled() bool
	SetEnabled(enabled bool)
}

// RecognitionHandler serves patterns, progress, target and reset endpoints.
type RecognitionHandler struct {
	rec Recognizer
	mux *http.ServeMux
}

// NewRecognitionHandler creates a RecognitionHandler over rec.
func NewRecognitionHandler(rec Recognizer) *RecognitionHandler {
	h := &RecognitionHandler{rec: rec, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /api/patterns", h.patterns)
	h.mux.HandleFunc("GET /api/progress", h.progress)
	h.mux.HandleFunc("GET /api/target", h.getTarget)
	h.mux.HandleFunc("PUT /api/target", h.setTarget)
	h.mux.HandleFunc("DELETE /api/target", h.clearTarget)
	h.mux.HandleFunc("POST /api/reset", h.reset)
	h.mux.HandleFunc("GET /api/enabled", h.getEnabled)
	h.mux.HandleFunc("PUT /api/enabled", h.setEnabled)
	return h
}

// ServeHTTP implements http.Handler.
func (h *RecognitionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type patternsResponse struct {
	Patterns []sequence.Pattern `json:"patterns"`
	Settings sequence.Settings  `json:"settings"`
}

type detectionResponse struct {
	Pattern     string   `json:"pattern"`
	DisplayName string   `json:"display_name,omitempty"`
	Sequence    []string `json:"sequence"`
	ElapsedMs   int64    `json:"elapsed_ms"`
	DetectedAt  string   `json:"detected_at"`
}

type progressResponse struct {
	sequence.Progress
	Last *detectionResponse `json:"last_detection,omitempty"`
}

type targetRequest struct {
	Name    string `json:"name"`
	Instant bool   `json:"instant"`
}

type targetResponse struct {
	Mode    sequence.Mode     `json:"mode"`
	Target  *sequence.Pattern `json:"target,omitempty"`
	Instant bool              `json:"instant"`
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *RecognitionHandler) patterns(w http.ResponseWriter, r *http.Request) {
	c := h.rec.Catalog()
	writeJSON(w, http.StatusOK, patternsResponse{Patterns: c.Patterns(), Settings: c.Settings()})
}

func (h *RecognitionHandler) progress(w http.ResponseWriter, r *http.Request) {
	p := h.rec.Progress()
	resp := progressResponse{Progress: p}
	if det, ok := h.rec.LastDetection(); ok {
		resp.Last = &detectionResponse{
			Pattern:     det.Pattern.Name,
			DisplayName: det.Pattern.DisplayName,
			Sequence:    det.Sequence,
			ElapsedMs:   det.Elapsed.Milliseconds(),
			DetectedAt:  det.At.Format(time.RFC3339Nano),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *RecognitionHandler) targetState() targetResponse {
	resp := targetResponse{Mode: sequence.Free}
	t, ok := h.rec.Target()
	if !ok {
		return resp
	}
	if pat, found := h.rec.Catalog().Find(t.Name); found {
		resp.Mode = sequence.Targeted
		resp.Target = &pat
		resp.Instant = t.Instant
	}
	return resp
}

func (h *RecognitionHandler) getTarget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.targetState())
}

func (h *RecognitionHandler) setTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.rec.SetTarget(req.Name, req.Instant); err != nil {
		if errors.Is(err, sequence.ErrUnknownTarget) {
			writeError(w, http.StatusNotFound, "Pattern not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to set target")
		return
	}

	writeJSON(w, http.StatusOK, h.targetState())
}

func (h *RecognitionHandler) clearTarget(w http.ResponseWriter, r *http.Request) {
	h.rec.ClearTarget()
	writeJSON(w, http.StatusOK, h.targetState())
}

func (h *RecognitionHandler) reset(w http.ResponseWriter, r *http.Request) {
	h.rec.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (h *RecognitionHandler) getEnabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, enabledRequest{Enabled: h.rec.IsEnabled()})
}

func (h *RecognitionHandler) setEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	h.rec.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, req)
}
