package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ayusman/mudra/internal/store"
)

// defaultDetectionLimit caps GET /api/detections when no limit is given.
const defaultDetectionLimit = 50

// DetectionHandler serves the detection history.
type DetectionHandler struct {
	store *store.Store
}

// NewDetectionHandler creates a DetectionHandler with the given store.
func NewDetectionHandler(s *store.Store) *DetectionHandler {
	return &DetectionHandler{store: s}
}

type listDetectionsResponse struct {
	Detections []*store.Detection `json:"detections"`
}

type countsResponse struct {
	Counts map[string]int `json:"counts"`
}

// ServeHTTP routes /api/detections and /api/detections/counts.
func (h *DetectionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/detections"), "/") {
	case "":
		h.list(w, r)
	case "counts":
		h.counts(w, r)
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

func (h *DetectionHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := defaultDetectionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	detections, err := h.store.Detections().List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list detections")
		return
	}
	if detections == nil {
		detections = []*store.Detection{}
	}

	writeJSON(w, http.StatusOK, listDetectionsResponse{Detections: detections})
}

func (h *DetectionHandler) counts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Detections().CountByPattern()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count detections")
		return
	}
	if counts == nil {
		counts = map[string]int{}
	}

	writeJSON(w, http.StatusOK, countsResponse{Counts: counts})
}
