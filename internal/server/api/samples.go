package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ayusman/mudra/internal/features"
	"github.com/ayusman/mudra/internal/store"
)

// FeatureSource provides the feature vector of the most recent frame.
type FeatureSource interface {
	LatestFeatures() ([]float64, int, bool)
}

// SamplesHandler handles HTTP requests for labelled training samples.
type SamplesHandler struct {
	store  *store.Store
	latest FeatureSource
}

// NewSamplesHandler creates a SamplesHandler. latest may be nil, in which case
// samples must always carry explicit feature vectors.
func NewSamplesHandler(s *store.Store, latest FeatureSource) *SamplesHandler {
	return &SamplesHandler{store: s, latest: latest}
}

// ServeHTTP routes /api/samples, /api/samples/labels and /api/samples/{label}.
func (h *SamplesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/samples")
	path = strings.TrimPrefix(path, "/")

	switch {
	case path == "":
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodPost:
			h.create(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case path == "labels":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.labels(w, r)
	default:
		if r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		label, err := url.PathUnescape(path)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid label")
			return
		}
		h.delete(w, r, label)
	}
}

// createSamplesRequest carries explicit vectors, or none to record the
// current frame Count times.
type createSamplesRequest struct {
	Label    string      `json:"label"`
	Features [][]float64 `json:"features"`
	Count    int         `json:"count"`
}

type createSamplesResponse struct {
	Label   string `json:"label"`
	Created int    `json:"created"`
}

type listSamplesResponse struct {
	Samples []store.Sample `json:"samples"`
}

type labelsResponse struct {
	Labels []store.LabelCount `json:"labels"`
}

// list handles GET /api/samples, optionally filtered by ?label=.
func (h *SamplesHandler) list(w http.ResponseWriter, r *http.Request) {
	var (
		samples []store.Sample
		err     error
	)
	if label := r.URL.Query().Get("label"); label != "" {
		samples, err = h.store.Samples().GetByLabel(label)
	} else {
		samples, err = h.store.Samples().List()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list samples")
		return
	}
	if samples == nil {
		samples = []store.Sample{}
	}

	writeJSON(w, http.StatusOK, listSamplesResponse{Samples: samples})
}

// create handles POST /api/samples.
func (h *SamplesHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createSamplesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Label == "" {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}

	vectors := req.Features
	if len(vectors) == 0 {
		if h.latest == nil {
			writeError(w, http.StatusBadRequest, "features are required")
			return
		}
		vec, hands, ok := h.latest.LatestFeatures()
		if !ok || hands == 0 {
			writeError(w, http.StatusConflict, "No hands in view")
			return
		}
		count := max(req.Count, 1)
		vectors = make([][]float64, count)
		for i := range vectors {
			vectors[i] = vec
		}
	}

	for i, v := range vectors {
		if len(v) != features.TwoHandSize {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("sample %d has %d features, expected %d", i, len(v), features.TwoHandSize))
			return
		}
	}

	n, err := h.store.Samples().Create(req.Label, vectors)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save samples")
		return
	}

	writeJSON(w, http.StatusCreated, createSamplesResponse{Label: req.Label, Created: n})
}

// labels handles GET /api/samples/labels.
func (h *SamplesHandler) labels(w http.ResponseWriter, r *http.Request) {
	labels, err := h.store.Samples().Labels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list labels")
		return
	}
	if labels == nil {
		labels = []store.LabelCount{}
	}

	writeJSON(w, http.StatusOK, labelsResponse{Labels: labels})
}

// delete handles DELETE /api/samples/{label}.
func (h *SamplesHandler) delete(w http.ResponseWriter, r *http.Request, label string) {
	if err := h.store.Samples().DeleteByLabel(label); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Label not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete samples")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
