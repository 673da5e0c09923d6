package api

import (
	"net/http"
	"strings"

	"github.com/ayusman/mudra/internal/classifier"
)

// Trainer fits and exposes the gesture model.
type Trainer interface {
	FitModel() (*classifier.CentroidModel, error)
	Classifier() classifier.Classifier
}

// ModelHandler serves /api/model and /api/model/fit.
type ModelHandler struct {
	trainer Trainer
}

// NewModelHandler creates a ModelHandler over trainer.
func NewModelHandler(trainer Trainer) *ModelHandler {
	return &ModelHandler{trainer: trainer}
}

type modelResponse struct {
	Available bool     `json:"available"`
	Labels    []string `json:"labels"`
}

type fitResponse struct {
	Labels    []string             `json:"labels"`
	Centroids []classifier.Centroid `json:"centroids"`
}

// ServeHTTP implements http.Handler.
func (h *ModelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/model"), "/") {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.get(w, r)
	case "fit":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.fit(w, r)
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

func (h *ModelHandler) get(w http.ResponseWriter, r *http.Request) {
	resp := modelResponse{Labels: []string{}}
	if c := h.trainer.Classifier(); c != nil {
		if labels := c.Labels(); len(labels) > 0 {
			resp.Available = true
			resp.Labels = labels
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ModelHandler) fit(w http.ResponseWriter, r *http.Request) {
	model, err := h.trainer.FitModel()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fitResponse{Labels: model.Labels(), Centroids: model.Centroids})
}
