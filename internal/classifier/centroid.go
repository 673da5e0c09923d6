package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/floats"
)

const modelVersion = 1

// Sample is one labelled feature vector used to fit a CentroidModel.
type Sample struct {
	Label    string
	Features []float64
}

// Centroid is the mean feature vector of one label.
type Centroid struct {
	Label   string    `json:"label"`
	Mean    []float64 `json:"mean"`
	Samples int       `json:"samples"`
}

// CentroidModel is a nearest-centroid classifier. Confidence is the inverse
// distance weight of the winning centroid relative to all centroids, so it
// falls as classes crowd together.
type CentroidModel struct {
	Version     int        `json:"version"`
	FeatureSize int        `json:"feature_size"`
	MaxDistance float64    `json:"max_distance,omitempty"`
	Centroids   []Centroid `json:"centroids"`
}

// Fit averages samples per label into centroids. All samples must share one
// vector length.
func Fit(samples []Sample) (*CentroidModel, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples provided")
	}

	size := len(samples[0].Features)
	if size == 0 {
		return nil, fmt.Errorf("sample 0 has no features")
	}

	sums := make(map[string][]float64)
	counts := make(map[string]int)

	for i, s := range samples {
		if s.Label == "" {
			return nil, fmt.Errorf("sample %d has no label", i)
		}
		if len(s.Features) != size {
			return nil, fmt.Errorf("sample %d has %d features, expected %d", i, len(s.Features), size)
		}
		if !finite(s.Features) {
			return nil, fmt.Errorf("sample %d has non-finite features", i)
		}
		sum, ok := sums[s.Label]
		if !ok {
			sum = make([]float64, size)
			sums[s.Label] = sum
		}
		floats.Add(sum, s.Features)
		counts[s.Label]++
	}

	m := &CentroidModel{Version: modelVersion, FeatureSize: size}
	for label, sum := range sums {
		floats.Scale(1/float64(counts[label]), sum)
		if !finite(sum) {
			return nil, fmt.Errorf("centroid for %q overflows", label)
		}
		m.Centroids = append(m.Centroids, Centroid{Label: label, Mean: sum, Samples: counts[label]})
	}
	sort.Slice(m.Centroids, func(i, j int) bool {
		return m.Centroids[i].Label < m.Centroids[j].Label
	})

	return m, nil
}

// Classify returns the label of the nearest centroid. A vector farther than
// MaxDistance from every centroid yields None.
func (m *CentroidModel) Classify(ctx context.Context, features []float64) (Result, error) {
	if m == nil || len(m.Centroids) == 0 {
		return None, ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return None, err
	}
	if len(features) != m.FeatureSize {
		return None, fmt.Errorf("expected %d features, got %d", m.FeatureSize, len(features))
	}
	if !finite(features) {
		return None, fmt.Errorf("non-finite features")
	}

	best := -1
	bestDist := math.Inf(1)
	var total float64
	weights := make([]float64, len(m.Centroids))

	for i, c := range m.Centroids {
		d := floats.Distance(features, c.Mean, 2)
		if d < bestDist {
			best, bestDist = i, d
		}
		weights[i] = 1 / (d + 1e-9)
		total += weights[i]
	}

	// Every distance overflowed, e.g. against a centroid loaded from a
	// hand-edited model file.
	if best < 0 {
		return None, fmt.Errorf("no centroid within finite distance")
	}

	if m.MaxDistance > 0 && bestDist > m.MaxDistance {
		return None, nil
	}

	return Result{
		Label:      m.Centroids[best].Label,
		Confidence: weights[best] / total,
	}, nil
}

// Labels lists the labels in the model, sorted.
func (m *CentroidModel) Labels() []string {
	if m == nil {
		return nil
	}
	labels := make([]string, len(m.Centroids))
	for i, c := range m.Centroids {
		labels[i] = c.Label
	}
	return labels
}

// Save writes the model as JSON.
func (m *CentroidModel) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	return nil
}

// LoadModel reads a model written by Save. A missing file is reported as
// ErrUnavailable.
func LoadModel(path string) (*CentroidModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("model %s: %w", path, ErrUnavailable)
		}
		return nil, fmt.Errorf("read model: %w", err)
	}

	var m CentroidModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	if m.Version != modelVersion {
		return nil, fmt.Errorf("unsupported model version %d", m.Version)
	}
	for _, c := range m.Centroids {
		if len(c.Mean) != m.FeatureSize {
			return nil, fmt.Errorf("centroid %q has %d features, expected %d", c.Label, len(c.Mean), m.FeatureSize)
		}
	}
	return &m, nil
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
