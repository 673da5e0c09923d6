// Package classifier defines the contract between feature vectors and gesture
// labels, plus the model backends the service can run.
package classifier

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrUnavailable is returned when no model is loaded or the model backend
// cannot answer.
var ErrUnavailable = errors.New("classifier unavailable")

// Result is one frame's classification.
type Result struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// None is the "no classification" sentinel. Frame loops skip recognition when
// they receive it.
var None = Result{}

// IsNone reports whether r carries no label.
func (r Result) IsNone() bool {
	return r.Label == ""
}

// Classifier maps a feature vector to a label and a confidence in [0, 1].
type Classifier interface {
	Classify(ctx context.Context, features []float64) (Result, error)

	// Labels lists the gesture labels the model can produce.
	Labels() []string
}

// ClassifyWithTiming runs c and reports how long the call took, so callers can
// enforce their own latency budget.
func ClassifyWithTiming(ctx context.Context, c Classifier, features []float64) (Result, time.Duration, error) {
	start := time.Now()
	res, err := c.Classify(ctx, features)
	return res, time.Since(start), err
}

// Predict classifies within budget and folds every failure into None so a
// frame loop never has to stop. A nil classifier is treated as unavailable.
// Calls slower than budget are logged; budget <= 0 disables the deadline.
func Predict(ctx context.Context, c Classifier, features []float64, budget time.Duration, logger *slog.Logger) Result {
	if c == nil {
		return None
	}
	if logger == nil {
		logger = slog.Default()
	}

	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	res, latency, err := ClassifyWithTiming(ctx, c, features)
	if budget > 0 && latency > budget {
		logger.Warn("classification over budget", "latency", latency, "budget", budget)
	}
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			logger.Debug("classifier unavailable", "error", err)
		} else {
			logger.Warn("classification failed", "error", err)
		}
		return None
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		logger.Warn("classifier confidence out of range", "label", res.Label, "confidence", res.Confidence)
		return None
	}
	return res
}

// Static always answers with the same result. It backs tests and replay tools.
type Static struct {
	Result Result
	Err    error
}

// Classify returns the configured result or error.
func (s *Static) Classify(ctx context.Context, features []float64) (Result, error) {
	if s.Err != nil {
		return None, s.Err
	}
	return s.Result, nil
}

// Labels returns the single configured label.
func (s *Static) Labels() []string {
	if s.Result.Label == "" {
		return nil
	}
	return []string{s.Result.Label}
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, features []float64) (Result, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, features []float64) (Result, error) {
	return f(ctx, features)
}

// Labels is unknown for function classifiers.
func (f Func) Labels() []string {
	return nil
}
