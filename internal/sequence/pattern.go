package sequence

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"
)

// Pattern is a named, ordered sequence of gesture labels that must be
// completed within TimeWindow seconds.
type Pattern struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	Sequence    []string        `json:"sequence"`
	TimeWindow  float64         `json:"time_window"`
	Effects     json.RawMessage `json:"effects,omitempty"`
}

// Window returns TimeWindow as a duration.
func (p Pattern) Window() time.Duration {
	return seconds(p.TimeWindow)
}

// hasPrefix reports whether labels is a prefix of the pattern's sequence.
// A full match counts as a prefix.
func (p Pattern) hasPrefix(labels []string) bool {
	return len(labels) <= len(p.Sequence) && slices.Equal(p.Sequence[:len(labels)], labels)
}

func (p Pattern) clone() Pattern {
	p.Sequence = slices.Clone(p.Sequence)
	p.Effects = slices.Clone(p.Effects)
	return p
}

// Settings are the global recognition thresholds of a catalog. Durations are
// in seconds, matching the catalog file.
type Settings struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	GestureHoldTime     float64 `json:"gesture_hold_time"`
	ResetOnInvalid      bool    `json:"reset_on_invalid"`
	DefaultTimeWindow   float64 `json:"default_time_window"`
}

// DefaultSettings returns the settings used when a catalog omits them.
func DefaultSettings() Settings {
	return Settings{
		ConfidenceThreshold: 0.7,
		GestureHoldTime:     0.5,
		ResetOnInvalid:      true,
		DefaultTimeWindow:   5.0,
	}
}

// HoldTime returns GestureHoldTime as a duration.
func (s Settings) HoldTime() time.Duration {
	return seconds(s.GestureHoldTime)
}

func (s Settings) validate() error {
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v outside [0, 1]", s.ConfidenceThreshold)
	}
	if !(s.GestureHoldTime >= 0 && s.GestureHoldTime <= MaxSeconds) {
		return fmt.Errorf("gesture_hold_time %v outside [0, %v]", s.GestureHoldTime, MaxSeconds)
	}
	if !(s.DefaultTimeWindow > 0 && s.DefaultTimeWindow <= MaxSeconds) {
		return fmt.Errorf("default_time_window %v outside (0, %v]", s.DefaultTimeWindow, MaxSeconds)
	}
	return nil
}

// Catalog is an immutable set of patterns plus settings. Pattern order is
// the file order.
type Catalog struct {
	patterns []Pattern
	settings Settings
}

// EmptyCatalog returns a catalog with no patterns and default settings.
func EmptyCatalog() *Catalog {
	return &Catalog{settings: DefaultSettings()}
}

// NewCatalog validates and copies patterns into a catalog. Names must be
// unique, sequences non-empty and windows positive.
func NewCatalog(patterns []Pattern, settings Settings) (*Catalog, error) {
	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	seen := make(map[string]bool, len(patterns))
	out := make([]Pattern, 0, len(patterns))
	for i, p := range patterns {
		switch {
		case p.Name == "":
			return nil, fmt.Errorf("%w: pattern %d has no name", ErrConfiguration, i)
		case seen[p.Name]:
			return nil, fmt.Errorf("%w: duplicate pattern %q", ErrConfiguration, p.Name)
		case len(p.Sequence) == 0:
			return nil, fmt.Errorf("%w: pattern %q has an empty sequence", ErrConfiguration, p.Name)
		case !(p.TimeWindow > 0 && p.TimeWindow <= MaxSeconds):
			return nil, fmt.Errorf("%w: pattern %q time_window %v outside (0, %v]", ErrConfiguration, p.Name, p.TimeWindow, MaxSeconds)
		}
		for _, label := range p.Sequence {
			if label == "" {
				return nil, fmt.Errorf("%w: pattern %q has an empty label", ErrConfiguration, p.Name)
			}
		}
		seen[p.Name] = true
		out = append(out, p.clone())
	}

	return &Catalog{patterns: out, settings: settings}, nil
}

// Len returns the number of patterns.
func (c *Catalog) Len() int {
	return len(c.patterns)
}

// Patterns returns a copy of the patterns in catalog order.
func (c *Catalog) Patterns() []Pattern {
	out := make([]Pattern, len(c.patterns))
	for i, p := range c.patterns {
		out[i] = p.clone()
	}
	return out
}

// Settings returns the catalog settings.
func (c *Catalog) Settings() Settings {
	return c.settings
}

// Find looks up a pattern by name.
func (c *Catalog) Find(name string) (Pattern, bool) {
	for _, p := range c.patterns {
		if p.Name == name {
			return p.clone(), true
		}
	}
	return Pattern{}, false
}

// Labels returns every distinct label used by the catalog, in first-use order.
func (c *Catalog) Labels() []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range c.patterns {
		for _, l := range p.Sequence {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out
}

// MaxSeconds bounds every duration in a catalog.
const MaxSeconds = 86400

// seconds converts s to a duration, saturating instead of overflowing.
func seconds(s float64) time.Duration {
	d := s * float64(time.Second)
	if d >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(d)
}
