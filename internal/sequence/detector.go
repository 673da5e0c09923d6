// Package sequence confirms per-frame gesture labels and recognizes ordered
// combinations of them.
//
// A Detector is fed one (label, confidence) pair per frame. A label is
// confirmed once it clears the confidence threshold and has been held for the
// catalog's hold time. Confirmed labels accumulate into a sequence, which
// completes when it equals a pattern exactly within that pattern's window.
//
// A Detector is not safe for concurrent use; callers serialize Update and the
// mode methods and must deliver frames in order.
package sequence

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

var (
	// ErrConfiguration reports a missing, unparsable or empty catalog.
	ErrConfiguration = errors.New("invalid pattern catalog")
	// ErrUnknownTarget reports a target name that is not in the catalog.
	ErrUnknownTarget = errors.New("unknown target pattern")
)

// Mode tells whether matching is restricted to a single pattern.
type Mode string

const (
	Free     Mode = "free"
	Targeted Mode = "targeted"
)

// Detection is a completed pattern.
type Detection struct {
	Pattern  Pattern
	Sequence []string
	Elapsed  time.Duration
	At       time.Time
}

// Detector is the recognition state machine.
type Detector struct {
	catalog *Catalog
	clock   Clock
	logger  *slog.Logger

	state State

	target  *Pattern
	instant bool
	// freeInstant is the instant setting restored by ClearTarget.
	freeInstant bool

	last *Detection
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the time source. The default is SystemClock.
func WithClock(c Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithInstant disables the hold time in free mode.
func WithInstant(instant bool) Option {
	return func(d *Detector) {
		d.freeInstant = instant
		d.instant = instant
	}
}

// NewDetector returns an idle detector in free mode. A nil catalog is
// treated as empty.
func NewDetector(catalog *Catalog, opts ...Option) *Detector {
	if catalog == nil {
		catalog = EmptyCatalog()
	}
	d := &Detector{
		catalog: catalog,
		clock:   SystemClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "sequence")
	return d
}

// Update feeds one frame's classification. It returns the completed pattern
// and true on the frame that completes it, otherwise false.
//
// An empty label is treated as "no classification" and leaves the state
// untouched, as does a confidence below the catalog threshold.
func (d *Detector) Update(label string, confidence float64) (Pattern, bool) {
	settings := d.catalog.Settings()
	if label == "" || !(confidence >= settings.ConfidenceThreshold) {
		return Pattern{}, false
	}

	candidates := d.candidates()
	now := d.clock.Now()
	maxWindow := d.maxWindow(candidates)

	// A sequence that outlived every window can no longer match; drop it
	// before it can absorb this frame.
	if d.state.Phase == Accumulating && d.state.Elapsed(now) > maxWindow {
		d.logger.Debug("sequence expired", "sequence", d.state.Labels(), "elapsed", d.state.Elapsed(now))
		d.state = State{}
	}

	if label != d.state.Observed {
		d.state = d.state.observe(label, now)
		return Pattern{}, false
	}

	if !d.instant && now.Sub(d.state.HoldStart) < settings.HoldTime() {
		return Pattern{}, false
	}

	if d.state.lastLabel() == label {
		return Pattern{}, false
	}

	next := d.state.push(label, now)
	labels := next.Labels()
	elapsed := next.Elapsed(now)
	d.logger.Debug("gesture confirmed", "label", label, "confidence", confidence, "sequence", labels)

	for _, p := range candidates {
		if !slices.Equal(p.Sequence, labels) {
			continue
		}
		if elapsed > p.Window() {
			d.logger.Debug("pattern matched too slowly", "pattern", p.Name, "elapsed", elapsed, "window", p.Window())
			continue
		}
		d.state = State{}
		d.last = &Detection{Pattern: p.clone(), Sequence: labels, Elapsed: elapsed, At: now}
		d.logger.Info("pattern completed", "pattern", p.Name, "elapsed", elapsed)
		return p.clone(), true
	}

	if elapsed > maxWindow {
		d.logger.Debug("sequence timed out", "sequence", labels, "elapsed", elapsed, "window", maxWindow)
		d.state = State{}
		return Pattern{}, false
	}

	if settings.ResetOnInvalid && !anyPrefix(candidates, labels) {
		d.logger.Debug("sequence matches no pattern", "sequence", labels)
		d.state = State{}
		return Pattern{}, false
	}

	d.state = next
	return Pattern{}, false
}

// SetTarget restricts matching to the named pattern and resets the sequence.
// instant disables the hold time while the target is active. An unknown name
// leaves the mode and state unchanged.
func (d *Detector) SetTarget(name string, instant bool) error {
	p, ok := d.catalog.Find(name)
	if !ok {
		d.logger.Warn("unknown target", "pattern", name)
		return fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	d.target = &p
	d.instant = instant
	d.state = State{}
	d.logger.Info("target set", "pattern", name, "sequence", p.Sequence, "instant", instant)
	return nil
}

// ClearTarget returns to free mode and resets the sequence.
func (d *Detector) ClearTarget() {
	d.target = nil
	d.instant = d.freeInstant
	d.state = State{}
	d.logger.Info("target cleared")
}

// Target returns the active target, if any.
func (d *Detector) Target() (Pattern, bool) {
	if d.target == nil {
		return Pattern{}, false
	}
	return d.target.clone(), true
}

// Mode reports whether a target is active.
func (d *Detector) Mode() Mode {
	if d.target != nil {
		return Targeted
	}
	return Free
}

// Instant reports whether the hold time is currently bypassed.
func (d *Detector) Instant() bool {
	return d.instant
}

// Reset clears the in-progress sequence and the held label. The catalog,
// target and last detection are kept.
func (d *Detector) Reset() {
	d.state = State{}
}

// SetCatalog swaps the catalog. The sequence is reset; the target is kept
// only if the new catalog still has a pattern of that name.
func (d *Detector) SetCatalog(c *Catalog) {
	if c == nil {
		c = EmptyCatalog()
	}
	d.catalog = c
	d.state = State{}
	if d.target == nil {
		return
	}
	if p, ok := c.Find(d.target.Name); ok {
		d.target = &p
		return
	}
	d.logger.Warn("target dropped by catalog reload", "pattern", d.target.Name)
	d.target = nil
	d.instant = d.freeInstant
}

// Catalog returns the active catalog.
func (d *Detector) Catalog() *Catalog {
	return d.catalog
}

// State returns a copy of the current state.
func (d *Detector) State() State {
	return d.state.clone()
}

// LastDetection returns the most recent completion, kept until cleared.
func (d *Detector) LastDetection() (Detection, bool) {
	if d.last == nil {
		return Detection{}, false
	}
	det := *d.last
	det.Pattern = det.Pattern.clone()
	det.Sequence = slices.Clone(det.Sequence)
	return det, true
}

// ClearLastDetection forgets the most recent completion.
func (d *Detector) ClearLastDetection() {
	d.last = nil
}

func (d *Detector) candidates() []Pattern {
	if d.target != nil {
		return []Pattern{*d.target}
	}
	return d.catalog.patterns
}

// maxWindow is the longest window among candidates, or the default window
// when there are none.
func (d *Detector) maxWindow(candidates []Pattern) time.Duration {
	if len(candidates) == 0 {
		return seconds(d.catalog.Settings().DefaultTimeWindow)
	}
	var longest time.Duration
	for _, p := range candidates {
		longest = max(longest, p.Window())
	}
	return longest
}

func anyPrefix(candidates []Pattern, labels []string) bool {
	for _, p := range candidates {
		if p.hasPrefix(labels) {
			return true
		}
	}
	return false
}
