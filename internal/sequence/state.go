package sequence

import (
	"slices"
	"time"
)

// Phase is the coarse state of the recognizer.
type Phase int

const (
	// Idle has no sequence in progress.
	Idle Phase = iota
	// Accumulating has at least one confirmed label.
	Accumulating
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	default:
		return "unknown"
	}
}

// Step is one confirmed label.
type Step struct {
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// State is the complete recognizer state. The detector never edits a State
// in place; each transition builds a new value and swaps it in.
type State struct {
	Phase Phase
	Steps []Step
	// Start is the time of the first step, zero when Idle.
	Start time.Time
	// Observed is the label seen on the most recent accepted frame and
	// HoldStart is when it was first seen. Empty when nothing is held.
	Observed  string
	HoldStart time.Time
}

// Labels returns the confirmed labels in order.
func (s State) Labels() []string {
	out := make([]string, len(s.Steps))
	for i, step := range s.Steps {
		out[i] = step.Label
	}
	return out
}

// Elapsed is the time since the first step, or zero when Idle.
func (s State) Elapsed(now time.Time) time.Duration {
	if s.Phase == Idle {
		return 0
	}
	return now.Sub(s.Start)
}

func (s State) lastLabel() string {
	if len(s.Steps) == 0 {
		return ""
	}
	return s.Steps[len(s.Steps)-1].Label
}

func (s State) observe(label string, now time.Time) State {
	s.Steps = slices.Clone(s.Steps)
	s.Observed = label
	s.HoldStart = now
	return s
}

func (s State) push(label string, now time.Time) State {
	next := State{
		Phase:     Accumulating,
		Steps:     append(slices.Clone(s.Steps), Step{Label: label, At: now}),
		Start:     s.Start,
		Observed:  s.Observed,
		HoldStart: s.HoldStart,
	}
	if s.Phase == Idle {
		next.Start = now
	}
	return next
}

func (s State) clone() State {
	s.Steps = slices.Clone(s.Steps)
	return s
}
