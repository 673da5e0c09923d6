package sequence

import (
	"slices"
	"time"
)

// Candidate is a pattern still reachable from the current sequence.
type Candidate struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name,omitempty"`
	Next        string        `json:"next"`
	Remaining   []string      `json:"remaining"`
	Sequence    []string      `json:"sequence"`
	TimeLeft    time.Duration `json:"-"`
	TimeLeftMs  int64         `json:"time_left_ms"`
}

// Progress is a read-only snapshot for display.
type Progress struct {
	// Active is true while a sequence is in progress, or while a target is
	// set and waiting for its first label.
	Active     bool          `json:"active"`
	Labels     []string      `json:"labels"`
	Elapsed    time.Duration `json:"-"`
	ElapsedMs  int64         `json:"elapsed_ms"`
	Candidates []Candidate   `json:"candidates"`
	Mode       Mode          `json:"mode"`
	Target     string        `json:"target,omitempty"`
	Observed   string        `json:"observed,omitempty"`
}

// Progress reports the current sequence and every candidate pattern that has
// it as a strict prefix. With a target set and nothing confirmed yet, the
// target is reported whole with its full window. Progress does not change
// state.
func (d *Detector) Progress() Progress {
	now := d.clock.Now()
	p := Progress{
		Labels:     d.state.Labels(),
		Candidates: []Candidate{},
		Mode:       d.Mode(),
		Observed:   d.state.Observed,
	}
	if d.target != nil {
		p.Target = d.target.Name
	}

	if d.state.Phase == Idle {
		if d.target != nil {
			p.Active = true
			p.Candidates = append(p.Candidates, candidate(*d.target, nil, 0))
		}
		return p
	}

	p.Active = true
	p.Elapsed = d.state.Elapsed(now)
	p.ElapsedMs = p.Elapsed.Milliseconds()
	for _, pat := range d.candidates() {
		if len(p.Labels) < len(pat.Sequence) && pat.hasPrefix(p.Labels) {
			p.Candidates = append(p.Candidates, candidate(pat, p.Labels, p.Elapsed))
		}
	}
	return p
}

func candidate(p Pattern, done []string, elapsed time.Duration) Candidate {
	remaining := slices.Clone(p.Sequence[len(done):])
	left := p.Window() - elapsed
	return Candidate{
		Name:        p.Name,
		DisplayName: p.DisplayName,
		Next:        remaining[0],
		Remaining:   remaining,
		Sequence:    slices.Clone(p.Sequence),
		TimeLeft:    left,
		TimeLeftMs:  left.Milliseconds(),
	}
}
