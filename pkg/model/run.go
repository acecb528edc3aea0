package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Run is the state of one optimization run: every trial in submission order
// plus the counters and best result derived from them.
type Run struct {
	ID           string    `json:"id"`
	Concurrency  int       `json:"concurrency"`
	Budget       int       `json:"budget"`
	Direction    Direction `json:"direction"`
	TargetMetric string    `json:"target_metric"`

	Trials            []*Trial `json:"trials"`
	NextTrialID       int      `json:"next_trial_id"`
	TrialsCompleted   int      `json:"trials_completed"`
	TotalCost         float64  `json:"total_cost"`
	BestTrialID       *int     `json:"best_trial_id,omitempty"`
	StrategyExhausted bool     `json:"strategy_exhausted,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRun creates an empty run. Trial numbering starts at 1.
func NewRun(id string, concurrency, budget int, dir Direction, target string, now time.Time) *Run {
	return &Run{
		ID:           id,
		Concurrency:  concurrency,
		Budget:       budget,
		Direction:    dir,
		TargetMetric: target,
		Trials:       []*Trial{},
		NextTrialID:  1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Active returns the number of trials occupying a concurrency slot.
func (r *Run) Active() int {
	n := 0
	for _, t := range r.Trials {
		if t.State.IsActive() {
			n++
		}
	}
	return n
}

// Outstanding returns the trials that have not reached a terminal state, in ID order.
func (r *Run) Outstanding() []*Trial {
	var out []*Trial
	for _, t := range r.Trials {
		if !t.State.IsTerminal() {
			out = append(out, t)
		}
	}
	return out
}

// FreeSlots returns how many new trials may be submitted right now, bounded by
// both the concurrency limit and the remaining budget.
func (r *Run) FreeSlots() int {
	free := r.Concurrency - r.Active()
	if remaining := r.Budget - len(r.Trials); remaining < free {
		free = remaining
	}
	if free < 0 {
		return 0
	}
	return free
}

// Trial returns the trial with the given ID, or nil.
func (r *Run) Trial(id int) *Trial {
	for _, t := range r.Trials {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Best returns the current best trial, or nil when no trial has completed.
func (r *Run) Best() *Trial {
	if r.BestTrialID == nil {
		return nil
	}
	return r.Trial(*r.BestTrialID)
}

// Better reports whether a beats b on the target metric. A NaN value never
// wins; equal values are resolved in favour of the earlier submission.
func (r *Run) Better(a, b *Trial) bool {
	if b == nil {
		return !math.IsNaN(a.Metric(r.TargetMetric))
	}
	av, bv := a.Metric(r.TargetMetric), b.Metric(r.TargetMetric)
	switch {
	case math.IsNaN(av):
		return false
	case math.IsNaN(bv):
		return true
	case av == bv:
		return a.ID < b.ID
	case r.Direction == Minimize:
		return av < bv
	default:
		return av > bv
	}
}

// Consider replaces the best trial with t when t is a strict improvement.
// It reports whether the best trial changed.
func (r *Run) Consider(t *Trial) bool {
	if t.State != TrialStateCompleted {
		return false
	}
	if !r.Better(t, r.Best()) {
		return false
	}
	id := t.ID
	r.BestTrialID = &id
	return true
}

// RecomputeBest rebuilds the best trial from scratch over all completed trials.
func (r *Run) RecomputeBest() {
	r.BestTrialID = nil
	for _, t := range r.Trials {
		r.Consider(t)
	}
}

// RecomputeCost sums the latest known cost over every submitted trial.
func (r *Run) RecomputeCost() float64 {
	var total float64
	for _, t := range r.Trials {
		if t.State == TrialStatePending {
			continue
		}
		total += t.Cost
	}
	r.TotalCost = total
	return total
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	c := *r
	c.Trials = make([]*Trial, len(r.Trials))
	for i, t := range r.Trials {
		c.Trials[i] = t.Clone()
	}
	if r.BestTrialID != nil {
		id := *r.BestTrialID
		c.BestTrialID = &id
	}
	return &c
}

// NormalizeParams returns params in the exact shape they take after a JSON
// round trip, so that a trial reloaded from a checkpoint is indistinguishable
// from the one that was persisted.
func NormalizeParams(params map[string]any) (map[string]any, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
