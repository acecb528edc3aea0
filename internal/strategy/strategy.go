// Package strategy proposes parameter sets for new trials.
//
// A Strategy is driven by the scheduler: Next is called with the full trial
// history (every trial created so far, finished or not) whenever a
// concurrency slot is free, and Record is called once per finished trial.
// Next is deterministic in its history, so a resumed run that rebuilds the
// same history receives the same proposals.
package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/me/trialopt/internal/config"
)

// ErrExhausted is returned by Next when no further candidates remain.
var ErrExhausted = errors.New("strategy exhausted")

// Observation is one trial as seen by a strategy.
type Observation struct {
	TrialID int                `json:"trial_id"`
	Params  map[string]any     `json:"params"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	// Done is false for trials still outstanding on the platform.
	Done   bool `json:"done"`
	Failed bool `json:"failed,omitempty"`
}

// Strategy produces parameter candidates and learns from results.
type Strategy interface {
	Next(history []Observation) (map[string]any, error)
	Record(obs Observation)
	Exhausted() bool
	Snapshot() (json.RawMessage, error)
	Restore(state json.RawMessage) error
}

// New builds the strategy described by cfg.
func New(cfg config.Strategy) (Strategy, error) {
	space, err := NewSpace(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case config.StrategyGrid, "":
		return NewGrid(space, cfg.MaxCandidates), nil
	case config.StrategyRandom:
		return NewRandom(space, cfg.Seed, cfg.MaxCandidates), nil
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", cfg.Kind)
	}
}

// snapshot is the persisted form shared by the built-in strategies.
type snapshot struct {
	Kind     string        `json:"kind"`
	Proposed int           `json:"proposed"`
	Results  []Observation `json:"results"`
}

// base tracks proposals and recorded results.
type base struct {
	kind     string
	proposed int
	results  []Observation
}

func (b *base) Record(obs Observation) {
	obs.Params = maps.Clone(obs.Params)
	obs.Metrics = maps.Clone(obs.Metrics)
	obs.Done = true
	b.results = append(b.results, obs)
}

// Results returns the recorded observations in record order.
func (b *base) Results() []Observation {
	return b.results
}

func (b *base) propose(history []Observation) {
	if n := len(history) + 1; n > b.proposed {
		b.proposed = n
	}
}

func (b *base) Snapshot() (json.RawMessage, error) {
	results := b.results
	if results == nil {
		results = []Observation{}
	}
	data, err := json.Marshal(snapshot{Kind: b.kind, Proposed: b.proposed, Results: results})
	if err != nil {
		return nil, fmt.Errorf("marshal %s strategy state: %w", b.kind, err)
	}
	return data, nil
}

func (b *base) Restore(state json.RawMessage) error {
	if len(state) == 0 {
		return nil
	}
	var s snapshot
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("unmarshal strategy state: %w", err)
	}
	if s.Kind != b.kind {
		return fmt.Errorf("strategy state is for %q, configured strategy is %q", s.Kind, b.kind)
	}
	b.proposed = s.Proposed
	b.results = s.Results
	return nil
}
