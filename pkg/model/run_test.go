package model

import (
	"math"
	"testing"
	"time"
)

func completed(id int, value float64) *Trial {
	return &Trial{ID: id, State: TrialStateCompleted, Metrics: map[string]float64{"score": value}}
}

func TestRun_ConsiderMaximize(t *testing.T) {
	r := NewRun("r", 2, 10, Maximize, "score", time.Now().UTC())
	r.Trials = []*Trial{completed(1, 0.5), completed(2, 0.9), completed(3, 0.9), completed(4, 0.1)}
	for _, tr := range r.Trials {
		r.Consider(tr)
	}
	if best := r.Best(); best == nil || best.ID != 2 {
		t.Fatalf("best = %+v, want trial 2", best)
	}
}

func TestRun_ConsiderMinimize(t *testing.T) {
	r := NewRun("r", 2, 10, Minimize, "score", time.Now().UTC())
	r.Trials = []*Trial{completed(1, 0.5), completed(2, 0.2), completed(3, 0.7)}
	r.RecomputeBest()
	if best := r.Best(); best == nil || best.ID != 2 {
		t.Fatalf("best = %+v, want trial 2", best)
	}
}

func TestRun_TieBrokenByEarliestSubmission(t *testing.T) {
	r := NewRun("r", 2, 10, Maximize, "score", time.Now().UTC())
	late := completed(5, 1.0)
	early := completed(3, 1.0)
	r.Trials = []*Trial{early, late}

	// The later trial finishes first; the earlier one must still win the tie.
	if !r.Consider(late) {
		t.Fatal("first completion should become best")
	}
	if !r.Consider(early) {
		t.Fatal("earlier trial with equal value should replace later best")
	}
	if got := *r.BestTrialID; got != 3 {
		t.Errorf("best = %d, want 3", got)
	}
	if r.Consider(late) {
		t.Error("re-considering the later trial must not change best")
	}
}

func TestRun_ConsiderIgnoresFailedAndNaN(t *testing.T) {
	r := NewRun("r", 2, 10, Maximize, "score", time.Now().UTC())
	failed := &Trial{ID: 1, State: TrialStateFailed, Metrics: map[string]float64{"score": 99}}
	nan := completed(2, math.NaN())
	r.Trials = []*Trial{failed, nan}
	if r.Consider(failed) {
		t.Error("failed trial must not become best")
	}
	if r.Consider(nan) {
		t.Error("NaN metric must not become best")
	}
	if r.Best() != nil {
		t.Error("best should remain nil")
	}
	ok := completed(3, -1)
	r.Trials = append(r.Trials, ok)
	if !r.Consider(ok) {
		t.Error("finite value should beat no best")
	}
}

func TestRun_MissingMetricDefaultsToZero(t *testing.T) {
	r := NewRun("r", 1, 10, Maximize, "score", time.Now().UTC())
	noMetric := &Trial{ID: 1, State: TrialStateCompleted}
	negative := completed(2, -0.5)
	r.Trials = []*Trial{noMetric, negative}
	r.RecomputeBest()
	if got := *r.BestTrialID; got != 1 {
		t.Errorf("best = %d, want 1 (missing metric counts as 0.0)", got)
	}
}

func TestRun_RecomputeCost(t *testing.T) {
	r := NewRun("r", 3, 10, Maximize, "score", time.Now().UTC())
	r.Trials = []*Trial{
		{ID: 1, State: TrialStateCompleted, Cost: 1.5},
		{ID: 2, State: TrialStateRunning, Cost: 0.25},
		{ID: 3, State: TrialStatePending, Cost: 100},
		{ID: 4, State: TrialStateFailed, Cost: 0.25},
	}
	if got := r.RecomputeCost(); got != 2.0 {
		t.Errorf("RecomputeCost() = %v, want 2.0", got)
	}

	// A revised (lower) remote figure replaces the earlier one.
	r.Trials[0].Cost = 1.0
	if got := r.RecomputeCost(); got != 1.5 {
		t.Errorf("RecomputeCost() after revision = %v, want 1.5", got)
	}
}

func TestRun_FreeSlots(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
		budget      int
		states      []TrialState
		want        int
	}{
		{"empty", 2, 20, nil, 2},
		{"one active", 2, 20, []TrialState{TrialStateRunning}, 1},
		{"full", 2, 20, []TrialState{TrialStateRunning, TrialStateSubmitted}, 0},
		{"terminal frees slot", 2, 20, []TrialState{TrialStateCompleted, TrialStateRunning}, 1},
		{"budget smaller than concurrency", 5, 3, nil, 3},
		{"budget spent", 5, 3, []TrialState{TrialStateCompleted, TrialStateFailed, TrialStateRunning}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRun("r", tt.concurrency, tt.budget, Maximize, "score", time.Now().UTC())
			for i, s := range tt.states {
				r.Trials = append(r.Trials, &Trial{ID: i + 1, State: s})
			}
			if got := r.FreeSlots(); got != tt.want {
				t.Errorf("FreeSlots() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTrial_Transition(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := NewTrial(1, map[string]any{"a": 1}, now)
	if err := tr.Transition(TrialStateSubmitted, now); err != nil {
		t.Fatalf("Transition SUBMITTED: %v", err)
	}
	if tr.SubmittedAt == nil || !tr.SubmittedAt.Equal(now) {
		t.Errorf("SubmittedAt = %v, want %v", tr.SubmittedAt, now)
	}
	later := now.Add(time.Hour)
	if err := tr.Transition(TrialStateCompleted, later); err != nil {
		t.Fatalf("Transition COMPLETED: %v", err)
	}
	if tr.CompletedAt == nil || !tr.CompletedAt.Equal(later) {
		t.Errorf("CompletedAt = %v, want %v", tr.CompletedAt, later)
	}
	if err := tr.Transition(TrialStateFailed, later); err == nil {
		t.Error("terminal trial must reject further transitions")
	}
}

func TestRun_CloneIsDeep(t *testing.T) {
	r := NewRun("r", 1, 1, Maximize, "score", time.Now().UTC())
	r.Trials = append(r.Trials, completed(1, 0.5))
	r.RecomputeBest()

	c := r.Clone()
	c.Trials[0].Metrics["score"] = 9
	*c.BestTrialID = 42
	if r.Trials[0].Metrics["score"] != 0.5 {
		t.Error("clone shares metrics map with original")
	}
	if *r.BestTrialID != 1 {
		t.Error("clone shares best pointer with original")
	}
}

func TestNormalizeParams(t *testing.T) {
	got, err := NormalizeParams(map[string]any{"n": 4, "mode": "fast"})
	if err != nil {
		t.Fatalf("NormalizeParams: %v", err)
	}
	if v, ok := got["n"].(float64); !ok || v != 4 {
		t.Errorf("n = %#v, want float64(4)", got["n"])
	}
	if got["mode"] != "fast" {
		t.Errorf("mode = %#v, want \"fast\"", got["mode"])
	}
	empty, err := NormalizeParams(nil)
	if err != nil || empty == nil {
		t.Errorf("NormalizeParams(nil) = %v, %v; want empty map", empty, err)
	}
}
