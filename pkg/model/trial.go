package model

import (
	"maps"
	"time"
)

// Trial is one remote execution of the pipeline under a fixed parameter set.
type Trial struct {
	ID         int            `json:"id"`
	State      TrialState     `json:"state"`
	Params     map[string]any `json:"params"`
	ExternalID string         `json:"external_id,omitempty"`

	// Latest figures reported by the remote status query.
	Cost           float64 `json:"cost"`
	ElapsedHours   float64 `json:"elapsed_hours"`
	CompletedTasks int     `json:"completed_task_count"`
	CachedTasks    int     `json:"cached_task_count"`

	Metrics      map[string]float64 `json:"metrics,omitempty"`
	PollFailures int                `json:"poll_failures,omitempty"`
	Error        string             `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTrial creates a PENDING trial.
func NewTrial(id int, params map[string]any, now time.Time) *Trial {
	return &Trial{
		ID:        id,
		State:     TrialStatePending,
		Params:    maps.Clone(params),
		CreatedAt: now,
	}
}

// Transition moves the trial to next, stamping submission and completion times.
func (t *Trial) Transition(next TrialState, now time.Time) error {
	if !t.State.CanTransitionTo(next) {
		return &InvalidTransitionError{ID: t.ID, From: t.State, To: next}
	}
	t.State = next
	switch {
	case next == TrialStateSubmitted:
		t.SubmittedAt = &now
	case next.IsTerminal():
		t.CompletedAt = &now
	}
	return nil
}

// ApplyStatus refreshes cost and counters from a remote status report.
func (t *Trial) ApplyStatus(st RemoteStatus) {
	t.Cost = st.Cost
	t.ElapsedHours = st.ElapsedHours
	t.CompletedTasks = st.CompletedTasks
	t.CachedTasks = st.CachedTasks
}

// Metric returns the named metric, or 0 when the trial has no such metric.
func (t *Trial) Metric(name string) float64 {
	return t.Metrics[name]
}

// Clone returns a deep copy of the trial.
func (t *Trial) Clone() *Trial {
	c := *t
	c.Params = maps.Clone(t.Params)
	c.Metrics = maps.Clone(t.Metrics)
	if t.SubmittedAt != nil {
		v := *t.SubmittedAt
		c.SubmittedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// RemoteStatus is the result of a status query against the remote platform.
type RemoteStatus struct {
	State          RemoteState `json:"state"`
	ElapsedHours   float64     `json:"elapsed_hours"`
	Cost           float64     `json:"cost"`
	CompletedTasks int         `json:"completed_task_count"`
	CachedTasks    int         `json:"cached_task_count"`
}
