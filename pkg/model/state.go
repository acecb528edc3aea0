package model

// TrialState represents the lifecycle state of a Trial.
type TrialState string

const (
	TrialStatePending   TrialState = "PENDING"
	TrialStateSubmitted TrialState = "SUBMITTED"
	TrialStateRunning   TrialState = "RUNNING"
	TrialStateCompleted TrialState = "COMPLETED"
	TrialStateFailed    TrialState = "FAILED"
)

// String returns the string representation of the trial state.
func (s TrialState) String() string {
	return string(s)
}

// IsTerminal returns true if the trial is in a final state.
func (s TrialState) IsTerminal() bool {
	switch s {
	case TrialStateCompleted, TrialStateFailed:
		return true
	}
	return false
}

// IsActive returns true if the trial occupies a concurrency slot on the remote platform.
func (s TrialState) IsActive() bool {
	return s == TrialStateSubmitted || s == TrialStateRunning
}

// ValidTrialTransitions defines the allowed state transitions for Trials.
// SUBMITTED may jump straight to a terminal state when the first observed
// remote status is already final.
var ValidTrialTransitions = map[TrialState][]TrialState{
	TrialStatePending:   {TrialStateSubmitted, TrialStateFailed},
	TrialStateSubmitted: {TrialStateRunning, TrialStateCompleted, TrialStateFailed},
	TrialStateRunning:   {TrialStateRunning, TrialStateCompleted, TrialStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TrialState) CanTransitionTo(next TrialState) bool {
	for _, allowed := range ValidTrialTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RemoteState is the platform-neutral state reported by a remote status query.
type RemoteState string

const (
	RemoteStateQueued    RemoteState = "QUEUED"
	RemoteStateRunning   RemoteState = "RUNNING"
	RemoteStateSucceeded RemoteState = "SUCCEEDED"
	RemoteStateFailed    RemoteState = "FAILED"
)

// IsTerminal returns true if the remote execution has finished.
func (s RemoteState) IsTerminal() bool {
	return s == RemoteStateSucceeded || s == RemoteStateFailed
}

// Direction is the optimization direction of a run.
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Maximize || d == Minimize
}
