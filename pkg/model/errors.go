package model

import "fmt"

// ConfigError reports a malformed or missing run configuration value.
// It is fatal at startup: no trial is submitted once one is returned.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", msg, e.Err)
	}
	return "config error: " + msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError creates a ConfigError for the given field.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// SubmissionError is returned when the remote platform rejects a launch or the
// transport fails before a handle is obtained.
type SubmissionError struct {
	TrialID int
	// Retryable is set when the platform refused the request before accepting it,
	// so resending cannot create a duplicate remote execution.
	Retryable bool
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit trial %d: %v", e.TrialID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollError is returned when a status query fails after all retry attempts.
type PollError struct {
	TrialID  int
	Handle   string
	Attempts int
	Err      error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll trial %d (%s) failed after %d attempt(s): %v", e.TrialID, e.Handle, e.Attempts, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	ID   int
	From TrialState
	To   TrialState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid trial state transition: %s → %s (trial %d)", e.From, e.To, e.ID)
}
