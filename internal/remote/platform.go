// Package remote defines the capability the scheduler uses to start and
// observe trials on a remote compute platform.
package remote

import (
	"context"
	"errors"

	"github.com/me/trialopt/pkg/model"
)

// Platform submits trials and reports their progress.
type Platform interface {
	// Submit starts a remote execution for the trial and returns its handle.
	// Errors are *model.SubmissionError.
	Submit(ctx context.Context, trialID int, params map[string]any) (handle string, err error)

	// Status reports the current state, cost and counters of a submitted trial.
	Status(ctx context.Context, handle string) (model.RemoteStatus, error)
}

// IsRetryableSubmit reports whether a failed submission may be sent again
// without risking a duplicate billed execution.
func IsRetryableSubmit(err error) bool {
	var subErr *model.SubmissionError
	return errors.As(err, &subErr) && subErr.Retryable
}
