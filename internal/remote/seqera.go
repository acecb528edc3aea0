package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/me/trialopt/internal/seqera"
	"github.com/me/trialopt/pkg/model"
)

// SeqeraOptions is the launch template applied to every trial.
type SeqeraOptions struct {
	ComputeEnvID   string
	Pipeline       string
	Revision       string
	WorkDir        string
	ConfigProfiles []string
	RunNamePrefix  string
}

// SeqeraPlatform runs trials as Seqera Platform workflows. Submit is async:
// it returns the workflow ID immediately and the scheduler polls Status
// until the workflow is terminal.
type SeqeraPlatform struct {
	api    seqera.API
	opts   SeqeraOptions
	logger *slog.Logger
}

// NewSeqeraPlatform creates a Platform backed by the given Seqera API.
func NewSeqeraPlatform(api seqera.API, opts SeqeraOptions, logger *slog.Logger) *SeqeraPlatform {
	return &SeqeraPlatform{
		api:    api,
		opts:   opts,
		logger: logger.With("component", "seqera-platform"),
	}
}

// RunName returns the workflow run name used for a trial.
func (p *SeqeraPlatform) RunName(trialID int) string {
	if p.opts.RunNamePrefix == "" {
		return fmt.Sprintf("trial-%d", trialID)
	}
	return fmt.Sprintf("%s-trial-%d", p.opts.RunNamePrefix, trialID)
}

// Submit launches the pipeline with params rendered as a YAML params file.
func (p *SeqeraPlatform) Submit(ctx context.Context, trialID int, params map[string]any) (string, error) {
	paramsText, err := yaml.Marshal(params)
	if err != nil {
		return "", &model.SubmissionError{TrialID: trialID, Err: fmt.Errorf("render params: %w", err)}
	}

	launch := seqera.Launch{
		ComputeEnvID:   p.opts.ComputeEnvID,
		Pipeline:       p.opts.Pipeline,
		Revision:       p.opts.Revision,
		WorkDir:        p.opts.WorkDir,
		ParamsText:     string(paramsText),
		ConfigProfiles: p.opts.ConfigProfiles,
		RunName:        p.RunName(trialID),
	}

	p.logger.Debug("launching workflow", "trial_id", trialID, "run_name", launch.RunName)

	id, err := p.api.Launch(ctx, launch)
	if err != nil {
		var httpErr *seqera.HTTPError
		retryable := errors.As(err, &httpErr) && httpErr.Retryable()
		return "", &model.SubmissionError{TrialID: trialID, Retryable: retryable, Err: err}
	}
	return id, nil
}

// Status describes the workflow and maps it to a platform-neutral status.
func (p *SeqeraPlatform) Status(ctx context.Context, handle string) (model.RemoteStatus, error) {
	wf, err := p.api.Describe(ctx, handle)
	if err != nil {
		return model.RemoteStatus{}, fmt.Errorf("describe workflow %s: %w", handle, err)
	}
	return model.RemoteStatus{
		State:          mapSeqeraState(wf.Status),
		ElapsedHours:   wf.Elapsed().Hours(),
		Cost:           wf.Progress.Cost,
		CompletedTasks: wf.Progress.Succeeded,
		CachedTasks:    wf.Progress.Cached,
	}, nil
}

// mapSeqeraState converts a Seqera workflow status to a RemoteState.
func mapSeqeraState(status string) model.RemoteState {
	switch status {
	case seqera.StatusSubmitted:
		return model.RemoteStateQueued
	case seqera.StatusRunning:
		return model.RemoteStateRunning
	case seqera.StatusSucceeded:
		return model.RemoteStateSucceeded
	case seqera.StatusFailed, seqera.StatusCancelled, seqera.StatusUnknown:
		return model.RemoteStateFailed
	default:
		return model.RemoteStateQueued
	}
}
