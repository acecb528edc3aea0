package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/me/trialopt/internal/checkpoint"
	"github.com/me/trialopt/internal/metrics"
	"github.com/me/trialopt/internal/remote"
	"github.com/me/trialopt/internal/strategy"
	"github.com/me/trialopt/pkg/model"
)

// Tick runs a single poll cycle and reports whether the run has finished.
// The only error is a failure to persist the checkpoint, after which the run
// can no longer guarantee an exact resume.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	if s.run == nil {
		return false, errors.New("scheduler: Tick called before Resume")
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.cycle", trace.WithAttributes(
		attribute.String("run.id", s.run.ID),
	))
	defer span.End()

	// Phase 1: Fill free slots with new trials.
	s.fillSlots(ctx)

	// Phase 2: Poll every outstanding trial in ID order.
	s.pollOutstanding(ctx)

	// Phase 3: Recompute cost and persist.
	s.run.RecomputeCost()
	s.run.UpdatedAt = s.now()
	if err := s.persist(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint")
		return false, fmt.Errorf("persist checkpoint: %w", err)
	}
	s.publish()

	done := s.finished()
	span.SetAttributes(
		attribute.Int("run.trials_completed", s.run.TrialsCompleted),
		attribute.Int("run.active", s.run.Active()),
		attribute.Float64("run.total_cost", s.run.TotalCost),
		attribute.Bool("run.done", done),
	)
	s.logger.Debug("cycle complete",
		"trials", len(s.run.Trials),
		"active", s.run.Active(),
		"trials_completed", s.run.TrialsCompleted,
		"total_cost", s.run.TotalCost,
		"done", done,
	)
	return done, nil
}

// finished reports whether the budget is spent or the strategy has run dry
// with nothing left outstanding.
func (s *Scheduler) finished() bool {
	if s.run.TrialsCompleted >= s.run.Budget {
		return true
	}
	return s.run.StrategyExhausted && len(s.run.Outstanding()) == 0
}

// fillSlots submits new trials while a concurrency slot, budget and
// candidates remain.
func (s *Scheduler) fillSlots(ctx context.Context) {
	for s.run.FreeSlots() > 0 && !s.run.StrategyExhausted {
		if s.strategy.Exhausted() {
			s.markExhausted()
			return
		}
		params, err := s.strategy.Next(s.history())
		if errors.Is(err, strategy.ErrExhausted) {
			s.markExhausted()
			return
		}
		if err != nil {
			s.proposalFailed(fmt.Errorf("strategy proposal: %w", err))
			return
		}
		params, err = model.NormalizeParams(params)
		if err != nil {
			s.proposalFailed(fmt.Errorf("unencodable parameters: %w", err))
			return
		}
		s.proposalFailures = 0

		trial := model.NewTrial(s.run.NextTrialID, params, s.now())
		s.run.NextTrialID++
		s.run.Trials = append(s.run.Trials, trial)
		s.submit(ctx, trial)
	}
	if s.strategy.Exhausted() {
		s.markExhausted()
	}
}

// proposalFailed counts cycles in which the strategy could not produce a
// candidate. After maxProposalFailures in a row the strategy is treated as
// exhausted so the run drains instead of retrying forever.
func (s *Scheduler) proposalFailed(err error) {
	s.proposalFailures++
	s.logger.Error("no candidate for free slot",
		"error", err,
		"consecutive_failures", s.proposalFailures,
		"limit", maxProposalFailures,
	)
	if s.proposalFailures >= maxProposalFailures {
		s.markExhausted()
	}
}

func (s *Scheduler) markExhausted() {
	if s.run.StrategyExhausted {
		return
	}
	s.run.StrategyExhausted = true
	s.logger.Info("strategy exhausted; draining outstanding trials",
		"trials", len(s.run.Trials),
		"outstanding", len(s.run.Outstanding()),
	)
}

// submit moves a PENDING trial to SUBMITTED, or to FAILED when the platform
// rejects it. Only errors the platform marks retryable are retried, so a
// lost response can never launch the same trial twice.
func (s *Scheduler) submit(ctx context.Context, trial *model.Trial) {
	ctx, span := s.tracer.Start(ctx, "trial.submit", trace.WithAttributes(attribute.Int("trial.id", trial.ID)))
	defer span.End()

	var handle string
	attempts, err := s.cfg.Retry.Do(ctx, s.cfg.CallTimeout, remote.IsRetryableSubmit, func(ctx context.Context) error {
		h, err := s.platform.Submit(ctx, trial.ID, trial.Params)
		handle = h
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		trial.Error = err.Error()
		s.finish(trial, model.TrialStateFailed)
		s.logger.Error("trial submission failed",
			"trial_id", trial.ID,
			"attempts", attempts,
			"params", trial.Params,
			"error", err,
		)
		return
	}

	trial.ExternalID = handle
	if err := trial.Transition(model.TrialStateSubmitted, s.now()); err != nil {
		s.logger.Error("transition submitted trial", "trial_id", trial.ID, "error", err)
		return
	}
	span.SetAttributes(attribute.String("trial.external_id", handle))
	s.logger.Info("trial submitted",
		"trial_id", trial.ID,
		"external_id", handle,
		"params", trial.Params,
	)
}

func (s *Scheduler) pollOutstanding(ctx context.Context) {
	for _, t := range s.run.Trials {
		if t.State.IsActive() {
			s.poll(ctx, t)
		}
	}
}

// poll refreshes one trial from the platform and applies any state change.
func (s *Scheduler) poll(ctx context.Context, trial *model.Trial) {
	ctx, span := s.tracer.Start(ctx, "trial.poll", trace.WithAttributes(
		attribute.Int("trial.id", trial.ID),
		attribute.String("trial.external_id", trial.ExternalID),
	))
	defer span.End()

	var status model.RemoteStatus
	attempts, err := s.cfg.Retry.Do(ctx, s.cfg.CallTimeout, nil, func(ctx context.Context) error {
		st, err := s.platform.Status(ctx, trial.ExternalID)
		status = st
		return err
	})
	if err != nil {
		trial.PollFailures++
		pollErr := &model.PollError{TrialID: trial.ID, Handle: trial.ExternalID, Attempts: attempts, Err: err}
		span.RecordError(pollErr)
		if trial.PollFailures >= s.cfg.MaxPollFailures {
			span.SetStatus(codes.Error, "poll failures exhausted")
			trial.Error = pollErr.Error()
			s.finish(trial, model.TrialStateFailed)
			s.logger.Error("trial failed: status unavailable",
				"trial_id", trial.ID,
				"external_id", trial.ExternalID,
				"poll_failures", trial.PollFailures,
				"error", err,
			)
			return
		}
		s.logger.Warn("status query failed; retrying next cycle",
			"trial_id", trial.ID,
			"external_id", trial.ExternalID,
			"poll_failures", trial.PollFailures,
			"error", err,
		)
		return
	}

	trial.PollFailures = 0
	trial.ApplyStatus(status)
	span.SetAttributes(attribute.String("trial.remote_state", string(status.State)))

	switch status.State {
	case model.RemoteStateQueued:
		// Still waiting for the platform to start it.
	case model.RemoteStateRunning:
		if err := trial.Transition(model.TrialStateRunning, s.now()); err != nil {
			s.logger.Error("transition running trial", "trial_id", trial.ID, "error", err)
		}
	case model.RemoteStateSucceeded:
		trial.Metrics = s.extract(ctx, trial, status)
		s.finish(trial, model.TrialStateCompleted)
		s.logger.Info("trial completed",
			"trial_id", trial.ID,
			"external_id", trial.ExternalID,
			s.run.TargetMetric, trial.Metric(s.run.TargetMetric),
			"cost", trial.Cost,
			"elapsed_hours", trial.ElapsedHours,
		)
		if s.run.Consider(trial) {
			s.logger.Info("new best trial",
				"trial_id", trial.ID,
				s.run.TargetMetric, trial.Metric(s.run.TargetMetric),
				"params", trial.Params,
			)
		}
	case model.RemoteStateFailed:
		trial.Error = "remote execution failed"
		s.finish(trial, model.TrialStateFailed)
		s.logger.Warn("trial failed",
			"trial_id", trial.ID,
			"external_id", trial.ExternalID,
			"cost", trial.Cost,
		)
	default:
		s.logger.Warn("unrecognised remote state", "trial_id", trial.ID, "state", status.State)
	}
}

// extract runs the metric extractor once. The target metric is always
// present in the result; a missing or panicking extractor yields 0.0.
// Non-finite values cannot be checkpointed and are replaced the same way.
func (s *Scheduler) extract(ctx context.Context, trial *model.Trial, status model.RemoteStatus) (m map[string]float64) {
	ctx, span := s.tracer.Start(ctx, "trial.extract", trace.WithAttributes(attribute.Int("trial.id", trial.ID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("metric extractor panicked", "trial_id", trial.ID, "panic", r)
			span.SetStatus(codes.Error, "extractor panic")
			m = nil
		}
		if m == nil {
			m = map[string]float64{}
		}
		for k, v := range m {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				s.logger.Warn("non-finite metric replaced", "trial_id", trial.ID, "metric", k, "value", v)
				m[k] = metrics.DefaultValue
			}
		}
		if _, ok := m[s.run.TargetMetric]; !ok {
			m[s.run.TargetMetric] = metrics.DefaultValue
		}
	}()
	return s.extractor.Extract(ctx, trial, status)
}

// finish moves a trial to a terminal state and reports it to the strategy.
func (s *Scheduler) finish(trial *model.Trial, state model.TrialState) {
	if err := trial.Transition(state, s.now()); err != nil {
		s.logger.Error("finish trial", "trial_id", trial.ID, "error", err)
		return
	}
	s.run.TrialsCompleted++
	s.strategy.Record(observation(trial))
}

func (s *Scheduler) persist(ctx context.Context) error {
	state, err := s.strategy.Snapshot()
	if err != nil {
		return err
	}
	return s.store.Save(ctx, &checkpoint.Record{
		Version:  checkpoint.Version,
		Run:      s.run,
		Strategy: state,
		SavedAt:  s.now(),
	})
}

// history returns every trial created so far, in ID order, as strategy
// observations.
func (s *Scheduler) history() []strategy.Observation {
	out := make([]strategy.Observation, len(s.run.Trials))
	for i, t := range s.run.Trials {
		out[i] = observation(t)
	}
	return out
}

func observation(t *model.Trial) strategy.Observation {
	return strategy.Observation{
		TrialID: t.ID,
		Params:  t.Params,
		Metrics: t.Metrics,
		Done:    t.State.IsTerminal(),
		Failed:  t.State == model.TrialStateFailed,
	}
}
