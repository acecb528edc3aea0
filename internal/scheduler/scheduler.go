// Package scheduler runs the bounded-concurrency trial loop: it fills free
// slots with strategy proposals, polls outstanding trials, extracts metrics
// from finished ones and checkpoints the run after every cycle.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/me/trialopt/internal/checkpoint"
	"github.com/me/trialopt/internal/metrics"
	"github.com/me/trialopt/internal/remote"
	"github.com/me/trialopt/internal/strategy"
	"github.com/me/trialopt/pkg/model"
)

const instrumentationName = "github.com/me/trialopt/internal/scheduler"

// maxProposalFailures is the number of consecutive cycles in which the
// strategy may fail to propose before it is treated as exhausted.
const maxProposalFailures = 3

// Config holds scheduler configuration.
type Config struct {
	Concurrency  int
	Budget       int
	PollInterval time.Duration
	Direction    model.Direction
	TargetMetric string
	// MaxPollFailures is the number of consecutive failed status cycles after
	// which a trial is marked FAILED.
	MaxPollFailures int
	// CallTimeout bounds each submit, status and extract attempt.
	CallTimeout time.Duration
	Retry       remote.RetryPolicy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     2,
		Budget:          20,
		PollInterval:    60 * time.Second,
		Direction:       model.Maximize,
		TargetMetric:    "target_metric",
		MaxPollFailures: 5,
		CallTimeout:     2 * time.Minute,
		Retry:           remote.DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = d.MaxPollFailures
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	c.Retry = c.Retry.Normalize()
	return c
}

// Summary describes the outcome of Run.
type Summary struct {
	RunID           string
	Interrupted     bool
	TrialsCreated   int
	TrialsCompleted int
	Budget          int
	TotalCost       float64
	TargetMetric    string
	// Best is nil when no trial completed successfully.
	Best *model.Trial
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithTracerProvider emits cycle and trial spans to tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) { s.tracer = tp.Tracer(instrumentationName) }
}

// WithObserver registers fn to receive a copy of the run after every cycle.
func WithObserver(fn func(*model.Run)) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, fn) }
}

// WithSleep replaces the inter-cycle wait. fn must return ctx.Err() when ctx
// is cancelled.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// WithClock replaces time.Now for trial timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRunID fixes the ID given to a new run.
func WithRunID(id string) Option {
	return func(s *Scheduler) { s.runID = id }
}

// Scheduler drives one optimization run. Tick and Run must be called from a
// single goroutine; Snapshot is safe to call concurrently.
type Scheduler struct {
	platform  remote.Platform
	extractor metrics.Extractor
	strategy  strategy.Strategy
	store     checkpoint.Store
	cfg       Config
	logger    *slog.Logger

	tracer    trace.Tracer
	observers []func(*model.Run)
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	runID     string

	run       *model.Run
	published atomic.Pointer[model.Run]

	proposalFailures int
}

// New creates a scheduler. Call Resume (or Run) before Tick.
func New(platform remote.Platform, extractor metrics.Extractor, strat strategy.Strategy, store checkpoint.Store, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		platform:  platform,
		extractor: extractor,
		strategy:  strat,
		store:     store,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "scheduler"),
		tracer:    noop.NewTracerProvider().Tracer(instrumentationName),
		sleep:     sleepContext,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	return s
}

// Resume loads the checkpoint, if any, and prepares the run. Trials that were
// terminal when the checkpoint was written are kept as-is and never
// resubmitted; outstanding trials are polled on the next cycle.
func (s *Scheduler) Resume(ctx context.Context) error {
	rec, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if rec == nil {
		s.run = model.NewRun(s.runID, s.cfg.Concurrency, s.cfg.Budget, s.cfg.Direction, s.cfg.TargetMetric, s.now())
		s.logger.Info("starting new run", "run_id", s.run.ID)
		s.publish()
		return nil
	}

	if err := s.checkCompatible(rec.Run); err != nil {
		return err
	}
	if err := s.strategy.Restore(rec.Strategy); err != nil {
		return &model.ConfigError{Field: "strategy", Message: "checkpointed strategy state does not match configuration", Err: err}
	}
	s.run = rec.Run
	s.reconcile()

	s.logger.Info("resuming run from checkpoint",
		"run_id", s.run.ID,
		"trials", len(s.run.Trials),
		"trials_completed", s.run.TrialsCompleted,
		"outstanding", len(s.run.Outstanding()),
		"total_cost", s.run.TotalCost,
	)
	s.publish()
	return nil
}

// checkCompatible rejects a checkpoint written under different run settings.
func (s *Scheduler) checkCompatible(run *model.Run) error {
	switch {
	case run.Budget != s.cfg.Budget:
		return model.NewConfigError("run.budget", "checkpoint was written with budget %d, configured %d", run.Budget, s.cfg.Budget)
	case run.Concurrency != s.cfg.Concurrency:
		return model.NewConfigError("run.concurrency", "checkpoint was written with concurrency %d, configured %d", run.Concurrency, s.cfg.Concurrency)
	case run.Direction != s.cfg.Direction:
		return model.NewConfigError("run.direction", "checkpoint was written with direction %q, configured %q", run.Direction, s.cfg.Direction)
	case run.TargetMetric != s.cfg.TargetMetric:
		return model.NewConfigError("run.target_metric", "checkpoint was written with target %q, configured %q", run.TargetMetric, s.cfg.TargetMetric)
	}
	return nil
}

// reconcile repairs derived fields of a loaded run. A PENDING trial means the
// process died between creating a trial and learning the outcome of its
// submission; with no handle it can never be polled, so it is failed.
func (s *Scheduler) reconcile() {
	now := s.now()
	for _, t := range s.run.Trials {
		if t.State != model.TrialStatePending {
			continue
		}
		t.Error = "submission outcome unknown after restart"
		if err := t.Transition(model.TrialStateFailed, now); err != nil {
			s.logger.Error("fail orphaned trial", "trial_id", t.ID, "error", err)
			continue
		}
		s.strategy.Record(observation(t))
		s.logger.Warn("orphaned pending trial marked failed", "trial_id", t.ID)
	}

	completed, next := 0, 1
	for _, t := range s.run.Trials {
		if t.State.IsTerminal() {
			completed++
		}
		if t.ID >= next {
			next = t.ID + 1
		}
	}
	s.run.TrialsCompleted = completed
	if s.run.NextTrialID < next {
		s.run.NextTrialID = next
	}
	s.run.RecomputeCost()
	s.run.RecomputeBest()
}

// Run resumes the run and loops until it finishes or ctx is cancelled.
// A cycle that has started always runs to completion, including its
// checkpoint, before cancellation is honoured. Interruption is reported
// through Summary.Interrupted, not as an error.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	if err := s.Resume(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("scheduler started",
		"run_id", s.run.ID,
		"budget", s.cfg.Budget,
		"concurrency", s.cfg.Concurrency,
		"poll_interval", s.cfg.PollInterval,
		"direction", s.cfg.Direction,
		"target_metric", s.cfg.TargetMetric,
	)

	for {
		done, err := s.Tick(context.WithoutCancel(ctx))
		if err != nil {
			return s.summary(false), err
		}
		if done {
			s.logger.Info("optimization complete",
				"trials_completed", s.run.TrialsCompleted,
				"total_cost", s.run.TotalCost,
			)
			return s.summary(false), nil
		}
		if ctx.Err() != nil {
			break
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			break
		}
	}

	s.logger.Info("scheduler stopping (context cancelled)",
		"trials_completed", s.run.TrialsCompleted,
		"outstanding", len(s.run.Outstanding()),
	)
	return s.summary(true), nil
}

// Snapshot returns a copy of the run as of the last completed step, or nil
// before Resume.
func (s *Scheduler) Snapshot() *model.Run {
	r := s.published.Load()
	if r == nil {
		return nil
	}
	return r.Clone()
}

func (s *Scheduler) publish() {
	snap := s.run.Clone()
	s.published.Store(snap)
	for _, fn := range s.observers {
		fn(snap.Clone())
	}
}

func (s *Scheduler) summary(interrupted bool) *Summary {
	sum := &Summary{
		RunID:           s.run.ID,
		Interrupted:     interrupted,
		TrialsCreated:   len(s.run.Trials),
		TrialsCompleted: s.run.TrialsCompleted,
		Budget:          s.run.Budget,
		TotalCost:       s.run.TotalCost,
		TargetMetric:    s.run.TargetMetric,
	}
	if best := s.run.Best(); best != nil {
		sum.Best = best.Clone()
	}
	return sum
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
