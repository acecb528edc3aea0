package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/me/trialopt/internal/checkpoint"
	"github.com/me/trialopt/internal/config"
	"github.com/me/trialopt/internal/metrics"
	"github.com/me/trialopt/internal/remote"
	"github.com/me/trialopt/internal/scheduler"
	"github.com/me/trialopt/internal/seqera"
	"github.com/me/trialopt/internal/strategy"
	"github.com/me/trialopt/pkg/model"
)

// components is everything a run needs, wired from one configuration.
type components struct {
	runID     string
	store     checkpoint.Store
	strategy  strategy.Strategy
	extractor metrics.Extractor
	platform  remote.Platform
}

func (c *components) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// newS3API builds the object store client for the s3 metrics backend.
// Tests replace it.
var newS3API = func(ctx context.Context, region string) (metrics.ObjectAPI, error) {
	return metrics.NewS3Client(ctx, region)
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	token := cfg.Platform.Token()
	if token == "" {
		return nil, model.NewConfigError("platform.token_env", "environment variable %s is not set", cfg.Platform.TokenEnv)
	}

	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		return nil, &model.ConfigError{Field: "strategy", Message: "invalid", Err: err}
	}

	store, err := checkpoint.Open(ctx, checkpointOptions(cfg.Checkpoint), logger)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	c := &components{store: store, strategy: strat}

	// A resumed run keeps its ID so templated artifact prefixes stay stable.
	rec, err := store.Load(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if rec != nil {
		c.runID = rec.Run.ID
	} else {
		c.runID = uuid.NewString()
	}

	c.extractor, err = buildExtractor(ctx, cfg, c.runID, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	client := seqera.NewClient(seqera.ClientConfig{
		URL:         cfg.Platform.URL,
		Token:       token,
		WorkspaceID: cfg.Platform.WorkspaceID,
	}, logger)
	c.platform = remote.NewSeqeraPlatform(client, remote.SeqeraOptions{
		ComputeEnvID:   cfg.Platform.ComputeEnvID,
		Pipeline:       cfg.Platform.Pipeline,
		Revision:       cfg.Platform.Revision,
		WorkDir:        cfg.Platform.WorkDir,
		ConfigProfiles: cfg.Platform.ConfigProfiles,
		RunNamePrefix:  cfg.Platform.RunNamePrefix,
	}, logger)
	return c, nil
}

func buildExtractor(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (metrics.Extractor, error) {
	m := cfg.Metrics
	target := cfg.Run.TargetMetric

	var ext metrics.Extractor
	switch m.Backend {
	case config.MetricsS3:
		api, err := newS3API(ctx, m.Region)
		if err != nil {
			return nil, fmt.Errorf("s3 metrics: %w", err)
		}
		ext = metrics.NewS3Extractor(api, metrics.S3Config{
			Bucket:   m.Bucket,
			Prefix:   m.Prefix,
			Artifact: m.Artifact,
			Target:   target,
			RunID:    runID,
		}, logger)
	default:
		ext = metrics.StatusExtractor{Target: target}
	}

	ext, err := metrics.NewObjective(ext, target, m.Objective, logger)
	if err != nil {
		return nil, &model.ConfigError{Field: "metrics.objective", Message: "does not compile", Err: err}
	}
	return ext, nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	r := cfg.Run
	return scheduler.Config{
		Concurrency:     r.Concurrency,
		Budget:          r.Budget,
		PollInterval:    r.PollInterval,
		Direction:       r.Direction,
		TargetMetric:    r.TargetMetric,
		MaxPollFailures: r.MaxPollFailures,
		CallTimeout:     r.CallTimeout,
		Retry: remote.RetryPolicy{
			MaxAttempts: r.Retry.MaxAttempts,
			BaseBackoff: r.Retry.BaseBackoff,
			MaxBackoff:  r.Retry.MaxBackoff,
		},
	}
}

func checkpointOptions(c config.Checkpoint) checkpoint.Options {
	return checkpoint.Options{
		Backend:       c.Backend,
		Path:          c.Path,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword(),
		RedisDB:       c.RedisDB,
	}
}
