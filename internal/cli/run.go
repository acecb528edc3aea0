package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/trialopt/internal/config"
	"github.com/me/trialopt/internal/report"
	"github.com/me/trialopt/internal/scheduler"
	"github.com/me/trialopt/internal/server"
)

func newRunCmd() *cobra.Command {
	var o overrides

	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Run or resume an optimization",
		Long: `Launch trials on Seqera Platform until the budget is spent or the search
strategy runs out of candidates. Interrupt with Ctrl-C at any time: the run
stops after the current poll cycle and the same command resumes it later
without resubmitting finished trials.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0], o)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOptimization(ctx, cmd, cfg)
		},
	}
	o.register(cmd)
	return cmd
}

func runOptimization(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	log := configLogger(cmd, cfg)

	c, err := buildComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	sched := scheduler.New(c.platform, c.extractor, c.strategy, c.store, schedulerConfig(cfg), log,
		scheduler.WithRunID(c.runID))

	log.Info("optimization configured",
		"run_id", c.runID,
		"pipeline", cfg.Platform.Pipeline,
		"revision", cfg.Platform.Revision,
		"workspace_id", cfg.Platform.WorkspaceID,
		"strategy", cfg.Strategy.Kind,
		"parameters", len(cfg.Strategy.Parameters),
		"budget", cfg.Run.Budget,
		"concurrency", cfg.Run.Concurrency,
		"direction", cfg.Run.Direction,
		"target_metric", cfg.Run.TargetMetric,
		"metrics_backend", cfg.Metrics.Backend,
		"checkpoint", cfg.Checkpoint.Path,
	)

	if cfg.StatusAddr != "" {
		srvCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		defer func() {
			cancel()
			<-done
		}()
		srv := server.New(sched, log)
		go func() {
			defer close(done)
			if err := srv.ListenAndServe(srvCtx, cfg.StatusAddr); err != nil {
				log.Error("status server failed", "addr", cfg.StatusAddr, "error", err)
			}
		}()
	}

	sum, err := sched.Run(ctx)
	if err != nil {
		return fmt.Errorf("run %s: %w", c.runID, err)
	}

	out := cmd.OutOrStdout()
	if sum.Interrupted {
		report.WriteInterrupted(out, sched.Snapshot(), cfg.Checkpoint.Path)
		return nil
	}
	report.WriteFinal(out, sched.Snapshot())
	return nil
}
