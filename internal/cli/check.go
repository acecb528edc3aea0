package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/trialopt/internal/config"
	"github.com/me/trialopt/internal/metrics"
	"github.com/me/trialopt/internal/strategy"
	"github.com/me/trialopt/pkg/model"
)

func newCheckCmd() *cobra.Command {
	var o overrides

	cmd := &cobra.Command{
		Use:   "check <config.yaml>",
		Short: "Validate a configuration without launching anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0], o)
			if err != nil {
				return err
			}
			strat, err := strategy.New(cfg.Strategy)
			if err != nil {
				return &model.ConfigError{Field: "strategy", Message: "invalid", Err: err}
			}
			if _, err := metrics.NewObjective(metrics.StatusExtractor{Target: cfg.Run.TargetMetric}, cfg.Run.TargetMetric, cfg.Metrics.Objective, logger); err != nil {
				return &model.ConfigError{Field: "metrics.objective", Message: "does not compile", Err: err}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration %s is valid.\n", args[0])
			fmt.Fprintf(out, "  Pipeline:    %s", cfg.Platform.Pipeline)
			if cfg.Platform.Revision != "" {
				fmt.Fprintf(out, " @ %s", cfg.Platform.Revision)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Objective:   %s %s\n", cfg.Run.Direction, cfg.Run.TargetMetric)
			fmt.Fprintf(out, "  Trials:      %d total, %d at a time\n", cfg.Run.Budget, cfg.Run.Concurrency)
			fmt.Fprintf(out, "  Strategy:    %s over %d parameter(s)%s\n", cfg.Strategy.Kind, len(cfg.Strategy.Parameters), candidates(strat))
			fmt.Fprintf(out, "  Metrics:     %s\n", metricsSource(cfg))
			fmt.Fprintf(out, "  Checkpoint:  %s (%s)\n", cfg.Checkpoint.Path, cfg.Checkpoint.Backend)
			if cfg.Platform.Token() == "" {
				fmt.Fprintf(out, "  Warning:     %s is not set; run will refuse to start\n", cfg.Platform.TokenEnv)
			}
			return nil
		},
	}
	o.register(cmd)
	return cmd
}

func candidates(s strategy.Strategy) string {
	if g, ok := s.(*strategy.Grid); ok {
		return fmt.Sprintf(", %d candidate(s)", g.Size())
	}
	return ""
}

func metricsSource(cfg *config.Config) string {
	src := "platform status"
	if cfg.Metrics.Backend == config.MetricsS3 {
		src = fmt.Sprintf("s3://%s/%s (%s)", cfg.Metrics.Bucket, cfg.Metrics.Prefix, cfg.Metrics.Artifact)
	}
	if cfg.Metrics.Objective != "" {
		src += fmt.Sprintf(", objective %q", cfg.Metrics.Objective)
	}
	return src
}
