package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/trialopt/internal/config"
	"github.com/me/trialopt/internal/logging"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the trialopt CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "trialopt",
		Short: "trialopt: parallel parameter optimization on Seqera Platform",
		Long: `trialopt searches a pipeline's parameter space by launching trials on
Seqera Platform, a bounded number at a time, and keeps the best result.
Runs are checkpointed after every poll cycle and resume where they stopped.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error); overrides the config file")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json); overrides the config file")

	root.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newCheckCmd(),
	)

	return root
}

// configLogger returns the logger for a loaded configuration. Flags given on
// the command line win over the file.
func configLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level, format := cfg.Logging.Level, cfg.Logging.Format
	flags := cmd.Flags()
	if flags.Changed("log-level") || flagDebug {
		level = flagLogLevel
	}
	if flags.Changed("log-format") {
		format = flagLogFormat
	}
	return logging.NewLoggerWithWriter(logging.ParseLevel(level), format, cmd.ErrOrStderr())
}
