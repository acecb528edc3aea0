package cli

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/trialopt/internal/checkpoint"
	"github.com/me/trialopt/internal/config"
	"github.com/me/trialopt/internal/report"
)

func newStatusCmd() *cobra.Command {
	var (
		format string
		path   string
	)

	cmd := &cobra.Command{
		Use:   "status [config.yaml]",
		Short: "Show the checkpointed state of a run",
		Long: `Print the summary and trial table of a run from its checkpoint, without
contacting the platform. The checkpoint is located through the config file,
or given directly with --checkpoint.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := checkpoint.Options{Backend: checkpoint.BackendFile, Path: path}
			switch {
			case path != "":
				if ext := strings.ToLower(filepath.Ext(path)); ext == ".db" || ext == ".sqlite" {
					opts.Backend = checkpoint.BackendSQLite
				}
			case len(args) == 1:
				cfg, err := config.Read(args[0])
				if err != nil {
					return err
				}
				opts = checkpointOptions(cfg.Checkpoint)
				path = opts.Path
			default:
				return fmt.Errorf("give a config file or --checkpoint")
			}

			store, err := checkpoint.Open(cmd.Context(), opts, logger)
			if err != nil {
				return fmt.Errorf("open checkpoint: %w", err)
			}
			defer store.Close()

			rec, err := store.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load checkpoint: %w", err)
			}
			out := cmd.OutOrStdout()
			if rec == nil {
				fmt.Fprintf(out, "No checkpoint at %s.\n", path)
				return nil
			}

			now := time.Now()
			if err := report.Generate(rec.Run, format, now, out); err != nil {
				return err
			}
			if format == report.FormatTable {
				fmt.Fprintf(out, "\nCheckpoint %s saved %s.\n", path, humanize.RelTime(rec.SavedAt, now, "ago", "from now"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", report.FormatTable, "Output format (table, markdown, json)")
	cmd.Flags().StringVar(&path, "checkpoint", "", "Checkpoint path (.json file, or .db for SQLite)")
	return cmd
}
