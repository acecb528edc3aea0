package cli

import (
	"github.com/spf13/cobra"

	"github.com/me/trialopt/internal/config"
)

// overrides are command-line values layered over the config file before
// validation.
type overrides struct {
	budget      int
	concurrency int
	statusAddr  string
}

func (o *overrides) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.budget, "budget", 0, "Total number of trials (overrides run.budget)")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 0, "Maximum trials in flight (overrides run.concurrency)")
	cmd.Flags().StringVar(&o.statusAddr, "status-addr", "", "Serve the read-only status API on this address (overrides status_addr)")
}

func (o overrides) apply(cfg *config.Config) {
	if o.budget != 0 {
		cfg.Run.Budget = o.budget
	}
	if o.concurrency != 0 {
		cfg.Run.Concurrency = o.concurrency
	}
	if o.statusAddr != "" {
		cfg.StatusAddr = o.statusAddr
	}
}

// loadConfig reads path, applies overrides and validates the result.
func loadConfig(path string, o overrides) (*config.Config, error) {
	cfg, err := config.Read(path)
	if err != nil {
		return nil, err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
