package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/pai-observability/internal/config"
	"github.com/PipeOpsHQ/pai-observability/observe/retention"
)

func newCleanupCommand(opts *options) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete events and completed sessions older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := newLogger(opts.stderr, cfg.LogLevel)
			if cmd.Flags().Changed("days") {
				cfg.RetentionDays = days
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			reaper := retention.New(st, cfg.RetentionDays, retention.WithLogger(logger))
			deleted, err := reaper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(opts.stdout, "deleted %d events older than %d days\n", deleted, reaper.Days())
			return err
		},
	}
	cmd.Flags().IntVar(&days, "days", config.DefaultRetentionDays, "retention window in days (overrides PAI_OBSERVABILITY_RETENTION_DAYS)")
	return cmd
}
