package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/pai-observability/internal/config"
	"github.com/PipeOpsHQ/pai-observability/observe/emitter"
)

func newEmitCommand(opts *options) *cobra.Command {
	var (
		url     string
		session string
	)
	cmd := &cobra.Command{
		Use:   "emit <event-type> [json-data]",
		Short: "Send one event to a running server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			data := map[string]any{}
			if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
				if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
					return fmt.Errorf("event data must be a JSON object: %w", err)
				}
			}
			if url == "" {
				url = cfg.BaseURL()
			}
			em := emitter.New(url,
				emitter.WithLogger(newLogger(opts.stderr, cfg.LogLevel)),
				emitter.WithDisabled(!cfg.Enabled),
			)
			if session != "" {
				em.SetSessionID(session)
			}
			err := em.Emit(args[0], data)
			em.Close()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(opts.stdout, "%s %s\n", em.SessionID(), args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "server base URL (default from PAI_OBSERVABILITY_HOST/PORT)")
	cmd.Flags().StringVar(&session, "session", "", "session id to attach (generated when empty)")
	return cmd
}
