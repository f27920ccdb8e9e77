package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/pai-observability/internal/config"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

type options struct {
	envFile string
	stdout  io.Writer
	stderr  io.Writer
}

// Run executes the command tree against args and returns the first error.
func Run(ctx context.Context, args []string) error {
	cmd := NewRootCommand(os.Stdout, os.Stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "pai-observability",
		Short:         "Event store and live stream for PAI agent activity",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// The default .env is optional; an explicit one must exist.
			return config.LoadEnvFile(opts.envFile, !cmd.Flags().Changed("env-file"))
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(
		newServeCommand(opts),
		newCleanupCommand(opts),
		newEmitCommand(opts),
		newVersionCommand(opts),
	)
	return root
}

func newVersionCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := io.WriteString(opts.stdout, Version+"\n")
			return err
		},
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
