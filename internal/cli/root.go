package cli

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the runjoin command tree
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "runjoin",
		Short: "Report parallel test processes into one shared run",
		Long: `runjoin coordinates independent worker processes that report the results
of one logical run. Exactly one worker creates the run and exactly one
finalizes it; the others join it and report their items into it.

Workers arbitrate the run identifier through an identity lock (a shared
directory, Redis or NATS JetStream) and report to a file collector.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add subcommands
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newFanoutCmd())
	rootCmd.AddCommand(newInspectCmd())

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to runjoin.json or runjoin.yaml (default: search up directory tree)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

// newLogger writes diagnostics to stderr; stdout carries summaries
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
	}))
}
