// Package cmd provides the CLI commands for fathom.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fathomsearch/fathom/pkg/version"
)

// rootOptions are persistent flags shared by every subcommand.
type rootOptions struct {
	storePath string
	logLevel  string
	logFile   string
}

// NewRootCmd creates the root command for the fathom CLI.
func NewRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:   "fathom",
		Short: "Hybrid document search engine",
		Long: `Fathom is a hybrid document retrieval engine. It combines BM25
keyword scoring with vector similarity search, fuses the two
candidate lists and reranks the result.

Load documents with 'fathom load', then query with 'fathom search'.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("fathom version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.storePath, "store", "", "SQLite store path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "Log file path (default: stderr only)")

	cmd.AddCommand(newSearchCmd(&opts))
	cmd.AddCommand(newLoadCmd(&opts))
	cmd.AddCommand(newStatsCmd(&opts))
	cmd.AddCommand(newConfigCmd(&opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
