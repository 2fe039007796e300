package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fathomsearch/fathom/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fathom %s (commit %s, built %s)\n",
				version.Version, version.Commit, version.Date)
		},
	}
}
