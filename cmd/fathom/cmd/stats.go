package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// statsOptions holds CLI flags for stats.
type statsOptions struct {
	format string
}

// corpusReport is the printable store summary.
type corpusReport struct {
	StorePath    string    `json:"store_path"`
	Chunks       int       `json:"chunks"`
	AvgDocLength float64   `json:"avg_doc_length"`
	UniqueTerms  int       `json:"unique_terms"`
	ComputedAt   time.Time `json:"computed_at"`
	Embedder     string    `json:"embedder"`
	Dimensions   int       `json:"dimensions"`
}

func newStatsCmd(root *rootOptions) *cobra.Command {
	var opts statsOptions

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show corpus statistics",
		Long:  `Show corpus statistics: chunk count, average document length and the term vocabulary size.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), cmd, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runStats(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts statsOptions) error {
	a, err := openApp(ctx, root, false)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.stats.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute corpus stats: %w", err)
	}

	report := corpusReport{
		StorePath:    a.cfg.Store.Path,
		Chunks:       stats.TotalDocs,
		AvgDocLength: stats.AvgDocLength,
		UniqueTerms:  len(stats.DocFreq),
		ComputedAt:   stats.ComputedAt,
		Embedder:     a.embedder.ModelName(),
		Dimensions:   a.embedder.Dimensions(),
	}

	out := cmd.OutOrStdout()
	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "Store:          %s\n", report.StorePath)
	fmt.Fprintf(out, "Chunks:         %d\n", report.Chunks)
	fmt.Fprintf(out, "Avg doc length: %.1f tokens\n", report.AvgDocLength)
	fmt.Fprintf(out, "Unique terms:   %d\n", report.UniqueTerms)
	fmt.Fprintf(out, "Embedder:       %s (%d dims)\n", report.Embedder, report.Dimensions)
	return nil
}
