package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fathomsearch/fathom/internal/search"
	"github.com/fathomsearch/fathom/internal/store"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	topK          int
	fusion        string
	normalization string
	bm25Weight    float64
	vectorWeight  float64
	keywordOnly   bool
	vectorOnly    bool
	noRerank      bool
	noCache       bool
	format        string
	taxonomy      string
	docType       string
	after         string
	before        string
}

func newSearchCmd(root *rootOptions) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the document store",
		Long: `Search the document store using hybrid retrieval.

Combines BM25 keyword scoring and vector similarity, fuses the
candidate lists and reranks the merged result.

Examples:
  fathom search "incident response playbook"
  fathom search "oauth token refresh" --top-k 5 --fusion rrf
  fathom search "quarterly planning" --taxonomy handbook/ops
  fathom search "api rate limits" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, root, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.topK, "top-k", "n", 0, "Maximum number of results (0 uses the configured default)")
	cmd.Flags().StringVar(&opts.fusion, "fusion", "", "Fusion method: weighted_sum, rrf, combsum, combmnz, borda, condorcet")
	cmd.Flags().StringVar(&opts.normalization, "normalization", "", "Score normalization: minmax, zscore, rank, reciprocal_rank")
	cmd.Flags().Float64Var(&opts.bm25Weight, "bm25-weight", -1, "BM25 branch weight (with --vector-weight, overrides adaptive selection)")
	cmd.Flags().Float64Var(&opts.vectorWeight, "vector-weight", -1, "Vector branch weight")
	cmd.Flags().BoolVar(&opts.keywordOnly, "keyword-only", false, "BM25 branch only")
	cmd.Flags().BoolVar(&opts.vectorOnly, "vector-only", false, "Vector branch only")
	cmd.Flags().BoolVar(&opts.noRerank, "no-rerank", false, "Skip the rerank pipeline")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "Bypass the result cache")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().StringVar(&opts.taxonomy, "taxonomy", "", "Filter by taxonomy path prefix")
	cmd.Flags().StringVar(&opts.docType, "doc-type", "", "Filter by document type")
	cmd.Flags().StringVar(&opts.after, "after", "", "Only documents published after this date (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.before, "before", "", "Only documents published before this date")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, root *rootOptions, query string, opts searchOptions) error {
	if opts.keywordOnly && opts.vectorOnly {
		return fmt.Errorf("--keyword-only and --vector-only are mutually exclusive")
	}

	filters, err := buildFilters(opts)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, root, !opts.keywordOnly)
	if err != nil {
		return err
	}
	defer a.close()

	searchOpts := search.SearchOptions{
		TopK:          opts.topK,
		Filters:       filters,
		Fusion:        search.FusionMethod(opts.fusion),
		Normalization: search.NormalizationMethod(opts.normalization),
		DisableRerank: opts.noRerank,
		BypassCache:   opts.noCache,
	}
	if opts.bm25Weight >= 0 && opts.vectorWeight >= 0 {
		searchOpts.Weights = &search.Weights{BM25: opts.bm25Weight, Vector: opts.vectorWeight}
	}

	var resp *search.Response
	switch {
	case opts.keywordOnly:
		resp, err = a.engine.KeywordSearch(ctx, query, searchOpts)
	case opts.vectorOnly:
		resp, err = a.engine.VectorSearch(ctx, query, searchOpts)
	default:
		resp, err = a.engine.Search(ctx, query, searchOpts)
	}
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	switch opts.format {
	case "json":
		return formatJSON(cmd, resp)
	default:
		return formatText(cmd, query, resp)
	}
}

// buildFilters converts CLI flags to storage filters.
func buildFilters(opts searchOptions) (store.Filters, error) {
	filters := store.Filters{
		TaxonomyPrefix: opts.taxonomy,
		DocType:        opts.docType,
	}

	if opts.after != "" {
		t, err := parseDate(opts.after)
		if err != nil {
			return store.Filters{}, fmt.Errorf("invalid --after value: %w", err)
		}
		filters.PublishedAfter = t
	}
	if opts.before != "" {
		t, err := parseDate(opts.before)
		if err != nil {
			return store.Filters{}, fmt.Errorf("invalid --before value: %w", err)
		}
		filters.PublishedBefore = t
	}

	return filters, nil
}

// parseDate accepts RFC 3339 timestamps or bare dates.
func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}

// formatText outputs results in human-readable form.
func formatText(cmd *cobra.Command, query string, resp *search.Response) error {
	out := cmd.OutOrStdout()

	if len(resp.Results) == 0 {
		fmt.Fprintf(out, "No results found for %q\n", query)
		return nil
	}

	header := fmt.Sprintf("Found %d results for %q (%s)", len(resp.Results), query, resp.Elapsed.Round(time.Millisecond))
	if resp.CacheHit {
		header += " [cached]"
	}
	if resp.Degraded {
		header += " [degraded]"
	}
	fmt.Fprintln(out, header)
	fmt.Fprintln(out)

	for _, r := range resp.Results {
		location := r.Title
		if location == "" {
			location = r.ChunkID
		}
		fmt.Fprintf(out, "%d. %s (score: %.3f, via %s)\n", r.Rank, location, r.Score, strings.Join(r.Sources, "+"))
		if r.SourceURL != "" {
			fmt.Fprintf(out, "   %s\n", r.SourceURL)
		}
		for _, line := range snippet(r.Text, 3) {
			fmt.Fprintf(out, "   %s\n", line)
		}
		fmt.Fprintln(out)
	}
	return nil
}

// formatJSON outputs the full response as indented JSON.
func formatJSON(cmd *cobra.Command, resp *search.Response) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// snippet returns the first n non-empty-trailing lines of text.
func snippet(text string, n int) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
