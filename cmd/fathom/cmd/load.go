package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fathomsearch/fathom/internal/store"
)

const loadBatchSize = 64

// loadOptions holds CLI flags for load.
type loadOptions struct {
	skipEmbed bool
	batchSize int
}

// chunkRecord is one JSONL input line.
type chunkRecord struct {
	ID           string    `json:"id"`
	DocID        string    `json:"doc_id"`
	Title        string    `json:"title"`
	Text         string    `json:"text"`
	SourceURL    string    `json:"source_url"`
	TaxonomyPath string    `json:"taxonomy_path"`
	DocType      string    `json:"doc_type"`
	PublishedAt  time.Time `json:"published_at"`
}

func newLoadCmd(root *rootOptions) *cobra.Command {
	var opts loadOptions

	cmd := &cobra.Command{
		Use:   "load <file.jsonl>",
		Short: "Load pre-chunked documents into the store",
		Long: `Load pre-chunked documents from a JSONL file.

Each line is one chunk object with id, doc_id, title, text and
optional source_url, taxonomy_path, doc_type and published_at
fields. Chunks are embedded and written in batches; an existing
chunk with the same id is replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd.Context(), cmd, root, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.skipEmbed, "skip-embed", false, "Store chunks without embeddings (keyword search only)")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", loadBatchSize, "Chunks per write batch")

	return cmd
}

func runLoad(ctx context.Context, cmd *cobra.Command, root *rootOptions, path string, opts loadOptions) error {
	if opts.batchSize <= 0 {
		opts.batchSize = loadBatchSize
	}

	a, err := openApp(ctx, root, false)
	if err != nil {
		return err
	}
	defer a.close()

	// Single-writer discipline across processes
	lock := store.NewWriteLock(filepath.Dir(a.cfg.Store.Path))
	if a.cfg.Store.Path != "" {
		held, lockErr := lock.TryLock()
		if lockErr != nil {
			return fmt.Errorf("failed to acquire write lock: %w", lockErr)
		}
		if !held {
			return fmt.Errorf("another process holds the write lock at %s", lock.Path())
		}
		defer func() { _ = lock.Unlock() }()
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer file.Close()

	start := time.Now()
	loaded, skipped, err := loadChunks(ctx, a, file, opts)
	if err != nil {
		return err
	}

	// New content invalidates the corpus statistics snapshot
	if err := a.stats.Refresh(ctx); err != nil {
		a.logger.Warn("stats_refresh_failed", slog.String("error", err.Error()))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d chunks (%d skipped) in %s\n",
		loaded, skipped, time.Since(start).Round(time.Millisecond))
	return nil
}

// loadChunks streams JSONL records, embeds and writes them in batches.
func loadChunks(ctx context.Context, a *app, r io.Reader, opts loadOptions) (loaded, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	batch := make([]*store.Chunk, 0, opts.batchSize)
	line := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if !opts.skipEmbed {
			if err := embedBatch(ctx, a, batch); err != nil {
				return err
			}
		}
		if err := a.store.SaveChunks(ctx, batch); err != nil {
			return fmt.Errorf("failed to save batch ending at line %d: %w", line, err)
		}
		loaded += len(batch)
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec chunkRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			a.logger.Warn("load_skipped_line", slog.Int("line", line), slog.String("error", err.Error()))
			skipped++
			continue
		}
		if rec.ID == "" || rec.Text == "" {
			a.logger.Warn("load_skipped_line", slog.Int("line", line), slog.String("reason", "missing id or text"))
			skipped++
			continue
		}

		batch = append(batch, &store.Chunk{
			ID:           rec.ID,
			DocID:        rec.DocID,
			Title:        rec.Title,
			Text:         rec.Text,
			SourceURL:    rec.SourceURL,
			TaxonomyPath: rec.TaxonomyPath,
			DocType:      rec.DocType,
			PublishedAt:  rec.PublishedAt,
		})
		if len(batch) >= opts.batchSize {
			if err := flush(); err != nil {
				return loaded, skipped, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return loaded, skipped, fmt.Errorf("failed to read input: %w", err)
	}
	if err := flush(); err != nil {
		return loaded, skipped, err
	}

	return loaded, skipped, nil
}

// embedBatch fills in the embedding of every chunk in the batch.
func embedBatch(ctx context.Context, a *app, batch []*store.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, err := a.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed batch: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}

	for i, c := range batch {
		c.Embedding = vectors[i]
	}
	return nil
}
