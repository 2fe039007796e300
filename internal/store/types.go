// Package store provides the persistence collaborators the retrieval
// engine queries: a SQLite chunk store with an FTS5 lexical prefilter,
// corpus statistics, and an in-memory ANN index.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common storage errors.
var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrNotFound is returned when a requested chunk does not exist.
	ErrNotFound = errors.New("chunk not found")
)

// ErrDimensionMismatch is returned when a vector has wrong dimensions.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// Chunk is the retrieval unit: a passage of a source document together
// with its display metadata and, when loaded, its embedding.
type Chunk struct {
	// ID uniquely identifies the chunk across the corpus.
	ID string

	// DocID identifies the parent document.
	DocID string

	// Title is the parent document title.
	Title string

	// Text is the chunk body used for scoring and display.
	Text string

	// SourceURL points back at the original document.
	SourceURL string

	// TaxonomyPath is a slash-separated category path ("kb/billing/refunds").
	TaxonomyPath string

	// DocType labels the document kind ("article", "faq", "manual").
	DocType string

	// TokenCount is the token length of Text, computed at write time.
	TokenCount int

	// PublishedAt is the source publication time.
	PublishedAt time.Time

	// Embedding is the chunk vector. Nil unless the query path that
	// produced this chunk loads embeddings.
	Embedding []float32
}

// Filters restricts candidate retrieval by chunk metadata.
// Zero-valued fields are ignored. Filters are applied as storage
// predicates, never by post-filtering in memory.
type Filters struct {
	// TaxonomyPrefix matches chunks whose TaxonomyPath starts with it.
	TaxonomyPrefix string

	// DocType matches chunks with this exact document type.
	DocType string

	// PublishedAfter keeps chunks published at or after this time.
	PublishedAfter time.Time

	// PublishedBefore keeps chunks published at or before this time.
	PublishedBefore time.Time
}

// IsZero reports whether no filter field is set.
func (f Filters) IsZero() bool {
	return f.TaxonomyPrefix == "" && f.DocType == "" &&
		f.PublishedAfter.IsZero() && f.PublishedBefore.IsZero()
}

// CorpusStats is an immutable snapshot of corpus-wide statistics used
// for BM25 scoring. A snapshot is never mutated after construction;
// refreshes build a new snapshot and swap the pointer.
type CorpusStats struct {
	// TotalDocs is the number of chunks in the corpus.
	TotalDocs int

	// AvgDocLength is the mean token count across chunks.
	AvgDocLength float64

	// DocFreq maps term to the number of chunks containing it.
	DocFreq map[string]int

	// ComputedAt records when the snapshot was built.
	ComputedAt time.Time
}

// DocFreqOf returns the document frequency for term, 0 if unseen.
func (s *CorpusStats) DocFreqOf(term string) int {
	if s == nil || s.DocFreq == nil {
		return 0
	}
	return s.DocFreq[term]
}

// Storage is the query-side contract the retrieval engine consumes.
type Storage interface {
	// LexicalCandidates returns chunks matching any of the query terms,
	// restricted by filters, capped at limit. Candidates are a coarse
	// prefilter; exact scoring happens in the caller.
	LexicalCandidates(ctx context.Context, terms []string, filters Filters, limit int) ([]*Chunk, error)

	// VectorCandidates returns filtered chunks with embeddings loaded,
	// capped at limit, for exact similarity scoring in the caller.
	VectorCandidates(ctx context.Context, filters Filters, limit int) ([]*Chunk, error)

	// GetChunks resolves chunks by ID. Missing IDs are skipped.
	GetChunks(ctx context.Context, ids []string) ([]*Chunk, error)

	// ComputeCorpusStats builds a fresh statistics snapshot.
	ComputeCorpusStats(ctx context.Context) (*CorpusStats, error)

	// Count returns the number of chunks in the store.
	Count(ctx context.Context) (int, error)

	// Close releases storage resources.
	Close() error
}
