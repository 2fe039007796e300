package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteStore implements Storage on SQLite with an FTS5 lexical
// prefilter. WAL mode allows concurrent readers while a writer holds
// the store.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ Storage = (*SQLiteStore)(nil)

// validateIntegrity checks a SQLite store before opening.
// Returns nil if valid, error describing corruption if not.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Database doesn't exist, will be created
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
                       WHERE type='table' AND name='fts_chunks'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("FTS5 table 'fts_chunks' missing")
	}

	return nil
}

// NewSQLiteStore opens (or creates) a chunk store at path.
// If path is empty, an in-memory store is created for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateIntegrity(path); validErr != nil {
			slog.Warn("chunk_store_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			// Auto-clear corrupted store
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("chunk store corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("chunk_store_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, please reload corpus"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite,
	// DSN params may be ignored
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{
		db:   db,
		path: path,
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the chunk table, FTS5 index and term statistics.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Chunk metadata and embeddings
	CREATE TABLE IF NOT EXISTS chunks (
		id            TEXT PRIMARY KEY,
		doc_id        TEXT NOT NULL DEFAULT '',
		title         TEXT NOT NULL DEFAULT '',
		text          TEXT NOT NULL,
		source_url    TEXT NOT NULL DEFAULT '',
		taxonomy_path TEXT NOT NULL DEFAULT '',
		doc_type      TEXT NOT NULL DEFAULT '',
		token_count   INTEGER NOT NULL DEFAULT 0,
		published_at  INTEGER NOT NULL DEFAULT 0,
		embedding     BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_doc_type ON chunks(doc_type);
	CREATE INDEX IF NOT EXISTS idx_chunks_taxonomy ON chunks(taxonomy_path);
	CREATE INDEX IF NOT EXISTS idx_chunks_published ON chunks(published_at);

	-- FTS5 prefilter over pre-tokenized chunk text
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
		chunk_id UNINDEXED,
		content,
		tokenize='unicode61'
	);

	-- Per-term document frequencies for BM25 IDF
	CREATE TABLE IF NOT EXISTS term_stats (
		term     TEXT PRIMARY KEY,
		doc_freq INTEGER NOT NULL DEFAULT 0
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveChunks inserts or replaces chunks, keeping the FTS index and the
// term statistics in sync within one transaction.
func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, chunk := range chunks {
		// Replacing a chunk must retract its old term contributions
		var oldText string
		err := tx.QueryRowContext(ctx, `SELECT text FROM chunks WHERE id = ?`, chunk.ID).Scan(&oldText)
		switch {
		case err == sql.ErrNoRows:
			// New chunk
		case err != nil:
			return fmt.Errorf("failed to check existing chunk %s: %w", chunk.ID, err)
		default:
			if err := adjustTermStats(ctx, tx, UniqueTerms(oldText), -1); err != nil {
				return fmt.Errorf("failed to retract term stats for %s: %w", chunk.ID, err)
			}
		}

		tokens := Tokenize(chunk.Text)
		tokenCount := chunk.TokenCount
		if tokenCount == 0 {
			tokenCount = len(tokens)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO chunks
				(id, doc_id, title, text, source_url, taxonomy_path, doc_type, token_count, published_at, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			chunk.ID, chunk.DocID, chunk.Title, chunk.Text, chunk.SourceURL,
			chunk.TaxonomyPath, chunk.DocType, tokenCount,
			chunk.PublishedAt.Unix(), encodeEmbedding(chunk.Embedding))
		if err != nil {
			return fmt.Errorf("failed to save chunk %s: %w", chunk.ID, err)
		}

		// FTS5 doesn't support REPLACE, delete first
		if _, err := tx.ExecContext(ctx, `DELETE FROM fts_chunks WHERE chunk_id = ?`, chunk.ID); err != nil {
			return fmt.Errorf("failed to clear FTS entry for %s: %w", chunk.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO fts_chunks(chunk_id, content) VALUES (?, ?)`,
			chunk.ID, strings.Join(tokens, " ")); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", chunk.ID, err)
		}

		if err := adjustTermStats(ctx, tx, UniqueTerms(chunk.Text), 1); err != nil {
			return fmt.Errorf("failed to update term stats for %s: %w", chunk.ID, err)
		}
	}

	return tx.Commit()
}

// adjustTermStats applies delta to the doc frequency of each term.
func adjustTermStats(ctx context.Context, tx *sql.Tx, terms []string, delta int) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO term_stats(term, doc_freq) VALUES (?, ?)
		ON CONFLICT(term) DO UPDATE SET doc_freq = MAX(doc_freq + ?, 0)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, term := range terms {
		initial := delta
		if initial < 0 {
			initial = 0
		}
		if _, err := stmt.ExecContext(ctx, term, initial, delta); err != nil {
			return err
		}
	}
	return nil
}

// DeleteChunks removes chunks and retracts their term statistics.
func (s *SQLiteStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		var text string
		err := tx.QueryRowContext(ctx, `SELECT text FROM chunks WHERE id = ?`, id).Scan(&text)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load chunk %s: %w", id, err)
		}

		if err := adjustTermStats(ctx, tx, UniqueTerms(text), -1); err != nil {
			return fmt.Errorf("failed to retract term stats for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete chunk %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM fts_chunks WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete FTS entry for %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// LexicalCandidates returns chunks matching ANY query term via FTS5,
// filtered by metadata predicates, capped at limit. Candidates are
// ordered by the FTS5 builtin ranking so the cap keeps the most
// promising ones; exact BM25 scoring happens in the caller.
func (s *SQLiteStore) LexicalCandidates(ctx context.Context, terms []string, filters Filters, limit int) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if len(terms) == 0 || limit <= 0 {
		return []*Chunk{}, nil
	}

	// OR-match: a chunk containing any query term is a candidate
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	if len(quoted) == 0 {
		return []*Chunk{}, nil
	}
	matchExpr := strings.Join(quoted, " OR ")

	filterSQL, filterArgs := filterClause(filters)
	query := `
		SELECT c.id, c.doc_id, c.title, c.text, c.source_url,
		       c.taxonomy_path, c.doc_type, c.token_count, c.published_at
		FROM fts_chunks f
		JOIN chunks c ON c.id = f.chunk_id
		WHERE f.content MATCH ?` + filterSQL + `
		ORDER BY bm25(fts_chunks)
		LIMIT ?`

	args := make([]any, 0, len(filterArgs)+2)
	args = append(args, matchExpr)
	args = append(args, filterArgs...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		// FTS5 returns error for invalid match queries, treat as no results
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []*Chunk{}, nil
		}
		return nil, fmt.Errorf("lexical candidate query failed: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows, false)
}

// VectorCandidates returns filtered chunks with embeddings loaded for
// exact similarity scoring in the caller.
func (s *SQLiteStore) VectorCandidates(ctx context.Context, filters Filters, limit int) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		return []*Chunk{}, nil
	}

	filterSQL, filterArgs := filterClause(filters)
	query := `
		SELECT c.id, c.doc_id, c.title, c.text, c.source_url,
		       c.taxonomy_path, c.doc_type, c.token_count, c.published_at, c.embedding
		FROM chunks c
		WHERE c.embedding IS NOT NULL` + filterSQL + `
		LIMIT ?`

	args := append(filterArgs, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector candidate query failed: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows, true)
}

// GetChunks resolves chunks by ID. Missing IDs are skipped silently.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if len(ids) == 0 {
		return []*Chunk{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.doc_id, c.title, c.text, c.source_url,
		       c.taxonomy_path, c.doc_type, c.token_count, c.published_at, c.embedding
		FROM chunks c
		WHERE c.id IN (%s)`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk lookup failed: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows, true)
}

// ComputeCorpusStats builds a fresh statistics snapshot: total chunk
// count, mean token length and the full term frequency table.
func (s *SQLiteStore) ComputeCorpusStats(ctx context.Context) (*CorpusStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &CorpusStats{
		DocFreq:    make(map[string]int),
		ComputedAt: time.Now(),
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(token_count) FROM chunks`).Scan(&stats.TotalDocs, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to compute corpus counts: %w", err)
	}
	if avg.Valid {
		stats.AvgDocLength = avg.Float64
	}

	rows, err := s.db.QueryContext(ctx, `SELECT term, doc_freq FROM term_stats WHERE doc_freq > 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to load term stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var term string
		var df int
		if err := rows.Scan(&term, &df); err != nil {
			return nil, fmt.Errorf("failed to scan term stats: %w", err)
		}
		stats.DocFreq[term] = df
	}

	return stats, rows.Err()
}

// Count returns the number of chunks in the store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// filterClause renders Filters as AND predicates on the chunks table.
func filterClause(f Filters) (string, []any) {
	var sb strings.Builder
	var args []any

	if f.TaxonomyPrefix != "" {
		sb.WriteString(" AND c.taxonomy_path LIKE ?")
		args = append(args, f.TaxonomyPrefix+"%")
	}
	if f.DocType != "" {
		sb.WriteString(" AND c.doc_type = ?")
		args = append(args, f.DocType)
	}
	if !f.PublishedAfter.IsZero() {
		sb.WriteString(" AND c.published_at >= ?")
		args = append(args, f.PublishedAfter.Unix())
	}
	if !f.PublishedBefore.IsZero() {
		sb.WriteString(" AND c.published_at <= ?")
		args = append(args, f.PublishedBefore.Unix())
	}

	return sb.String(), args
}

// scanChunks reads chunk rows, optionally including the embedding column.
func scanChunks(rows *sql.Rows, withEmbedding bool) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		chunk := &Chunk{}
		var publishedAt int64
		var blob []byte

		var err error
		if withEmbedding {
			err = rows.Scan(&chunk.ID, &chunk.DocID, &chunk.Title, &chunk.Text,
				&chunk.SourceURL, &chunk.TaxonomyPath, &chunk.DocType,
				&chunk.TokenCount, &publishedAt, &blob)
		} else {
			err = rows.Scan(&chunk.ID, &chunk.DocID, &chunk.Title, &chunk.Text,
				&chunk.SourceURL, &chunk.TaxonomyPath, &chunk.DocType,
				&chunk.TokenCount, &publishedAt)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}

		if publishedAt > 0 {
			chunk.PublishedAt = time.Unix(publishedAt, 0).UTC()
		}
		if len(blob) > 0 {
			chunk.Embedding = decodeEmbedding(blob)
		}

		chunks = append(chunks, chunk)
	}

	if chunks == nil {
		chunks = []*Chunk{}
	}
	return chunks, rows.Err()
}

// encodeEmbedding serializes a vector as little-endian float32 bytes.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding deserializes little-endian float32 bytes.
func decodeEmbedding(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
