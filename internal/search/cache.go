package search

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fathomsearch/fathom/internal/store"
)

// Result cache defaults.
const (
	DefaultCacheTTL  = 30 * time.Minute
	DefaultCacheSize = 10000
)

// ResultCache memoizes final ranked results keyed by normalized
// query, filters and the scoring-relevant config fields. Entries
// expire lazily after the TTL; the size bound evicts
// least-recently-used entries. Safe for concurrent use.
type ResultCache struct {
	lru *expirable.LRU[string, []SearchResult]
	ttl time.Duration
}

// NewResultCache creates a cache bounded by size and ttl.
func NewResultCache(size int, ttl time.Duration) *ResultCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResultCache{
		lru: expirable.NewLRU[string, []SearchResult](size, nil, ttl),
		ttl: ttl,
	}
}

// Get returns the cached results for key. Expired entries read as
// misses.
func (c *ResultCache) Get(key string) ([]SearchResult, bool) {
	results, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}

	// Copy so callers cannot mutate the cached slice
	out := make([]SearchResult, len(results))
	copy(out, results)
	return out, true
}

// Set stores results under key, best effort.
func (c *ResultCache) Set(key string, results []SearchResult) {
	stored := make([]SearchResult, len(results))
	copy(stored, results)
	c.lru.Add(key, stored)
}

// Len returns the live entry count.
func (c *ResultCache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *ResultCache) Purge() {
	c.lru.Purge()
}

// cacheKeyConfig are the config fields that change scoring. Anything
// else (cache sizing, budgets) must not invalidate entries.
type cacheKeyConfig struct {
	weights       Weights
	fusion        FusionMethod
	normalization NormalizationMethod
	rerank        bool
	topK          int
}

// BuildCacheKey hashes the inputs that determine a search outcome.
// The key is stable across process restarts for identical inputs.
func BuildCacheKey(normalizedQuery string, filters store.Filters, cfg cacheKeyConfig) string {
	var sb strings.Builder
	sb.WriteString(normalizedQuery)
	sb.WriteByte(0x1f)
	sb.WriteString(filters.TaxonomyPrefix)
	sb.WriteByte(0x1f)
	sb.WriteString(filters.DocType)
	sb.WriteByte(0x1f)
	if !filters.PublishedAfter.IsZero() {
		sb.WriteString(strconv.FormatInt(filters.PublishedAfter.Unix(), 10))
	}
	sb.WriteByte(0x1f)
	if !filters.PublishedBefore.IsZero() {
		sb.WriteString(strconv.FormatInt(filters.PublishedBefore.Unix(), 10))
	}
	sb.WriteByte(0x1f)
	fmt.Fprintf(&sb, "%.6f|%.6f|%s|%s|%t|%d",
		cfg.weights.BM25, cfg.weights.Vector,
		cfg.fusion, cfg.normalization, cfg.rerank, cfg.topK)

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
