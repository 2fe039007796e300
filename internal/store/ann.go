package store

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"
)

// ANNConfig configures the approximate nearest neighbor index.
type ANNConfig struct {
	// Dimensions is the required vector dimensionality.
	Dimensions int

	// Metric selects the distance function: "cos" (default) or "l2".
	Metric string

	// M is the maximum number of graph neighbors per node.
	M int

	// EfSearch is the candidate list size during search.
	EfSearch int
}

// Neighbor is one ANN search hit.
type Neighbor struct {
	// ID is the chunk ID of the neighbor.
	ID string

	// Distance is the raw metric distance to the query.
	Distance float32

	// Similarity is the distance converted to a similarity score.
	Similarity float64
}

// ANNIndex is an in-memory HNSW index over chunk embeddings using the
// pure Go coder/hnsw implementation (no CGO).
type ANNIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config ANNConfig

	// ID mapping (string <-> uint64)
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

// NewANNIndex creates an HNSW index with the given configuration.
func NewANNIndex(cfg ANNConfig) (*ANNIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("invalid dimensions: %d", cfg.Dimensions)
	}
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &ANNIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// Add inserts vectors with their chunk IDs. An existing ID is lazily
// replaced: the old graph node is orphaned rather than deleted, which
// avoids coder/hnsw issues with removing the last node.
func (x *ANNIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return ErrStoreClosed
	}

	for _, v := range vectors {
		if len(v) != x.config.Dimensions {
			return ErrDimensionMismatch{
				Expected: x.config.Dimensions,
				Got:      len(v),
			}
		}
	}

	for i, id := range ids {
		if existingKey, exists := x.idMap[id]; exists {
			delete(x.keyMap, existingKey)
			delete(x.idMap, id)
		}

		key := x.nextKey
		x.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if x.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		node := hnsw.MakeNode(key, vec)
		x.graph.Add(node)

		x.idMap[id] = key
		x.keyMap[key] = id
	}

	return nil
}

// Search returns the k nearest neighbors of query.
func (x *ANNIndex) Search(ctx context.Context, query []float32, k int) ([]Neighbor, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, ErrStoreClosed
	}
	if len(query) != x.config.Dimensions {
		return nil, ErrDimensionMismatch{
			Expected: x.config.Dimensions,
			Got:      len(query),
		}
	}
	if x.graph.Len() == 0 {
		return []Neighbor{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if x.config.Metric == "cos" {
		normalizeVectorInPlace(normalized)
	}

	nodes := x.graph.Search(normalized, k)

	results := make([]Neighbor, 0, len(nodes))
	for _, node := range nodes {
		id, exists := x.keyMap[node.Key]
		if !exists {
			// Orphaned by lazy deletion
			continue
		}

		distance := x.graph.Distance(normalized, node.Value)
		results = append(results, Neighbor{
			ID:         id,
			Distance:   distance,
			Similarity: distanceToSimilarity(distance, x.config.Metric),
		})
	}

	return results, nil
}

// Delete removes vectors by chunk ID using lazy deletion.
func (x *ANNIndex) Delete(ctx context.Context, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return ErrStoreClosed
	}

	for _, id := range ids {
		if key, exists := x.idMap[id]; exists {
			delete(x.keyMap, key)
			delete(x.idMap, id)
		}
	}
	return nil
}

// Contains checks if a chunk ID is indexed.
func (x *ANNIndex) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return false
	}
	_, exists := x.idMap[id]
	return exists
}

// Count returns the number of live vectors.
func (x *ANNIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return 0
	}
	return len(x.idMap)
}

// Close marks the index closed.
func (x *ANNIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.closed = true
	return nil
}

// distanceToSimilarity converts a metric distance to a similarity.
// Cosine distance maps to 1-distance; L2 maps to 1/(1+distance).
func distanceToSimilarity(distance float32, metric string) float64 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + float64(distance))
	default:
		return 1.0 - float64(distance)
	}
}

// normalizeVectorInPlace scales vec to unit length.
func normalizeVectorInPlace(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
