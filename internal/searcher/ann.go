package searcher

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/coder/hnsw"

	"github.com/dshills/ctxengine/internal/config"
	"github.com/dshills/ctxengine/internal/embedder"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

const (
	// the graph is compacted once orphaned nodes exceed this share of it
	compactRatio      = 0.25
	compactMinOrphans = 32
)

// ANN is an in-memory HNSW graph over chunk embeddings. Replaced and removed
// chunks are unmapped rather than deleted from the graph; the graph is
// rebuilt on Reset and Warm and compacted when orphans pile up.
type ANN struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	keys    map[int64]uint64 // chunk id -> graph key
	chunks  map[uint64]int64 // graph key -> chunk id
	nextKey uint64

	store   storage.Storage
	batcher *embedder.Batcher
	logger  *zap.Logger
}

// NewANN creates an empty graph. Call Warm to load stored vectors.
func NewANN(store storage.Storage, batcher *embedder.Batcher, logger *zap.Logger) *ANN {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &ANN{store: store, batcher: batcher, logger: logger.Named("ann")}
	a.resetLocked()
	return a
}

func (a *ANN) resetLocked() {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	a.graph = g
	a.keys = make(map[int64]uint64)
	a.chunks = make(map[uint64]int64)
	a.nextKey = 0
}

// ID implements Provider.
func (a *ANN) ID() string { return config.ProviderANN }

// Len returns the number of live vectors.
func (a *ANN) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Orphans returns the number of unmapped nodes still held by the graph.
func (a *ANN) Orphans() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.graph.Len() - len(a.keys)
}

// GetContext implements Provider.
func (a *ANN) GetContext(ctx context.Context, query string, scope *storage.SearchFilters, budget int) ([]types.Snippet, error) {
	if strings.TrimSpace(query) == "" {
		return []types.Snippet{}, nil
	}
	vec, err := a.batcher.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	limit := CandidateLimit(budget)
	matcher := newScopeMatcher(scope)
	k := limit
	if !matcher.empty() {
		k = limit * 4
	}
	hits := a.search(normalized(vec), k)
	return hydrate(ctx, a.store, hits, matcher, a.ID(), limit)
}

func (a *ANN) search(q []float32, k int) []scoredID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.graph.Len() == 0 || len(a.keys) == 0 {
		return nil
	}
	// orphaned nodes still occupy result slots
	want := k + (a.graph.Len() - len(a.keys))
	nodes := a.graph.Search(q, want)

	hits := make([]scoredID, 0, k)
	for _, n := range nodes {
		id, ok := a.chunks[n.Key]
		if !ok {
			continue
		}
		score := clamp01(1 - float64(a.graph.Distance(q, n.Value)))
		hits = append(hits, scoredID{chunkID: id, score: score})
		if len(hits) == k {
			break
		}
	}
	return hits
}

// ApplyChange adds the file's new vectors and unmaps removed chunks.
func (a *ANN) ApplyChange(_ context.Context, change storage.ArtifactChange) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range change.Removed {
		a.unmapLocked(id)
	}
	for id, vec := range change.Vectors {
		a.addLocked(id, vec)
	}
	a.maybeCompactLocked()
	return nil
}

// maybeCompactLocked rebuilds the graph from its live nodes once orphans
// pass compactRatio of the graph.
func (a *ANN) maybeCompactLocked() {
	total := a.graph.Len()
	orphans := total - len(a.keys)
	if orphans < compactMinOrphans || float64(orphans) < compactRatio*float64(total) {
		return
	}
	live := make(map[int64][]float32, len(a.keys))
	for id, key := range a.keys {
		if vec, ok := a.graph.Lookup(key); ok {
			live[id] = vec
		}
	}
	a.resetLocked()
	for id, vec := range live {
		a.addLocked(id, vec)
	}
	a.logger.Debug("ann graph compacted", zap.Int("orphans", orphans), zap.Int("vectors", len(a.keys)))
}

// Reset drops the graph.
func (a *ANN) Reset(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	return nil
}

// Warm rebuilds the graph from every stored embedding.
func (a *ANN) Warm(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	err := a.store.ListIndexedChunks(ctx, func(c *storage.Chunk, vector []float32) error {
		if len(vector) > 0 {
			a.addLocked(c.ID, vector)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "warm ann graph")
	}
	a.logger.Debug("ann graph warmed", zap.Int("vectors", len(a.keys)))
	return nil
}

func (a *ANN) addLocked(chunkID int64, vec []float32) {
	if len(vec) == 0 {
		return
	}
	a.unmapLocked(chunkID)
	key := a.nextKey
	a.nextKey++
	a.graph.Add(hnsw.MakeNode(key, normalized(vec)))
	a.keys[chunkID] = key
	a.chunks[key] = chunkID
}

func (a *ANN) unmapLocked(chunkID int64) {
	if key, ok := a.keys[chunkID]; ok {
		delete(a.chunks, key)
		delete(a.keys, chunkID)
	}
}

func normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range out {
		out[i] *= inv
	}
	return out
}
