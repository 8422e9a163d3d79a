package searcher

import (
	"context"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/dshills/ctxengine/internal/config"
	"github.com/dshills/ctxengine/internal/embedder"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

// VectorProvider ranks chunks by cosine similarity between the query
// embedding and stored chunk embeddings.
type VectorProvider struct {
	store   storage.Storage
	batcher *embedder.Batcher
}

// NewVectorProvider creates the semantic provider.
func NewVectorProvider(store storage.Storage, batcher *embedder.Batcher) *VectorProvider {
	return &VectorProvider{store: store, batcher: batcher}
}

// ID implements Provider.
func (p *VectorProvider) ID() string { return config.ProviderVector }

// GetContext implements Provider.
func (p *VectorProvider) GetContext(ctx context.Context, query string, scope *storage.SearchFilters, budget int) ([]types.Snippet, error) {
	if strings.TrimSpace(query) == "" {
		return []types.Snippet{}, nil
	}
	vec, err := p.batcher.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	limit := CandidateLimit(budget)
	results, err := p.store.SearchVector(ctx, vec, limit, scope)
	if err != nil {
		return nil, errors.Wrap(err, "vector search")
	}
	hits := make([]scoredID, len(results))
	for i, r := range results {
		hits[i] = scoredID{chunkID: r.ChunkID, score: clamp01(r.SimilarityScore)}
	}
	return hydrate(ctx, p.store, hits, nil, p.ID(), limit)
}

// SymbolProvider matches the query against chunk summaries: symbol names,
// signatures, heading paths and key paths.
type SymbolProvider struct {
	store storage.Storage
}

// NewSymbolProvider creates the symbol provider.
func NewSymbolProvider(store storage.Storage) *SymbolProvider {
	return &SymbolProvider{store: store}
}

// ID implements Provider.
func (p *SymbolProvider) ID() string { return config.ProviderSymbol }

// GetContext implements Provider.
func (p *SymbolProvider) GetContext(ctx context.Context, query string, scope *storage.SearchFilters, budget int) ([]types.Snippet, error) {
	limit := CandidateLimit(budget)
	results, err := p.store.SearchSymbols(ctx, query, limit, scope)
	if err != nil {
		return nil, errors.Wrap(err, "symbol search")
	}
	hits := make([]scoredID, len(results))
	for i, r := range results {
		hits[i] = scoredID{chunkID: r.ChunkID, score: r.Score}
	}
	relativeScores(hits)
	return hydrate(ctx, p.store, hits, nil, p.ID(), limit)
}
