package embedder

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/dshills/ctxengine/pkg/types"
)

// Batcher embeds chunks in provider-sized batches and memoizes vectors in a
// shared Cache.
type Batcher struct {
	embedder  Embedder
	batchSize int
	cache     *Cache
	logger    *zap.Logger
}

// NewBatcher wraps e. batchSize is clamped to [1, MaxBatchSize]; cache may
// be nil.
func NewBatcher(e Embedder, batchSize int, cache *Cache, logger *zap.Logger) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{embedder: e, batchSize: batchSize, cache: cache, logger: logger.Named("embedder")}
}

// Embedder returns the wrapped provider.
func (b *Batcher) Embedder() Embedder { return b.embedder }

// BatchSize returns the effective batch size.
func (b *Batcher) BatchSize() int { return b.batchSize }

// Cache returns the shared vector cache, possibly nil.
func (b *Batcher) Cache() *Cache { return b.cache }

// ChunkKey identifies a chunk's vector in the cache: path, ordinal and the
// chunk's content hash.
func ChunkKey(path string, ordinal int, contentHash [32]byte) string {
	return fmt.Sprintf("%s#%d@%s", path, ordinal, hex.EncodeToString(contentHash[:]))
}

// EmbedChunks returns one vector per chunk, in chunk order. Cached vectors
// are reused; the rest are embedded in batches.
func (b *Batcher) EmbedChunks(ctx context.Context, path string, chunks []types.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	keys := make([]string, len(chunks))
	var pending []int
	for i := range chunks {
		keys[i] = ChunkKey(path, chunks[i].Ordinal, chunks[i].ContentHash())
		if v, ok := b.cache.Get(keys[i]); ok {
			vectors[i] = v
			continue
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += b.batchSize {
		end := start + b.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for j, idx := range batch {
			texts[j] = chunks[idx].Content
		}
		resp, err := b.embedder.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: texts})
		if err != nil {
			return nil, errors.Wrapf(err, "embed %s chunks %d-%d", path, batch[0], batch[len(batch)-1])
		}
		if len(resp.Embeddings) != len(batch) {
			return nil, errors.Wrapf(ErrProviderFailed, "embed %s: got %d vectors for %d chunks", path, len(resp.Embeddings), len(batch))
		}
		for j, idx := range batch {
			v := resp.Embeddings[j].Vector
			if len(v) != b.embedder.Dimension() {
				return nil, errors.Wrapf(ErrDimensionMismatch, "embed %s: got %d, want %d", path, len(v), b.embedder.Dimension())
			}
			vectors[idx] = v
			b.cache.Set(keys[idx], v)
		}
	}

	if len(pending) > 0 {
		b.logger.Debug("embedded chunks",
			zap.String("path", path),
			zap.Int("chunks", len(chunks)),
			zap.Int("embedded", len(pending)))
	}
	return vectors, nil
}

// EmbedQuery embeds query text, memoized by the text hash.
func (b *Batcher) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := "query@" + ComputeHash(text)
	if v, ok := b.cache.Get(key); ok {
		return v, nil
	}
	emb, err := b.embedder.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
	if err != nil {
		return nil, errors.Wrap(err, "embed query")
	}
	b.cache.Set(key, emb.Vector)
	return emb.Vector, nil
}

// Purge drops every cached vector.
func (b *Batcher) Purge() {
	b.cache.Purge()
}
