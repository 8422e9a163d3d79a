package embedder

import (
	"context"
	"sync"
	"testing"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctxengine/pkg/types"
)

// countingEmbedder records batch sizes and delegates to the local provider.
type countingEmbedder struct {
	*LocalProvider
	mu      sync.Mutex
	batches []int
	fail    error
}

func (c *countingEmbedder) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	c.mu.Lock()
	c.batches = append(c.batches, len(req.Texts))
	c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	return c.LocalProvider.GenerateBatch(ctx, req)
}

func (c *countingEmbedder) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	c.mu.Lock()
	c.batches = append(c.batches, 1)
	c.mu.Unlock()
	return c.LocalProvider.GenerateEmbedding(ctx, req)
}

func testChunks(contents ...string) []types.Chunk {
	chunks := make([]types.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = types.Chunk{Ordinal: i, Kind: types.KindParagraph, StartLine: i + 1, EndLine: i + 1, Content: c}
	}
	return chunks
}

func TestBatcher_EmbedChunks(t *testing.T) {
	emb := &countingEmbedder{LocalProvider: NewLocalProvider(8)}
	b := NewBatcher(emb, 2, NewCache(100), nil)
	ctx := context.Background()

	chunks := testChunks("alpha", "beta", "gamma", "delta", "epsilon")
	vectors, err := b.EmbedChunks(ctx, "a.txt", chunks)
	require.NoError(t, err)
	require.Len(t, vectors, 5)
	assert.Equal(t, []int{2, 2, 1}, emb.batches)
	for i, v := range vectors {
		assert.Equal(t, embed(t, emb.LocalProvider, chunks[i].Content), v)
	}

	// a second pass is served from the cache
	emb.batches = nil
	again, err := b.EmbedChunks(ctx, "a.txt", chunks)
	require.NoError(t, err)
	assert.Equal(t, vectors, again)
	assert.Empty(t, emb.batches)

	// only the edited chunk is re-embedded
	chunks[3].Content = "changed"
	_, err = b.EmbedChunks(ctx, "a.txt", chunks)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, emb.batches)

	// the same content at another path is a different chunk
	emb.batches = nil
	_, err = b.EmbedChunks(ctx, "b.txt", chunks[:1])
	require.NoError(t, err)
	assert.Equal(t, []int{1}, emb.batches)
}

func TestBatcher_ProviderError(t *testing.T) {
	emb := &countingEmbedder{LocalProvider: NewLocalProvider(8), fail: ErrProviderFailed}
	b := NewBatcher(emb, 10, NewCache(10), nil)

	_, err := b.EmbedChunks(context.Background(), "a.txt", testChunks("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderFailed))
	assert.Contains(t, err.Error(), "a.txt")
	assert.Equal(t, 0, b.Cache().Len())
}

func TestBatcher_EmbedQuery(t *testing.T) {
	emb := &countingEmbedder{LocalProvider: NewLocalProvider(8)}
	b := NewBatcher(emb, 10, NewCache(10), nil)
	ctx := context.Background()

	first, err := b.EmbedQuery(ctx, "find the parser")
	require.NoError(t, err)
	second, err := b.EmbedQuery(ctx, "find the parser")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []int{1}, emb.batches)

	b.Purge()
	_, err = b.EmbedQuery(ctx, "find the parser")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, emb.batches)
}

func TestBatcher_ClampsBatchSize(t *testing.T) {
	b := NewBatcher(NewLocalProvider(0), MaxBatchSize*2, nil, nil)
	assert.Equal(t, MaxBatchSize, b.BatchSize())
	b = NewBatcher(NewLocalProvider(0), 0, nil, nil)
	assert.Equal(t, DefaultBatchSize, b.BatchSize())
}

func TestChunkKey(t *testing.T) {
	c := types.Chunk{Content: "x"}
	key := ChunkKey("a/b.go", 3, c.ContentHash())
	assert.Equal(t, "a/b.go#3@"+ComputeHash("x"), key)
}
