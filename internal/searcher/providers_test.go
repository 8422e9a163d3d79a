package searcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctxengine/internal/embedder"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

const testDim = 16

var corpus = []string{
	"acquire the rebuild lock before resetting the store",
	"parse yaml documents into top level key blocks",
	"debounce file system events into batches",
}

// indexCorpus stores corpus in two files, embedding every chunk with the
// local provider, and returns the chunks of both files.
func indexCorpus(t *testing.T) (*storage.SQLiteStorage, *embedder.Batcher, []*storage.Chunk) {
	t.Helper()
	store := newTestStore(t, testDim)
	local := embedder.NewLocalProvider(testDim)
	ctx := context.Background()

	vec := func(text string) []float32 {
		emb, err := local.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
		require.NoError(t, err)
		return emb.Vector
	}

	var all []*storage.Chunk
	all = append(all, addFile(t, store, "internal/jobs/notes.md", "markdown", []testChunk{
		{content: corpus[0], summary: "RebuildLock.TryAcquire", start: 1, end: 1, tokens: 12, vector: vec(corpus[0])},
	})...)
	all = append(all, addFile(t, store, "docs/chunking.txt", "text", []testChunk{
		{content: corpus[1], summary: "YAML chunker", start: 1, end: 1, tokens: 12, vector: vec(corpus[1])},
		{content: corpus[2], summary: "Watcher debounce", start: 2, end: 2, tokens: 10, vector: vec(corpus[2])},
	})...)
	return store, embedder.NewBatcher(local, 8, embedder.NewCache(32), nil), all
}

func changeFor(chunks ...*storage.Chunk) storage.ArtifactChange {
	return storage.ArtifactChange{Path: chunks[0].FilePath, Chunks: chunks}
}

func TestVectorProvider(t *testing.T) {
	store, batcher, chunks := indexCorpus(t)
	p := NewVectorProvider(store, batcher)
	ctx := context.Background()

	got, err := p.GetContext(ctx, corpus[1], nil, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, chunks[1].ID, got[0].ChunkID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-5)
	assert.Equal(t, []string{"vector"}, got[0].Sources)
	assert.Equal(t, "docs/chunking.txt", got[0].Path)
	for _, sn := range got {
		assert.GreaterOrEqual(t, sn.Score, 0.0)
		assert.LessOrEqual(t, sn.Score, 1.0)
	}

	scoped, err := p.GetContext(ctx, corpus[1], &storage.SearchFilters{PathPrefixes: []string{"internal"}}, 1000)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, chunks[0].ID, scoped[0].ChunkID)

	empty, err := p.GetContext(ctx, "   ", nil, 1000)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSymbolProvider(t *testing.T) {
	store, _, chunks := indexCorpus(t)
	p := NewSymbolProvider(store)

	got, err := p.GetContext(context.Background(), "watcher", nil, 1000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, chunks[2].ID, got[0].ChunkID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9, "best lexical hit scores 1")
	assert.Equal(t, []string{"symbol"}, got[0].Sources)
}

func TestFullText(t *testing.T) {
	store, _, chunks := indexCorpus(t)
	ctx := context.Background()

	ft, err := NewFullText("", store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ft.Close() })

	require.NoError(t, ft.ApplyChange(ctx, changeFor(chunks[0])))
	require.NoError(t, ft.ApplyChange(ctx, changeFor(chunks[1], chunks[2])))
	n, err := ft.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	t.Run("search", func(t *testing.T) {
		got, err := ft.GetContext(ctx, "rebuild lock", nil, 1000)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, chunks[0].ID, got[0].ChunkID)
		assert.InDelta(t, 1.0, got[0].Score, 1e-9)
		assert.Equal(t, []string{"fulltext"}, got[0].Sources)
	})

	t.Run("scope", func(t *testing.T) {
		got, err := ft.GetContext(ctx, "rebuild lock", &storage.SearchFilters{Languages: []string{"text"}}, 1000)
		require.NoError(t, err)
		for _, sn := range got {
			assert.Equal(t, "text", sn.Language)
		}
	})

	t.Run("removed chunks disappear", func(t *testing.T) {
		require.NoError(t, ft.ApplyChange(ctx, storage.ArtifactChange{Path: chunks[0].FilePath, Removed: []int64{chunks[0].ID}}))
		got, err := ft.GetContext(ctx, "rebuild lock", nil, 1000)
		require.NoError(t, err)
		for _, sn := range got {
			assert.NotEqual(t, chunks[0].ID, sn.ChunkID)
		}
	})

	t.Run("reset empties the index", func(t *testing.T) {
		require.NoError(t, ft.Reset(ctx))
		n, err := ft.DocCount()
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestFullText_WarmAndPersist(t *testing.T) {
	store, _, chunks := indexCorpus(t)
	ctx := context.Background()
	path := t.TempDir() + "/fulltext.bleve"

	ft, err := NewFullText(path, store, nil)
	require.NoError(t, err)
	require.NoError(t, ft.Warm(ctx))
	n, err := ft.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(chunks)), n)
	require.NoError(t, ft.Close())

	reopened, err := NewFullText(path, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	n, err = reopened.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(chunks)), n)

	got, err := reopened.GetContext(ctx, "yaml documents", nil, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, chunks[1].ID, got[0].ChunkID)
}

func TestANN(t *testing.T) {
	store, batcher, chunks := indexCorpus(t)
	ctx := context.Background()

	ann := NewANN(store, batcher, nil)
	require.NoError(t, ann.Warm(ctx))
	assert.Equal(t, len(chunks), ann.Len())

	got, err := ann.GetContext(ctx, corpus[2], nil, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, chunks[2].ID, got[0].ChunkID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-4)
	assert.Equal(t, []string{"ann"}, got[0].Sources)

	require.NoError(t, ann.ApplyChange(ctx, storage.ArtifactChange{Removed: []int64{chunks[2].ID}}))
	assert.Equal(t, len(chunks)-1, ann.Len())
	got, err = ann.GetContext(ctx, corpus[2], nil, 1000)
	require.NoError(t, err)
	for _, sn := range got {
		assert.NotEqual(t, chunks[2].ID, sn.ChunkID)
	}

	require.NoError(t, ann.Reset(ctx))
	assert.Zero(t, ann.Len())
	got, err = ann.GetContext(ctx, corpus[2], nil, 1000)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestANN_CompactsOrphans(t *testing.T) {
	ann := NewANN(nil, nil, nil)
	ctx := context.Background()

	vectors := make(map[int64][]float32, 40)
	for i := int64(1); i <= 40; i++ {
		vec := make([]float32, testDim)
		vec[i%testDim] = 1
		vec[(i*7)%testDim] += float32(i) / 40
		vectors[i] = vec
	}
	require.NoError(t, ann.ApplyChange(ctx, storage.ArtifactChange{Vectors: vectors}))
	require.Equal(t, 40, ann.Len())

	// a few orphans are tolerated
	require.NoError(t, ann.ApplyChange(ctx, storage.ArtifactChange{Removed: []int64{1, 2, 3}}))
	assert.Equal(t, 37, ann.Len())
	assert.Equal(t, 3, ann.Orphans())

	removed := make([]int64, 0, 32)
	for i := int64(4); i <= 35; i++ {
		removed = append(removed, i)
	}
	require.NoError(t, ann.ApplyChange(ctx, storage.ArtifactChange{Removed: removed}))
	assert.Equal(t, 5, ann.Len())
	assert.Zero(t, ann.Orphans())

	hits := ann.search(normalized(vectors[38]), 1)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(38), hits[0].chunkID)
}

func TestScopeMatcher(t *testing.T) {
	chunk := func(path, lang string, kind types.ChunkKind) *storage.Chunk {
		return &storage.Chunk{FilePath: path, Language: lang, Kind: kind}
	}
	tests := []struct {
		name  string
		scope *storage.SearchFilters
		chunk *storage.Chunk
		want  bool
	}{
		{"nil scope", nil, chunk("a.go", "go", types.KindFunction), true},
		{"prefix match", &storage.SearchFilters{PathPrefixes: []string{"internal/"}}, chunk("internal/x.go", "go", types.KindFunction), true},
		{"prefix is segment based", &storage.SearchFilters{PathPrefixes: []string{"internal"}}, chunk("internals/x.go", "go", types.KindFunction), false},
		{"root prefix matches all", &storage.SearchFilters{PathPrefixes: []string{"docs", "."}}, chunk("x.go", "go", types.KindFunction), true},
		{"language", &storage.SearchFilters{Languages: []string{"python"}}, chunk("a.go", "go", types.KindFunction), false},
		{"kind", &storage.SearchFilters{Kinds: []string{"markdown-section"}}, chunk("a.md", "markdown", types.KindMarkdownSection), true},
		{"glob star crosses slashes", &storage.SearchFilters{ExcludeGlobs: []string{"*_test.go"}}, chunk("a/b/c_test.go", "go", types.KindFunction), false},
		{"glob class", &storage.SearchFilters{ExcludeGlobs: []string{"v[0-9]/*"}}, chunk("v2/a.go", "go", types.KindFunction), false},
		{"glob no match", &storage.SearchFilters{ExcludeGlobs: []string{"*.md"}}, chunk("a.go", "go", types.KindFunction), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newScopeMatcher(tt.scope).match(tt.chunk))
		})
	}
}

func TestRelativeScores(t *testing.T) {
	hits := []scoredID{{chunkID: 1, score: 0.002}, {chunkID: 2, score: 0.004}, {chunkID: 3, score: 0.001}}
	relativeScores(hits)
	assert.InDelta(t, 0.5, hits[0].score, 1e-9)
	assert.InDelta(t, 1.0, hits[1].score, 1e-9, "best hit is pinned to 1 however weak")
	assert.InDelta(t, 0.25, hits[2].score, 1e-9)

	zero := []scoredID{{chunkID: 1}, {chunkID: 2}}
	relativeScores(zero)
	assert.Zero(t, zero[0].score)
	assert.Zero(t, zero[1].score)
}

func TestCandidateLimit(t *testing.T) {
	assert.Equal(t, minCandidates, CandidateLimit(0))
	assert.Equal(t, 62, CandidateLimit(4000))
	assert.Equal(t, maxCandidates, CandidateLimit(1<<20))
}
