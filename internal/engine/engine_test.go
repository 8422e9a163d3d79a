package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctxengine/internal/config"
	"github.com/dshills/ctxengine/internal/jobs"
	"github.com/dshills/ctxengine/internal/searcher"
	"github.com/dshills/ctxengine/pkg/types"
)

var projectFiles = map[string]string{
	"README.md": "# Engine\n\nIndexes a project for retrieval.\n\n## Watching\n\nThe watcher debounces file system events into batches.\n",
	"internal/lock/lock.go": `package lock

// TryAcquire takes the rebuild lock without blocking.
func TryAcquire() bool {
	return true
}
`,
	"docs/notes.txt": "Rebuilds reset every index before re-reading the tree.\n",
}

func newTestEngine(t *testing.T, edit func(*config.Config)) *Engine {
	t.Helper()
	root := t.TempDir()
	for rel, content := range projectFiles {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}

	cfg, err := config.Load(root, "")
	require.NoError(t, err)
	cfg.Embedding.Dimension = 32
	cfg.Indexing.Parallelism = 2
	ann := cfg.Retrieval.Providers[config.ProviderANN]
	ann.Enabled = true
	cfg.Retrieval.Providers[config.ProviderANN] = ann
	if edit != nil {
		edit(cfg)
	}

	e, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_RebuildAndQuery(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	res := e.Controller.Rebuild(ctx, jobs.RebuildRequest{Confirm: true})
	require.Nil(t, res.Error)
	assert.Equal(t, types.StatusCompleted, res.Status)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Files)
	assert.Positive(t, st.Chunks)
	assert.Equal(t, st.Chunks, st.Embeddings)
	assert.Equal(t, uint64(st.Chunks), st.FullTextDocs)
	assert.Equal(t, st.Chunks, st.ANNVectors)
	assert.ElementsMatch(t, []string{"vector", "symbol", "fulltext", "ann"}, st.Providers)
	assert.False(t, st.RebuildInProgress)
	assert.False(t, st.Watching)

	resp, err := e.Searcher.Query(ctx, searcher.QueryRequest{Text: "watcher debounces file system events"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, "README.md", resp.Hits[0].Path)
	assert.LessOrEqual(t, resp.Diagnostics.TokensUsed, resp.Diagnostics.TokenBudget)
	for _, h := range resp.Hits {
		assert.NotEmpty(t, h.Sources)
	}
}

func TestEngine_RefreshPicksUpEdits(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	res := e.Controller.Refresh(ctx, jobs.RefreshRequest{})
	require.Nil(t, res.Error)
	require.NotNil(t, res.Refresh)
	assert.Equal(t, 3, res.Refresh.New)

	abs := filepath.Join(e.Config.ProjectRoot, "docs", "extra.txt")
	require.NoError(t, os.WriteFile(abs, []byte("Quarantined chunks carry a zebra marker.\n"), 0o644))

	res = e.Controller.Refresh(ctx, jobs.RefreshRequest{Paths: []string{"docs"}})
	require.Nil(t, res.Error)
	assert.Equal(t, 1, res.Refresh.New)

	resp, err := e.Searcher.Query(ctx, searcher.QueryRequest{
		Text:      "zebra",
		Providers: []string{config.ProviderFullText},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, "docs/extra.txt", resp.Hits[0].Path)
}

func TestEngine_DiscoveryRootsRestrictIndexing(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Discovery.Roots = []string{"docs"}
	})
	ctx := context.Background()

	res := e.Controller.Rebuild(ctx, jobs.RebuildRequest{Confirm: true})
	require.Nil(t, res.Error)
	assert.Equal(t, types.StatusCompleted, res.Status)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Files)

	files, err := e.Store.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "docs/notes.txt", files[0].RelPath)

	resp, err := e.Searcher.Query(ctx, searcher.QueryRequest{
		Text:      "watcher debounces",
		Providers: []string{config.ProviderFullText},
	})
	require.NoError(t, err)
	for _, h := range resp.Hits {
		assert.Equal(t, "docs/notes.txt", h.Path)
	}
}

func TestEngine_ReopenWarmsProviders(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	require.Nil(t, e.Controller.Rebuild(ctx, jobs.RebuildRequest{Confirm: true}).Error)
	cfg := e.Config
	require.NoError(t, e.Close())

	reopened, err := New(ctx, cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	st, err := reopened.Status(ctx)
	require.NoError(t, err)
	assert.Positive(t, st.Chunks)
	assert.Equal(t, st.Chunks, st.ANNVectors)
	assert.Equal(t, uint64(st.Chunks), st.FullTextDocs)
}

func TestEngine_OnlyEnabledProviders(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		for id, p := range cfg.Retrieval.Providers {
			p.Enabled = id == config.ProviderSymbol
			cfg.Retrieval.Providers[id] = p
		}
	})

	_, err := e.Searcher.Query(context.Background(), searcher.QueryRequest{
		Text:      "lock",
		Providers: []string{config.ProviderVector},
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeValidation))

	st, err := e.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{config.ProviderSymbol}, st.Providers)
	assert.Zero(t, st.FullTextDocs)
	assert.Zero(t, st.ANNVectors)
}

func TestEngine_Watch(t *testing.T) {
	watch := true
	root := t.TempDir()
	cfg, err := config.Load(root, "")
	require.NoError(t, err)

	e, err := New(context.Background(), cfg, Options{Watch: &watch})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NotNil(t, e.Watcher)

	st, err := e.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Watching)
}
