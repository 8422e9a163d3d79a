package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncFileArtifacts_RoundTrip(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	in := testArtifacts("pkg/a.go", 3, 4)
	res, err := storage.SyncFileArtifacts(ctx, in)
	require.NoError(t, err)
	assert.Greater(t, res.FileID, int64(0))
	assert.Len(t, res.ChunkIDs, 3)
	assert.Empty(t, res.ReplacedChunkIDs)

	out, err := storage.LoadFileArtifacts(ctx, "pkg/a.go")
	require.NoError(t, err)
	assert.Equal(t, in.File.ContentHash, out.File.ContentHash)
	require.Len(t, out.Chunks, 3)
	for i := range in.Chunks {
		assert.Equal(t, in.Chunks[i].Content, out.Chunks[i].Content)
		assert.Equal(t, in.Chunks[i].ContentHash, out.Chunks[i].ContentHash)
		assert.Equal(t, in.Chunks[i].StartLine, out.Chunks[i].StartLine)
	}
	require.Len(t, out.Embeddings, 3)
	assert.Equal(t, in.Embeddings[1], out.Embeddings[1])
	assert.Equal(t, "local", out.Provider)
	assert.Equal(t, "test", out.Model)
}

func TestSyncFileArtifacts_Idempotent(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	first, err := storage.SyncFileArtifacts(ctx, testArtifacts("a.go", 2, 4))
	require.NoError(t, err)
	second, err := storage.SyncFileArtifacts(ctx, testArtifacts("a.go", 2, 4))
	require.NoError(t, err)

	assert.Equal(t, first.FileID, second.FileID)
	assert.Equal(t, first.ChunkIDs, second.ReplacedChunkIDs)

	status, err := storage.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.FilesCount)
	assert.Equal(t, 2, status.ChunksCount)
	assert.Equal(t, 2, status.EmbeddingsCount)
}

func TestSyncFileArtifacts_ShrinksChunks(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	_, err := storage.SyncFileArtifacts(ctx, testArtifacts("a.go", 4, 4))
	require.NoError(t, err)
	_, err = storage.SyncFileArtifacts(ctx, testArtifacts("a.go", 1, 4))
	require.NoError(t, err)

	out, err := storage.LoadFileArtifacts(ctx, "a.go")
	require.NoError(t, err)
	assert.Len(t, out.Chunks, 1)

	// stale FTS rows must be gone too
	results, err := storage.SearchText(ctx, "f3", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSyncFileArtifacts_DimensionMismatchKeepsPrevious(t *testing.T) {
	storage := setupTestDB(t, WithDimension(4))
	ctx := context.Background()

	_, err := storage.SyncFileArtifacts(ctx, testArtifacts("a.go", 2, 4))
	require.NoError(t, err)

	_, err = storage.SyncFileArtifacts(ctx, testArtifacts("a.go", 3, 8))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	out, err := storage.LoadFileArtifacts(ctx, "a.go")
	require.NoError(t, err)
	assert.Len(t, out.Chunks, 2)
	assert.Len(t, out.Embeddings[0], 4)
}

func TestSyncFileArtifacts_MisalignedEmbeddings(t *testing.T) {
	storage := setupTestDB(t)

	a := testArtifacts("a.go", 2, 4)
	a.Embeddings = a.Embeddings[:1]
	_, err := storage.SyncFileArtifacts(context.Background(), a)
	assert.Error(t, err)
}

func TestSyncFileArtifacts_PartialEmbeddings(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	a := testArtifacts("a.go", 2, 4)
	a.Embeddings[1] = nil
	_, err := storage.SyncFileArtifacts(ctx, a)
	require.NoError(t, err)

	out, err := storage.LoadFileArtifacts(ctx, "a.go")
	require.NoError(t, err)
	require.Len(t, out.Embeddings, 2)
	assert.NotNil(t, out.Embeddings[0])
	assert.Nil(t, out.Embeddings[1])
}

func TestSyncFileArtifacts_Links(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	_, err := storage.SyncFileArtifacts(ctx, testArtifacts("docs/b.md", 2, 0))
	require.NoError(t, err)

	a := testArtifacts("docs/a.md", 1, 0)
	a.Links = []LinkRef{
		{SourceOrdinal: 0, TargetPath: "docs/b.md", TargetOrdinal: -1, Label: "B"},
		{SourceOrdinal: 0, TargetPath: "docs/b.md", TargetOrdinal: 1, Label: "B section"},
		{SourceOrdinal: 0, TargetPath: "docs/missing.md", TargetOrdinal: -1, Label: "gone"},
	}
	res, err := storage.SyncFileArtifacts(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, res.LinksWritten)

	links, err := storage.ListLinksByFile(ctx, res.FileID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Nil(t, links[0].TargetChunkID)
	require.NotNil(t, links[1].TargetChunkID)
	assert.Equal(t, LinkTypeReference, links[0].Type)

	out, err := storage.LoadFileArtifacts(ctx, "docs/a.md")
	require.NoError(t, err)
	require.Len(t, out.Links, 2)
	assert.Equal(t, -1, out.Links[0].TargetOrdinal)
	assert.Equal(t, 1, out.Links[1].TargetOrdinal)

	// deleting the target drops inbound links
	_, err = storage.MarkFileDeleted(ctx, "docs/b.md")
	require.NoError(t, err)
	links, err = storage.ListLinksByFile(ctx, res.FileID)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestMarkFileDeleted(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	res, err := storage.SyncFileArtifacts(ctx, testArtifacts("a.go", 2, 4))
	require.NoError(t, err)

	removed, err := storage.MarkFileDeleted(ctx, "a.go")
	require.NoError(t, err)
	assert.ElementsMatch(t, res.ChunkIDs, removed)

	_, err = storage.GetFile(ctx, "a.go")
	assert.ErrorIs(t, err, ErrNotFound)

	// the row survives as a tombstone
	file, err := storage.GetFileByID(ctx, res.FileID)
	require.NoError(t, err)
	assert.True(t, file.Deleted)

	files, err := storage.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = storage.MarkFileDeleted(ctx, "a.go")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncFileArtifacts_RevivesDeleted(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	first, err := storage.SyncFileArtifacts(ctx, testArtifacts("a.go", 1, 0))
	require.NoError(t, err)
	_, err = storage.MarkFileDeleted(ctx, "a.go")
	require.NoError(t, err)

	again, err := storage.SyncFileArtifacts(ctx, testArtifacts("a.go", 2, 0))
	require.NoError(t, err)
	assert.Equal(t, first.FileID, again.FileID)
	assert.Empty(t, again.ReplacedChunkIDs)

	file, err := storage.GetFile(ctx, "a.go")
	require.NoError(t, err)
	assert.False(t, file.Deleted)
}
