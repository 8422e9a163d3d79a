package changes

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctxengine/internal/discovery"
	"github.com/dshills/ctxengine/internal/storage"
)

type fakeCatalog struct {
	files []*storage.File
	err   error
}

func (f *fakeCatalog) ListFiles(ctx context.Context) ([]*storage.File, error) {
	return f.files, f.err
}

func writeFile(t *testing.T, dir, rel, content string) discovery.FileInfo {
	t.Helper()
	abs := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return discovery.FileInfo{AbsPath: abs, RelPath: rel, Size: int64(len(content)), ModTimeNs: 100}
}

func cataloged(info discovery.FileInfo, content string) *storage.File {
	return &storage.File{
		RelPath:     info.RelPath,
		AbsPath:     info.AbsPath,
		ContentHash: sha256.Sum256([]byte(content)),
		SizeBytes:   info.Size,
		ModTimeNs:   info.ModTimeNs,
	}
}

func TestDetect_Partitions(t *testing.T) {
	dir := t.TempDir()

	same := writeFile(t, dir, "same.go", "package a")
	edited := writeFile(t, dir, "edited.go", "package b // edited")
	touched := writeFile(t, dir, "touched.go", "package c")
	added := writeFile(t, dir, "added.go", "package d")

	editedEntry := cataloged(edited, "package b")
	editedEntry.ModTimeNs = 50
	touchedEntry := cataloged(touched, "package c")
	touchedEntry.ModTimeNs = 50

	catalog := &fakeCatalog{files: []*storage.File{
		cataloged(same, "package a"),
		editedEntry,
		touchedEntry,
		{RelPath: "gone.go"},
	}}

	set, err := Detect(context.Background(), catalog,
		[]discovery.FileInfo{same, edited, touched, added}, nil)
	require.NoError(t, err)

	assert.Equal(t, []discovery.FileInfo{added}, set.New)
	assert.Equal(t, []discovery.FileInfo{edited}, set.Modified)
	assert.Equal(t, []discovery.FileInfo{same, touched}, set.Unchanged)
	assert.Equal(t, []discovery.FileInfo{touched}, set.Touched)
	assert.Equal(t, []string{"gone.go"}, set.Deleted)

	// cataloged files are always hashed, new ones are left to the indexer
	assert.Contains(t, set.Fingerprint, "edited.go")
	assert.Contains(t, set.Fingerprint, "touched.go")
	assert.Contains(t, set.Fingerprint, "same.go")
	assert.NotContains(t, set.Fingerprint, "added.go")
	assert.Equal(t, sha256.Sum256([]byte("package b // edited")), set.Fingerprint["edited.go"])

	n, m, d, u := set.Counts()
	assert.Equal(t, []int{1, 1, 1, 2}, []int{n, m, d, u})
	assert.Equal(t, []discovery.FileInfo{added, edited}, set.Pending())
}

func TestDetect_ModifiedIgnoresTimestamp(t *testing.T) {
	dir := t.TempDir()
	info := writeFile(t, dir, "a.go", "package new")

	// size and mtime both match the catalog, only the content moved
	entry := cataloged(info, "package old")
	require.Equal(t, info.Size, entry.SizeBytes)

	set, err := Detect(context.Background(), &fakeCatalog{files: []*storage.File{entry}},
		[]discovery.FileInfo{info}, nil)
	require.NoError(t, err)
	assert.Equal(t, []discovery.FileInfo{info}, set.Modified)
	assert.Empty(t, set.Unchanged)
	assert.Empty(t, set.Touched)
}

func TestDetect_SameSizeEditWithRestoredModTime(t *testing.T) {
	dir := t.TempDir()
	info := writeFile(t, dir, "b.md", "# alpha")
	mtime := time.Unix(1_700_000_000, 0)
	require.NoError(t, os.Chtimes(info.AbsPath, mtime, mtime))
	info.ModTimeNs = mtime.UnixNano()
	entry := cataloged(info, "# alpha")

	require.NoError(t, os.WriteFile(info.AbsPath, []byte("# omega"), 0o644))
	require.NoError(t, os.Chtimes(info.AbsPath, mtime, mtime))
	st, err := os.Stat(info.AbsPath)
	require.NoError(t, err)
	info.Size = st.Size()
	info.ModTimeNs = st.ModTime().UnixNano()

	set, err := Detect(context.Background(), &fakeCatalog{files: []*storage.File{entry}},
		[]discovery.FileInfo{info}, nil)
	require.NoError(t, err)
	assert.Equal(t, []discovery.FileInfo{info}, set.Modified)
	assert.Empty(t, set.Unchanged)
	assert.Equal(t, sha256.Sum256([]byte("# omega")), set.Fingerprint["b.md"])
}

func TestDetect_DeletedRespectsScope(t *testing.T) {
	catalog := &fakeCatalog{files: []*storage.File{
		{RelPath: "internal/a.go"},
		{RelPath: "cmd/main.go"},
		{RelPath: "internalx/b.go"},
	}}

	set, err := Detect(context.Background(), catalog, nil, []string{"internal"})
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/a.go"}, set.Deleted)

	set, err = Detect(context.Background(), catalog, nil, []string{"."})
	require.NoError(t, err)
	assert.Len(t, set.Deleted, 3)
}

func TestDetect_UnreadableIsModified(t *testing.T) {
	info := discovery.FileInfo{AbsPath: filepath.Join(t.TempDir(), "missing.go"), RelPath: "missing.go", Size: 10}
	entry := &storage.File{RelPath: "missing.go", SizeBytes: 5}

	set, err := Detect(context.Background(), &fakeCatalog{files: []*storage.File{entry}},
		[]discovery.FileInfo{info}, nil)
	require.NoError(t, err)
	assert.Len(t, set.Modified, 1)
	assert.NotContains(t, set.Fingerprint, "missing.go")
}

func TestDetect_CatalogError(t *testing.T) {
	_, err := Detect(context.Background(), &fakeCatalog{err: assert.AnError}, nil, nil)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestInScope(t *testing.T) {
	tests := []struct {
		path  string
		scope []string
		want  bool
	}{
		{"a/b.go", nil, true},
		{"a/b.go", []string{"a"}, true},
		{"a/b.go", []string{"a/"}, true},
		{"a/b.go", []string{"a/b.go"}, true},
		{"ab/c.go", []string{"a"}, false},
		{"a/b.go", []string{"c", ""}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InScope(tt.path, tt.scope), "%s in %v", tt.path, tt.scope)
	}
}
