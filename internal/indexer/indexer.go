package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/ctxengine/internal/changes"
	"github.com/dshills/ctxengine/internal/chunker"
	"github.com/dshills/ctxengine/internal/discovery"
	"github.com/dshills/ctxengine/internal/embedder"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

// ErrStoreUnavailable aborts a run when the store stops answering.
var ErrStoreUnavailable = errors.New("store unavailable")

// Stages a file passes through; failures are tagged with the stage.
const (
	StageRead  = "read"
	StageChunk = "chunk"
	StageEmbed = "embed"
	StageStore = "store"
)

// Sink is a secondary index kept in step with the store.
type Sink interface {
	// ApplyChange replaces a file's chunks in the index.
	ApplyChange(ctx context.Context, change storage.ArtifactChange) error
	// Reset empties the index.
	Reset(ctx context.Context) error
}

// Indexer coordinates the indexing pipeline: read -> chunk -> embed -> store
type Indexer struct {
	store    storage.Storage
	scanner  *discovery.Scanner
	detector *changes.Detector
	chunkers *chunker.Registry
	batcher  *embedder.Batcher
	logger   *zap.Logger

	parallelism    int
	errorRetention int

	sinksMu sync.RWMutex
	sinks   []Sink
}

// Config contains configuration for the indexer
type Config struct {
	// Parallelism is the worker count used when a request leaves it at 0
	// (default: runtime.NumCPU())
	Parallelism int
	// ErrorRetention bounds the per-file failures kept in results
	// (default: 100)
	ErrorRetention int
	Logger         *zap.Logger
}

// FileTask is one file to index. Hash is the content fingerprint when it
// is already known.
type FileTask struct {
	File    discovery.FileInfo
	Hash    [32]byte
	HasHash bool
}

// FileResult reports the outcome for one file.
type FileResult struct {
	Path     string
	Chunks   int
	Links    int
	Stage    string // stage of the failure, empty on success
	Err      error
	Duration time.Duration
}

// Success reports whether the file was indexed.
func (r FileResult) Success() bool {
	return r.Err == nil
}

// New creates a new Indexer instance
func New(store storage.Storage, scanner *discovery.Scanner, chunkers *chunker.Registry, batcher *embedder.Batcher, cfg Config) *Indexer {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	if cfg.ErrorRetention <= 0 {
		cfg.ErrorRetention = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Indexer{
		store:          store,
		scanner:        scanner,
		detector:       changes.NewDetector(store, cfg.Logger),
		chunkers:       chunkers,
		batcher:        batcher,
		logger:         cfg.Logger.Named("indexer"),
		parallelism:    cfg.Parallelism,
		errorRetention: cfg.ErrorRetention,
	}
}

// Scanner returns the scanner used for discovery.
func (idx *Indexer) Scanner() *discovery.Scanner { return idx.scanner }

// AddSink registers a secondary index.
func (idx *Indexer) AddSink(s Sink) {
	idx.sinksMu.Lock()
	defer idx.sinksMu.Unlock()
	idx.sinks = append(idx.sinks, s)
}

// ResetSinks empties every secondary index.
func (idx *Indexer) ResetSinks(ctx context.Context) error {
	idx.sinksMu.RLock()
	defer idx.sinksMu.RUnlock()
	for _, s := range idx.sinks {
		if err := s.Reset(ctx); err != nil {
			return errors.Wrap(err, "reset sink")
		}
	}
	return nil
}

// PurgeCache drops memoized embeddings.
func (idx *Indexer) PurgeCache() {
	idx.batcher.Purge()
}

func (idx *Indexer) notify(ctx context.Context, change storage.ArtifactChange) {
	idx.sinksMu.RLock()
	defer idx.sinksMu.RUnlock()
	for _, s := range idx.sinks {
		if err := s.ApplyChange(ctx, change); err != nil {
			idx.logger.Warn("sink update failed",
				zap.String("path", change.Path),
				zap.Error(err))
		}
	}
}

// resolveParallelism maps 0 to the default and rejects negatives.
func (idx *Indexer) resolveParallelism(p int) (int, error) {
	if p == 0 {
		return idx.parallelism, nil
	}
	if p < 1 {
		return 0, types.NewValidationError("parallelism must be >= 1, got %d", p)
	}
	return p, nil
}

// IndexFiles indexes tasks on a pool of parallelism workers. A failing file
// is recorded in its FileResult and the rest continue. onDone, when set, is
// called once per file from the worker goroutines. The returned error is
// non-nil only when the run itself could not continue.
func (idx *Indexer) IndexFiles(ctx context.Context, tasks []FileTask, parallelism int, onDone func(FileResult)) ([]FileResult, error) {
	if parallelism < 1 {
		return nil, types.NewValidationError("parallelism must be >= 1, got %d", parallelism)
	}

	results := make([]FileResult, len(tasks))
	started := make([]bool, len(tasks))
	semaphore := make(chan struct{}, parallelism)
	g, gctx := errgroup.WithContext(ctx)

dispatch:
	for i := range tasks {
		if gctx.Err() != nil {
			break
		}
		select {
		case <-gctx.Done():
			break dispatch
		case semaphore <- struct{}{}:
		}
		started[i] = true

		g.Go(func() error {
			defer func() { <-semaphore }()

			res := idx.indexFile(gctx, tasks[i])
			results[i] = res
			if onDone != nil {
				onDone(res)
			}
			if res.Err != nil {
				idx.logger.Warn("index file failed",
					zap.String("path", res.Path),
					zap.String("stage", res.Stage),
					zap.Error(res.Err))
				if res.Stage == StageStore {
					if pingErr := idx.store.Ping(gctx); pingErr != nil {
						return &types.Error{
							Code:      types.CodeStoreUnavailable,
							Message:   "indexing aborted",
							Retryable: true,
							Cause:     errors.Wrapf(ErrStoreUnavailable, "%v", pingErr),
						}
					}
				}
			}
			return nil
		})
	}

	err := g.Wait()
	for i := range tasks {
		if !started[i] {
			cause := err
			if cause == nil {
				cause = ctx.Err()
			}
			results[i] = FileResult{Path: tasks[i].File.RelPath, Stage: StageRead, Err: cause}
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	return results, err
}

// indexFile runs the whole pipeline for one file. Nothing is written unless
// every stage before the store succeeded.
func (idx *Indexer) indexFile(ctx context.Context, task FileTask) FileResult {
	start := time.Now()
	f := task.File
	res := FileResult{Path: f.RelPath}
	fail := func(stage string, err error) FileResult {
		res.Stage = stage
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	content, err := os.ReadFile(f.AbsPath)
	if err != nil {
		return fail(StageRead, errors.Wrap(err, "read file"))
	}
	hash := task.Hash
	if !task.HasHash {
		hash = sha256.Sum256(content)
	}

	chunks, err := idx.chunkers.Chunk(content, f.RelPath, f.Language)
	if err != nil {
		return fail(StageChunk, err)
	}

	var vectors [][]float32
	if len(chunks) > 0 {
		vectors, err = idx.batcher.EmbedChunks(ctx, f.RelPath, chunks)
		if err != nil {
			return fail(StageEmbed, err)
		}
	}

	var links []storage.LinkRef
	if f.Language == "markdown" {
		links = ExtractLinks(f.RelPath, content, chunks)
	}

	artifacts := &storage.FileArtifacts{
		File: storage.File{
			RelPath:     f.RelPath,
			AbsPath:     f.AbsPath,
			ContentHash: hash,
			SizeBytes:   f.Size,
			ModTimeNs:   f.ModTimeNs,
			Language:    f.Language,
			Kind:        f.Kind,
			DedupHash:   DedupHash(content),
		},
		Chunks:     make([]storage.Chunk, len(chunks)),
		Embeddings: vectors,
		Links:      links,
		Provider:   idx.batcher.Embedder().Provider(),
		Model:      idx.batcher.Embedder().Model(),
	}
	for i := range chunks {
		artifacts.Chunks[i] = storage.FromTypesChunk(chunks[i])
	}

	synced, err := idx.store.SyncFileArtifacts(ctx, artifacts)
	if err != nil {
		return fail(StageStore, err)
	}

	change := storage.ArtifactChange{
		Path:    f.RelPath,
		Chunks:  make([]*storage.Chunk, len(artifacts.Chunks)),
		Vectors: make(map[int64][]float32, len(vectors)),
		Removed: synced.ReplacedChunkIDs,
	}
	for i := range artifacts.Chunks {
		c := artifacts.Chunks[i]
		c.ID = synced.ChunkIDs[i]
		c.FileID = synced.FileID
		c.FilePath = f.RelPath
		c.Language = f.Language
		change.Chunks[i] = &c
		if i < len(vectors) && vectors[i] != nil {
			change.Vectors[c.ID] = vectors[i]
		}
	}
	idx.notify(ctx, change)

	res.Chunks = len(chunks)
	res.Links = synced.LinksWritten
	res.Duration = time.Since(start)
	return res
}

// retire soft-deletes a file and drops its chunks from the sinks.
func (idx *Indexer) retire(ctx context.Context, relPath string) error {
	removed, err := idx.store.MarkFileDeleted(ctx, relPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	idx.notify(ctx, storage.ArtifactChange{Path: relPath, Removed: removed})
	return nil
}

// resolvePaths maps user paths onto scan roots and root-relative scope
// prefixes. Empty paths means the whole project.
func (idx *Indexer) resolvePaths(paths []string) (roots, scope []string, err error) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		rel, err := idx.scanner.Resolve(p)
		if err != nil {
			return nil, nil, types.NewValidationError("%v", err)
		}
		if rel == "" {
			return nil, nil, nil
		}
		roots = append(roots, rel)
		scope = append(scope, rel)
	}
	return roots, scope, nil
}

// ValidatePaths rejects paths outside the project root.
func (idx *Indexer) ValidatePaths(paths []string) error {
	_, _, err := idx.resolvePaths(paths)
	return err
}

// Eligible returns the files a scan of paths would index.
func (idx *Indexer) Eligible(ctx context.Context, paths []string) ([]discovery.FileInfo, error) {
	roots, _, err := idx.resolvePaths(paths)
	if err != nil {
		return nil, err
	}
	scan, err := idx.scanner.Scan(ctx, roots)
	if err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	return scan.Files, nil
}

// DedupHash fingerprints content with whitespace runs collapsed, so files
// differing only in formatting share a value.
func DedupHash(content []byte) string {
	normalized := strings.Join(strings.Fields(string(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
