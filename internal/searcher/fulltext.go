package searcher

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/dshills/ctxengine/internal/config"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

// warmBatchSize bounds documents per bleve batch while warming.
const warmBatchSize = 500

// summaryBoost weights summary matches over body matches.
const summaryBoost = 2.0

// ftDocument is the bleve document for one chunk. The id is the chunk id.
type ftDocument struct {
	Content  string `json:"content"`
	Summary  string `json:"summary"`
	Path     string `json:"path"`
	Language string `json:"language"`
	Kind     string `json:"kind"`
}

// FullText is a bleve index over chunk text. It is both a Provider and an
// indexer sink: the indexer pushes every file change into it.
type FullText struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string // empty for an in-memory index
	store  storage.Storage
	logger *zap.Logger
	closed bool
}

// NewFullText opens or creates the index at path. An empty path keeps the
// index in memory.
func NewFullText(path string, store storage.Storage, logger *zap.Logger) (*FullText, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx, err := openBleve(path)
	if err != nil {
		return nil, err
	}
	return &FullText{index: idx, path: path, store: store, logger: logger.Named("fulltext")}, nil
}

func newMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()

	keyword := bleve.NewKeywordFieldMapping()
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("summary", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("path", keyword)
	doc.AddFieldMappingsAt("language", keyword)
	doc.AddFieldMappingsAt("kind", keyword)
	m.DefaultMapping = doc
	return m
}

func openBleve(path string) (bleve.Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(newMapping())
		if err != nil {
			return nil, errors.Wrap(err, "create in-memory full-text index")
		}
		return idx, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create full-text index directory")
	}
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, newMapping())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open full-text index %s", path)
	}
	return idx, nil
}

// ID implements Provider.
func (f *FullText) ID() string { return config.ProviderFullText }

// GetContext implements Provider.
func (f *FullText) GetContext(ctx context.Context, query string, scope *storage.SearchFilters, budget int) ([]types.Snippet, error) {
	if strings.TrimSpace(query) == "" {
		return []types.Snippet{}, nil
	}
	limit := CandidateLimit(budget)
	matcher := newScopeMatcher(scope)
	size := limit
	if !matcher.empty() {
		// scope is applied after the search
		size = limit * 4
	}

	content := bleve.NewMatchQuery(query)
	content.SetField("content")
	summary := bleve.NewMatchQuery(query)
	summary.SetField("summary")
	summary.SetBoost(summaryBoost)
	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(content, summary))
	req.Size = size

	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return nil, errors.New("full-text index is closed")
	}
	res, err := f.index.SearchInContext(ctx, req)
	f.mu.RUnlock()
	if err != nil {
		return nil, errors.Wrap(err, "full-text search")
	}

	hits := make([]scoredID, 0, len(res.Hits))
	for _, h := range res.Hits {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, scoredID{chunkID: id, score: h.Score})
	}
	relativeScores(hits)
	return hydrate(ctx, f.store, hits, matcher, f.ID(), limit)
}

// ApplyChange indexes a file's new chunks and drops its removed ones.
func (f *FullText) ApplyChange(ctx context.Context, change storage.ArtifactChange) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return errors.New("full-text index is closed")
	}

	batch := f.index.NewBatch()
	for _, id := range change.Removed {
		batch.Delete(docID(id))
	}
	for _, c := range change.Chunks {
		if err := batch.Index(docID(c.ID), toDocument(c)); err != nil {
			return errors.Wrapf(err, "index chunk %d", c.ID)
		}
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := f.index.Batch(batch); err != nil {
		return errors.Wrapf(err, "update full-text index for %s", change.Path)
	}
	return nil
}

// Reset discards every document.
func (f *FullText) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("full-text index is closed")
	}
	if err := f.index.Close(); err != nil {
		f.logger.Warn("close full-text index", zap.Error(err))
	}
	if f.path != "" {
		if err := os.RemoveAll(f.path); err != nil {
			return errors.Wrap(err, "remove full-text index")
		}
	}
	idx, err := openBleve(f.path)
	if err != nil {
		f.closed = true
		return err
	}
	f.index = idx
	return nil
}

// Warm rebuilds the index from the store when its document count differs
// from the number of stored chunks.
func (f *FullText) Warm(ctx context.Context) error {
	status, err := f.store.GetStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "read index status")
	}
	count, err := f.DocCount()
	if err != nil {
		return err
	}
	if count == uint64(status.ChunksCount) {
		f.logger.Debug("full-text index current", zap.Uint64("docs", count))
		return nil
	}

	f.logger.Info("rebuilding full-text index",
		zap.Uint64("docs", count), zap.Int("chunks", status.ChunksCount))
	if err := f.Reset(ctx); err != nil {
		return err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	batch := f.index.NewBatch()
	err = f.store.ListIndexedChunks(ctx, func(c *storage.Chunk, _ []float32) error {
		if err := batch.Index(docID(c.ID), toDocument(c)); err != nil {
			return err
		}
		if batch.Size() >= warmBatchSize {
			if err := f.index.Batch(batch); err != nil {
				return err
			}
			batch.Reset()
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "warm full-text index")
	}
	if batch.Size() > 0 {
		if err := f.index.Batch(batch); err != nil {
			return errors.Wrap(err, "warm full-text index")
		}
	}
	return nil
}

// DocCount returns the number of indexed chunks.
func (f *FullText) DocCount() (uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0, errors.New("full-text index is closed")
	}
	n, err := f.index.DocCount()
	if err != nil {
		return 0, errors.Wrap(err, "count full-text documents")
	}
	return n, nil
}

// Close releases the index.
func (f *FullText) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.index.Close()
}

func docID(chunkID int64) string {
	return strconv.FormatInt(chunkID, 10)
}

func toDocument(c *storage.Chunk) ftDocument {
	return ftDocument{
		Content:  c.Content,
		Summary:  c.Summary,
		Path:     c.FilePath,
		Language: c.Language,
		Kind:     string(c.Kind),
	}
}
