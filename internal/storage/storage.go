package storage

import (
	"context"
	"time"

	"github.com/dshills/ctxengine/pkg/types"
)

// Storage defines the interface for persisting and querying indexed artifacts
type Storage interface {
	// Artifact operations. Each call is one transaction.
	SyncFileArtifacts(ctx context.Context, artifacts *FileArtifacts) (*SyncResult, error)
	LoadFileArtifacts(ctx context.Context, relPath string) (*FileArtifacts, error)
	MarkFileDeleted(ctx context.Context, relPath string) ([]int64, error)
	TouchFile(ctx context.Context, relPath string, sizeBytes, modTimeNs int64) error

	// File operations
	GetFile(ctx context.Context, relPath string) (*File, error)
	GetFileByID(ctx context.Context, fileID int64) (*File, error)
	ListFiles(ctx context.Context) ([]*File, error)

	// Chunk operations
	GetChunk(ctx context.Context, chunkID int64) (*Chunk, error)
	GetChunks(ctx context.Context, chunkIDs []int64) ([]*Chunk, error)
	ListChunksByFile(ctx context.Context, fileID int64) ([]*Chunk, error)
	GetNeighborChunks(ctx context.Context, fileID int64, ordinal, window int) ([]*Chunk, error)
	ListLinksByFile(ctx context.Context, fileID int64) ([]*Link, error)

	// Embedding operations
	GetEmbeddings(ctx context.Context, chunkIDs []int64) (map[int64][]float32, error)
	ListIndexedChunks(ctx context.Context, fn func(c *Chunk, vector []float32) error) error

	// Search operations
	SearchVector(ctx context.Context, vector []float32, limit int, filters *SearchFilters) ([]VectorResult, error)
	SearchText(ctx context.Context, query string, limit int, filters *SearchFilters) ([]TextResult, error)
	SearchSymbols(ctx context.Context, query string, limit int, filters *SearchFilters) ([]TextResult, error)

	// Maintenance operations
	ResetAll(ctx context.Context) error
	Optimize(ctx context.Context) error
	Ping(ctx context.Context) error
	GetStatus(ctx context.Context) (*Status, error)

	Close() error
}

// File is the catalog entry for one tracked file
type File struct {
	ID            int64
	RelPath       string // Relative to project root, slash separated
	AbsPath       string
	ContentHash   [32]byte
	SizeBytes     int64
	ModTimeNs     int64
	Language      string
	Kind          types.ContentKind
	DedupHash     string
	LastIndexedAt time.Time
	Deleted       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Chunk is a persisted chunk. FilePath and Language are filled on reads.
type Chunk struct {
	ID          int64
	FileID      int64
	Ordinal     int
	Kind        types.ChunkKind
	StartLine   int
	EndLine     int
	TokenCount  int
	Content     string
	Summary     string
	ContentHash [32]byte
	CreatedAt   time.Time

	FilePath string
	Language string
}

// Link is a resolved reference from a chunk to another file.
type Link struct {
	ID            int64
	SourceChunkID int64
	TargetFileID  int64
	TargetChunkID *int64
	Type          string
	Label         string
	Score         *float64
	CreatedAt     time.Time
}

// LinkTypeReference tags links extracted from relative Markdown links.
const LinkTypeReference = "reference"

// LinkRef is an unresolved link expressed by ordinals and paths so it can be
// built before any row ids exist.
type LinkRef struct {
	SourceOrdinal int
	TargetPath    string
	// TargetOrdinal is -1 when the link points at the file as a whole.
	TargetOrdinal int
	Label         string
}

// FileArtifacts is everything derived from one file. Embeddings is aligned
// with Chunks; a nil entry means the chunk has no vector.
type FileArtifacts struct {
	File       File
	Chunks     []Chunk
	Embeddings [][]float32
	Links      []LinkRef
	Provider   string
	Model      string
}

// SyncResult reports the ids written and replaced by SyncFileArtifacts.
type SyncResult struct {
	FileID           int64
	ChunkIDs         []int64
	ReplacedChunkIDs []int64
	LinksWritten     int
}

// ArtifactChange describes one file's effect on secondary indexes.
type ArtifactChange struct {
	Path    string
	Chunks  []*Chunk
	Vectors map[int64][]float32
	// Removed lists chunk ids no longer present.
	Removed []int64
}

// SearchFilters contains filters for narrowing search results
type SearchFilters struct {
	PathPrefixes []string // Relative path prefixes, empty means all
	Languages    []string
	Kinds        []string
	ExcludeGlobs []string // SQLite GLOB patterns over the relative path
}

// VectorResult represents a result from vector similarity search
type VectorResult struct {
	ChunkID         int64
	SimilarityScore float64
}

// TextResult represents a result from full-text search. Score is positive,
// higher is better.
type TextResult struct {
	ChunkID int64
	Score   float64
}

// Status contains statistics about the index
type Status struct {
	SchemaVersion   string
	FilesCount      int
	DeletedFiles    int
	ChunksCount     int
	EmbeddingsCount int
	LinksCount      int
	IndexSizeMB     float64
	LastIndexedAt   time.Time
	BuildMode       string
	Health          HealthStatus
}

// HealthStatus represents the health of the index
type HealthStatus struct {
	DatabaseAccessible  bool
	EmbeddingsAvailable bool
	FTSIndexesBuilt     bool
}

// ToSnippet converts a stored chunk into a retrieval candidate.
func (c *Chunk) ToSnippet(score float64, source string) types.Snippet {
	return types.Snippet{
		ChunkID:   c.ID,
		FileID:    c.FileID,
		Path:      c.FilePath,
		Language:  c.Language,
		Kind:      c.Kind,
		Ordinal:   c.Ordinal,
		StartLine: c.StartLine,
		EndLine:   c.EndLine,
		Text:      c.Content,
		Summary:   c.Summary,
		Tokens:    c.TokenCount,
		Score:     score,
		Sources:   []string{source},
	}
}

// FromTypesChunk binds a chunker output to a file.
func FromTypesChunk(c types.Chunk) Chunk {
	return Chunk{
		Ordinal:     c.Ordinal,
		Kind:        c.Kind,
		StartLine:   c.StartLine,
		EndLine:     c.EndLine,
		TokenCount:  c.TokenCount,
		Content:     c.Content,
		Summary:     c.Summary,
		ContentHash: c.ContentHash(),
	}
}
