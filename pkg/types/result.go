package types

// Snippet is a retrieval candidate returned by a context provider and, after
// the pipeline, a ranked hit.
type Snippet struct {
	ChunkID   int64
	FileID    int64
	Path      string // Relative to project root
	Language  string
	Kind      ChunkKind
	Ordinal   int
	StartLine int
	EndLine   int
	Text      string
	Summary   string
	Tokens    int

	// Score is normalized to [0, 1] and already weighted by provider.
	Score float64
	// Sources lists the provider ids that returned this chunk.
	Sources []string
	// Neighbors holds ordinals merged in by neighbor expansion.
	Neighbors []int `json:",omitempty"`
}

// Key identifies a snippet for deduplication.
func (s *Snippet) Key() SnippetKey {
	return SnippetKey{ChunkID: s.ChunkID, Path: s.Path}
}

// SnippetKey is the (chunk id, path) dedup key.
type SnippetKey struct {
	ChunkID int64
	Path    string
}

// Validate checks if the snippet is usable as a hit
func (s *Snippet) Validate() error {
	if s.ChunkID == 0 {
		return ErrInvalidChunkID
	}
	if s.Score < 0 || s.Score > 1 {
		return ErrInvalidRelevanceScore
	}
	if s.Path == "" {
		return ErrMissingFileInfo
	}
	if s.Text == "" {
		return ErrEmptyContent
	}
	return nil
}

// OperationStatus is the terminal status reported by index operations.
type OperationStatus string

const (
	StatusRunning             OperationStatus = "running"
	StatusCompleted           OperationStatus = "completed"
	StatusCompletedWithErrors OperationStatus = "completed_with_errors"
	StatusFailed              OperationStatus = "failed"
	// StatusError marks a request rejected during validation.
	StatusError OperationStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s OperationStatus) Terminal() bool {
	return s != StatusRunning
}
