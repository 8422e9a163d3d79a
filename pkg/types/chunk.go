package types

import (
	"crypto/sha256"

	"github.com/Laisky/errors/v2"
)

// ChunkKind tags what a chunk represents. Each chunker family emits a fixed
// subset; KindParagraph is the generic fallback.
type ChunkKind string

// Code family
const (
	KindHeader      ChunkKind = "header"
	KindFunction    ChunkKind = "function"
	KindMethod      ChunkKind = "method"
	KindConstructor ChunkKind = "constructor"
	KindClass       ChunkKind = "class"
	KindInterface   ChunkKind = "interface"
	KindEnum        ChunkKind = "enum"
	KindDocstring   ChunkKind = "docstring"
	KindBlock       ChunkKind = "block"
)

// Markdown family (also uses KindHeader for front-matter)
const (
	KindMarkdownSection ChunkKind = "markdown-section"
	KindCodeFence       ChunkKind = "code-fence"
)

// Structured config family
const (
	KindJSONBlock ChunkKind = "json-block"
	KindYAMLBlock ChunkKind = "yaml-block"
	KindSQLBlock  ChunkKind = "sql-block"
)

// KindParagraph is emitted by the plain text splitter.
const KindParagraph ChunkKind = "paragraph"

var knownKinds = map[ChunkKind]struct{}{
	KindHeader: {}, KindFunction: {}, KindMethod: {}, KindConstructor: {},
	KindClass: {}, KindInterface: {}, KindEnum: {}, KindDocstring: {},
	KindBlock: {}, KindMarkdownSection: {}, KindCodeFence: {},
	KindJSONBlock: {}, KindYAMLBlock: {}, KindSQLBlock: {}, KindParagraph: {},
}

// Valid reports whether k belongs to the known kind set.
func (k ChunkKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// ContentKind is the structural class of a file.
type ContentKind string

const (
	ContentSource ContentKind = "source"
	ContentDoc    ContentKind = "doc"
	ContentConfig ContentKind = "config"
)

// Chunk is a chunker's output before it is bound to a stored file.
type Chunk struct {
	Ordinal    int
	Kind       ChunkKind
	StartLine  int // 1-based, inclusive
	EndLine    int // 1-based, inclusive
	TokenCount int
	Content    string
	Summary    string
}

// ContentHash returns the SHA-256 of the chunk text.
func (c *Chunk) ContentHash() [32]byte {
	return sha256.Sum256([]byte(c.Content))
}

// Validate checks span and kind.
func (c *Chunk) Validate() error {
	if c.Content == "" {
		return errors.New("chunk content cannot be empty")
	}
	if c.StartLine <= 0 || c.EndLine <= 0 {
		return errors.New("line numbers must be positive")
	}
	if c.StartLine > c.EndLine {
		return errors.New("start line must be before or equal to end line")
	}
	if !c.Kind.Valid() {
		return errors.New("invalid chunk kind")
	}
	return nil
}
