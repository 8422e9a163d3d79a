package chunker

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/dshills/ctxengine/pkg/types"
)

// configExts are chunked with the denser config token estimate when they
// fall back to text.
var configExts = map[string]bool{
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".ini": true, ".cfg": true, ".sql": true, ".xml": true,
}

// Registry maps file extensions and language names to chunkers.
type Registry struct {
	mu     sync.RWMutex
	byExt  map[string]Chunker // lower-cased extension with dot
	byLang map[string]Chunker

	text       Chunker
	configText Chunker
	opts       Options
	logger     *zap.Logger
}

// NewRegistry creates a registry with every bundled chunker registered.
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.normalized()
	r := &Registry{
		byExt:      make(map[string]Chunker),
		byLang:     make(map[string]Chunker),
		text:       NewText(opts, CharsPerToken),
		configText: NewText(opts, ConfigCharsPerToken),
		opts:       opts,
		logger:     logger.Named("chunker"),
	}

	for _, spec := range DefaultLanguageSpecs() {
		ts := NewTreeSitter(spec, opts)
		if spec.Name == "go" {
			r.Register(NewGo(opts, ts), []string{"go", "golang"}, spec.Extensions...)
			continue
		}
		r.Register(ts, []string{spec.Name}, spec.Extensions...)
	}
	r.Register(NewMarkdown(opts), []string{"markdown", "md"}, ".md", ".markdown", ".mdx")
	r.Register(NewJSON(opts), []string{"json"}, ".json")
	r.Register(NewYAML(opts), []string{"yaml", "yml"}, ".yaml", ".yml")
	r.Register(NewSQL(opts), []string{"sql"}, ".sql")
	r.Register(r.text, []string{"text", "plaintext"}, ".txt")
	return r
}

// Options returns the budget chunkers were built with.
func (r *Registry) Options() Options {
	return r.opts
}

// Register maps language names and extensions to c.
func (r *Registry) Register(c Chunker, languages []string, exts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lang := range languages {
		r.byLang[strings.ToLower(lang)] = c
	}
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.byExt[ext] = c
	}
}

// Lookup returns the chunker for a file. A declared language wins over the
// extension; unknown files get the text chunker.
func (r *Registry) Lookup(path, declaredLanguage string) Chunker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if declaredLanguage != "" {
		if c, ok := r.byLang[strings.ToLower(declaredLanguage)]; ok {
			return c
		}
	}
	ext := strings.ToLower(filepath.Ext(path))
	if c, ok := r.byExt[ext]; ok {
		return c
	}
	return r.fallbackFor(path)
}

func (r *Registry) fallbackFor(path string) Chunker {
	if configExts[strings.ToLower(filepath.Ext(path))] {
		return r.configText
	}
	return r.text
}

// Chunk splits content into ordered chunks. Structural chunkers that fail
// or find nothing to anchor on degrade to the text chunker. Blank content
// yields no chunks.
func (r *Registry) Chunk(content []byte, path, declaredLanguage string) ([]types.Chunk, error) {
	if strings.TrimSpace(string(content)) == "" {
		return []types.Chunk{}, nil
	}

	c := r.Lookup(path, declaredLanguage)
	chunks, err := c.Chunk(content, path)
	if err == nil {
		return chunks, nil
	}

	fallback := r.fallbackFor(path)
	if c == fallback {
		return nil, errors.Wrapf(err, "chunk %s", path)
	}
	if !errors.Is(err, errNoUnits) {
		r.logger.Debug("structural chunking failed, using text",
			zap.String("path", path),
			zap.String("chunker", c.Name()),
			zap.Error(err))
	}
	chunks, err = fallback.Chunk(content, path)
	if err != nil {
		return nil, errors.Wrapf(err, "chunk %s", path)
	}
	return chunks, nil
}
