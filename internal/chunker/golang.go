package chunker

import (
	"github.com/Laisky/errors/v2"

	"github.com/dshills/ctxengine/internal/parser"
	"github.com/dshills/ctxengine/pkg/types"
)

// Go chunks Go source by top-level declaration using go/ast.
type Go struct {
	opts     Options
	parser   *parser.Parser
	fallback Chunker
}

// NewGo creates a Go chunker. Files with syntax errors go to fallback
// (usually the tree-sitter Go grammar) when it is set.
func NewGo(opts Options, fallback Chunker) *Go {
	return &Go{opts: opts.normalized(), parser: parser.New(), fallback: fallback}
}

// Name implements Chunker.
func (g *Go) Name() string { return "go" }

// Chunk implements Chunker.
func (g *Go) Chunk(content []byte, path string) ([]types.Chunk, error) {
	result, err := g.parser.Parse(path, content)
	if err == nil && result.HasErrors() {
		err = errors.Errorf("syntax error: %s", result.Errors[0].Error())
	}
	if err != nil {
		if g.fallback != nil {
			return g.fallback.Chunk(content, path)
		}
		return nil, err
	}

	segs := make([]segment, 0, len(result.Units))
	for i := range result.Units {
		u := &result.Units[i]
		segs = append(segs, segment{
			kind:    unitKind(u.Kind),
			summary: u.QualifiedName(),
			start:   u.StartLine,
			end:     u.EndLine,
		})
	}
	if len(segs) == 0 {
		return nil, errNoUnits
	}

	headerSummary := ""
	if result.PackageName != "" {
		headerSummary = "package " + result.PackageName
	}
	return assemble(newDocument(content), segs, layout{
		headerKind:    types.KindHeader,
		headerSummary: headerSummary,
		cpt:           CharsPerToken,
		overlap:       g.opts.OverlapPercent,
	}, g.opts)
}

func unitKind(k parser.UnitKind) types.ChunkKind {
	switch k {
	case parser.UnitFunction:
		return types.KindFunction
	case parser.UnitMethod:
		return types.KindMethod
	case parser.UnitInterface:
		return types.KindInterface
	case parser.UnitStruct, parser.UnitType:
		return types.KindClass
	default:
		return types.KindBlock
	}
}
