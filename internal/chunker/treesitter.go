package chunker

import (
	"context"
	"sort"
	"sync"

	"github.com/Laisky/errors/v2"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/dshills/ctxengine/pkg/types"
)

// LanguageSpec defines the tree-sitter grammar and query for a language.
type LanguageSpec struct {
	Name     string
	Language *sitter.Language
	// Query is a tree-sitter S-expression query that captures definitions.
	// It must use @chunk for the outer node and @name for the identifier
	// (optional).
	Query      string
	Extensions []string
}

const jsQuery = `
	(function_declaration name: (identifier) @name) @chunk
	(generator_function_declaration name: (identifier) @name) @chunk
	(class_declaration name: (identifier) @name) @chunk
	(method_definition name: (property_identifier) @name) @chunk
	(export_statement (function_declaration name: (identifier) @name)) @chunk
	(export_statement (class_declaration name: (identifier) @name)) @chunk
	(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @chunk
`

const tsQuery = `
	(function_declaration name: (identifier) @name) @chunk
	(class_declaration name: (type_identifier) @name) @chunk
	(abstract_class_declaration name: (type_identifier) @name) @chunk
	(method_definition name: (property_identifier) @name) @chunk
	(export_statement (function_declaration name: (identifier) @name)) @chunk
	(export_statement (class_declaration name: (type_identifier) @name)) @chunk
	(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @chunk
	(interface_declaration name: (type_identifier) @name) @chunk
	(type_alias_declaration name: (type_identifier) @name) @chunk
	(enum_declaration name: (identifier) @name) @chunk
`

// DefaultLanguageSpecs returns the grammars bundled with the engine.
func DefaultLanguageSpecs() []*LanguageSpec {
	return []*LanguageSpec{
		{
			Name:     "go",
			Language: golang.GetLanguage(),
			Query: `
				(function_declaration name: (identifier) @name) @chunk
				(method_declaration name: (field_identifier) @name) @chunk
				(type_declaration (type_spec name: (type_identifier) @name)) @chunk
				(const_declaration) @chunk
				(var_declaration) @chunk
			`,
			Extensions: []string{".go"},
		},
		{
			Name:     "python",
			Language: python.GetLanguage(),
			Query: `
				(function_definition name: (identifier) @name) @chunk
				(class_definition name: (identifier) @name) @chunk
				(decorated_definition definition: (function_definition name: (identifier) @name)) @chunk
				(decorated_definition definition: (class_definition name: (identifier) @name)) @chunk
			`,
			Extensions: []string{".py", ".pyi"},
		},
		{
			Name:       "javascript",
			Language:   javascript.GetLanguage(),
			Query:      jsQuery,
			Extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
		},
		{
			Name:       "typescript",
			Language:   typescript.GetLanguage(),
			Query:      tsQuery,
			Extensions: []string{".ts", ".mts", ".cts"},
		},
		{
			Name:       "tsx",
			Language:   tsx.GetLanguage(),
			Query:      tsQuery,
			Extensions: []string{".tsx"},
		},
	}
}

// TreeSitter chunks source by the definitions its query captures.
type TreeSitter struct {
	spec *LanguageSpec
	opts Options

	once     sync.Once
	query    *sitter.Query
	queryErr error
}

// NewTreeSitter creates a chunker for one language. The query is compiled
// on first use and shared by all calls.
func NewTreeSitter(spec *LanguageSpec, opts Options) *TreeSitter {
	return &TreeSitter{spec: spec, opts: opts.normalized()}
}

// Name implements Chunker.
func (t *TreeSitter) Name() string { return "treesitter/" + t.spec.Name }

func (t *TreeSitter) compiled() (*sitter.Query, error) {
	t.once.Do(func() {
		t.query, t.queryErr = sitter.NewQuery([]byte(t.spec.Query), t.spec.Language)
		if t.queryErr != nil {
			t.queryErr = errors.Wrapf(t.queryErr, "compile query for %s", t.spec.Name)
		}
	})
	return t.query, t.queryErr
}

type capture struct {
	node      *sitter.Node
	name      string
	startByte uint32
	endByte   uint32
	children  []*capture
}

// Chunk implements Chunker.
func (t *TreeSitter) Chunk(content []byte, path string) ([]types.Chunk, error) {
	q, err := t.compiled()
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	parser.SetLanguage(t.spec.Language)
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	defer tree.Close()
	root := tree.RootNode()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, root)

	var caps []*capture
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		var c capture
		for _, cp := range m.Captures {
			switch q.CaptureNameForId(cp.Index) {
			case "chunk":
				c.node = cp.Node
				c.startByte, c.endByte = cp.Node.StartByte(), cp.Node.EndByte()
			case "name":
				c.name = cp.Node.Content(content)
			}
		}
		if c.node != nil {
			caps = append(caps, &c)
		}
	}

	var segs []segment
	if doc := moduleDocstring(root); doc != nil {
		start, end := nodeLines(doc)
		segs = append(segs, segment{kind: types.KindDocstring, summary: "module docstring", start: start, end: end})
	}

	d := newDocument(content)
	for _, outer := range nest(caps) {
		start, end := nodeLines(outer.node)
		if len(outer.children) > 0 && estimate(d.chars(start, minInt(end, d.len())), CharsPerToken) > t.opts.MaxTokens {
			// oversized containers are chunked by member
			for _, child := range outer.children {
				cs, ce := nodeLines(child.node)
				segs = append(segs, segment{
					kind:    nodeKind(child.node, child.name),
					summary: qualify(outer.name, child.name),
					start:   cs,
					end:     ce,
				})
			}
			continue
		}
		segs = append(segs, segment{kind: nodeKind(outer.node, outer.name), summary: outer.name, start: start, end: end})
	}
	if len(segs) == 0 {
		return nil, errNoUnits
	}

	return assemble(d, segs, layout{
		headerKind: types.KindHeader,
		cpt:        CharsPerToken,
		overlap:    t.opts.OverlapPercent,
	}, t.opts)
}

// nest collapses captures contained in another into the outermost one,
// keeping the first level of nesting as children.
func nest(caps []*capture) []*capture {
	sort.SliceStable(caps, func(i, j int) bool {
		if caps[i].startByte != caps[j].startByte {
			return caps[i].startByte < caps[j].startByte
		}
		return caps[i].endByte-caps[i].startByte > caps[j].endByte-caps[j].startByte
	})

	var outers []*capture
	for _, c := range caps {
		if len(outers) == 0 {
			outers = append(outers, c)
			continue
		}
		outer := outers[len(outers)-1]
		if c.startByte >= outer.endByte {
			outers = append(outers, c)
			continue
		}
		if c.startByte == outer.startByte && c.endByte == outer.endByte {
			continue
		}
		if n := len(outer.children); n > 0 && c.startByte < outer.children[n-1].endByte {
			continue
		}
		outer.children = append(outer.children, c)
	}
	return outers
}

// nodeLines returns the 1-based line span of a node. A node ending at
// column 0 ends on the previous line.
func nodeLines(n *sitter.Node) (int, int) {
	start := int(n.StartPoint().Row) + 1
	end := int(n.EndPoint().Row) + 1
	if n.EndPoint().Column == 0 && end > start {
		end--
	}
	return start, end
}

func nodeKind(n *sitter.Node, name string) types.ChunkKind {
	switch n.Type() {
	case "decorated_definition":
		if def := n.ChildByFieldName("definition"); def != nil {
			return nodeKind(def, name)
		}
	case "export_statement":
		if decl := n.ChildByFieldName("declaration"); decl != nil {
			return nodeKind(decl, name)
		}
	case "function_declaration", "function_definition", "generator_function_declaration", "lexical_declaration":
		return types.KindFunction
	case "method_declaration":
		return types.KindMethod
	case "method_definition":
		if name == "constructor" {
			return types.KindConstructor
		}
		return types.KindMethod
	case "class_declaration", "class_definition", "abstract_class_declaration", "type_alias_declaration":
		return types.KindClass
	case "interface_declaration":
		return types.KindInterface
	case "enum_declaration":
		return types.KindEnum
	case "type_declaration":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			spec := n.NamedChild(i)
			if spec.Type() != "type_spec" {
				continue
			}
			if typ := spec.ChildByFieldName("type"); typ != nil && typ.Type() == "interface_type" {
				return types.KindInterface
			}
			return types.KindClass
		}
		return types.KindClass
	}
	return types.KindBlock
}

// moduleDocstring returns the leading string statement of a Python module.
func moduleDocstring(root *sitter.Node) *sitter.Node {
	if root.Type() != "module" || root.NamedChildCount() == 0 {
		return nil
	}
	first := root.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return nil
	}
	if first.NamedChild(0).Type() != "string" {
		return nil
	}
	return first
}

func qualify(outer, inner string) string {
	switch {
	case outer == "":
		return inner
	case inner == "":
		return outer
	}
	return outer + "." + inner
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
