package parser

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"os"
	"strings"

	"github.com/Laisky/errors/v2"
)

// UnitKind represents the type of top-level Go declaration
type UnitKind string

const (
	UnitFunction  UnitKind = "function"
	UnitMethod    UnitKind = "method"
	UnitStruct    UnitKind = "struct"
	UnitInterface UnitKind = "interface"
	UnitType      UnitKind = "type"
	UnitConst     UnitKind = "const"
	UnitVar       UnitKind = "var"
)

// Unit is one top-level declaration with its line span.
type Unit struct {
	Name      string
	Kind      UnitKind
	Receiver  string // For methods: receiver type name
	Signature string
	Doc       string

	// StartLine includes the doc comment; both ends are 1-based and inclusive.
	StartLine int
	EndLine   int
}

// QualifiedName returns Receiver.Name for methods, Name otherwise.
func (u *Unit) QualifiedName() string {
	if u.Receiver != "" {
		return u.Receiver + "." + u.Name
	}
	return u.Name
}

// Import represents an import statement in a Go file
type Import struct {
	Path  string // Import path (e.g., "github.com/pkg/errors")
	Alias string // Import alias if present (e.g., ".")
}

// ParseError represents an error that occurred during parsing
type ParseError struct {
	Line    int
	Column  int
	Message string
}

func (pe *ParseError) Error() string {
	return pe.Message
}

// Result is the output of parsing one Go source file
type Result struct {
	PackageName string
	Imports     []Import
	Units       []Unit

	// HeaderEnd is the last line of the package clause and import block.
	HeaderEnd int

	Errors []ParseError
}

// HasErrors returns true if any parsing errors occurred
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *Result) addError(line, col int, msg string) {
	r.Errors = append(r.Errors, ParseError{Line: line, Column: col, Message: msg})
}

// Parser handles AST-based parsing of Go source files. It holds no state
// and is safe for concurrent use.
type Parser struct{}

// New creates a new Parser instance
func New() *Parser {
	return &Parser{}
}

// ParseFile reads and parses a Go source file
func (p *Parser) ParseFile(filePath string) (*Result, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}
	return p.Parse(filePath, content)
}

// Parse extracts top-level declarations from Go source. Syntax errors are
// recorded in the result and whatever partial AST exists is still walked.
func (p *Parser) Parse(filename string, content []byte) (*Result, error) {
	result := &Result{}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, content, parser.ParseComments)
	if err != nil {
		var list scanner.ErrorList
		if errors.As(err, &list) {
			for _, e := range list {
				result.addError(e.Pos.Line, e.Pos.Column, e.Msg)
			}
		} else {
			result.addError(0, 0, fmt.Sprintf("syntax error: %v", err))
		}
	}
	if file == nil {
		return result, nil
	}

	if file.Name != nil {
		result.PackageName = file.Name.Name
		result.HeaderEnd = fset.Position(file.Name.End()).Line
	}
	result.Imports = extractImports(file)

	e := &unitExtractor{fset: fset}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			result.Units = append(result.Units, e.function(d))
		case *ast.GenDecl:
			if d.Tok == token.IMPORT {
				if end := fset.Position(d.End()).Line; end > result.HeaderEnd {
					result.HeaderEnd = end
				}
				continue
			}
			if u, ok := e.genDecl(d); ok {
				result.Units = append(result.Units, u)
			}
		}
	}

	return result, nil
}

// extractImports extracts import statements from the AST
func extractImports(file *ast.File) []Import {
	imports := make([]Import, 0, len(file.Imports))
	for _, imp := range file.Imports {
		spec := Import{Path: strings.Trim(imp.Path.Value, `"`)}
		if imp.Name != nil {
			spec.Alias = imp.Name.Name
		}
		imports = append(imports, spec)
	}
	return imports
}

type unitExtractor struct {
	fset *token.FileSet
}

func (e *unitExtractor) span(node ast.Node, doc *ast.CommentGroup) (int, int) {
	start := node.Pos()
	if doc != nil && doc.Pos() < start {
		start = doc.Pos()
	}
	return e.fset.Position(start).Line, e.fset.Position(node.End()).Line
}

func (e *unitExtractor) function(fn *ast.FuncDecl) Unit {
	u := Unit{
		Name:      fn.Name.Name,
		Kind:      UnitFunction,
		Doc:       docText(fn.Doc),
		Signature: e.functionSignature(fn),
	}
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		u.Kind = UnitMethod
		u.Receiver = receiverType(fn.Recv.List[0].Type)
	}
	u.StartLine, u.EndLine = e.span(fn, fn.Doc)
	return u
}

// genDecl turns a type/const/var declaration into one unit. Grouped
// declarations stay together as a single unit.
func (e *unitExtractor) genDecl(gd *ast.GenDecl) (Unit, bool) {
	if len(gd.Specs) == 0 {
		return Unit{}, false
	}

	var u Unit
	u.Doc = docText(gd.Doc)
	u.StartLine, u.EndLine = e.span(gd, gd.Doc)

	switch gd.Tok {
	case token.TYPE:
		names := make([]string, 0, len(gd.Specs))
		for _, spec := range gd.Specs {
			if ts, ok := spec.(*ast.TypeSpec); ok {
				names = append(names, ts.Name.Name)
			}
		}
		u.Name = strings.Join(names, ", ")
		u.Kind = UnitType
		if ts, ok := gd.Specs[0].(*ast.TypeSpec); ok && len(gd.Specs) == 1 {
			switch ts.Type.(type) {
			case *ast.StructType:
				u.Kind = UnitStruct
			case *ast.InterfaceType:
				u.Kind = UnitInterface
			}
			u.Signature = fmt.Sprintf("type %s %s", ts.Name.Name, exprToString(ts.Type))
		}
	case token.CONST, token.VAR:
		u.Kind = UnitVar
		if gd.Tok == token.CONST {
			u.Kind = UnitConst
		}
		var names []string
		for _, spec := range gd.Specs {
			if vs, ok := spec.(*ast.ValueSpec); ok {
				for _, n := range vs.Names {
					names = append(names, n.Name)
				}
			}
		}
		if len(names) > 3 {
			names = append(names[:3], "...")
		}
		u.Name = strings.Join(names, ", ")
	default:
		return Unit{}, false
	}

	return u, true
}

// receiverType extracts the receiver type name from a method
func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}

// functionSignature builds a function signature string
func (e *unitExtractor) functionSignature(fn *ast.FuncDecl) string {
	var sig strings.Builder
	sig.WriteString("func ")
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		sig.WriteString("(")
		sig.WriteString(exprToString(fn.Recv.List[0].Type))
		sig.WriteString(") ")
	}
	sig.WriteString(fn.Name.Name)
	sig.WriteString("(")
	if fn.Type.Params != nil {
		sig.WriteString(fieldListToString(fn.Type.Params))
	}
	sig.WriteString(")")

	if fn.Type.Results != nil {
		results := fieldListToString(fn.Type.Results)
		if results != "" {
			if fn.Type.Results.NumFields() > 1 {
				sig.WriteString(" (" + results + ")")
			} else {
				sig.WriteString(" " + results)
			}
		}
	}
	return sig.String()
}

// fieldListToString converts a field list to a string representation
func fieldListToString(fieldList *ast.FieldList) string {
	if fieldList == nil || len(fieldList.List) == 0 {
		return ""
	}

	var parts []string
	for _, field := range fieldList.List {
		typeStr := exprToString(field.Type)
		if len(field.Names) > 0 {
			for _, name := range field.Names {
				parts = append(parts, name.Name+" "+typeStr)
			}
		} else {
			parts = append(parts, typeStr)
		}
	}
	return strings.Join(parts, ", ")
}

// exprToString converts an expression to a short string representation
func exprToString(expr ast.Expr) string {
	if expr == nil {
		return ""
	}

	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprToString(t.X)
	case *ast.ArrayType:
		return "[]" + exprToString(t.Elt)
	case *ast.MapType:
		return fmt.Sprintf("map[%s]%s", exprToString(t.Key), exprToString(t.Value))
	case *ast.ChanType:
		return "chan " + exprToString(t.Value)
	case *ast.FuncType:
		return "func(...)"
	case *ast.StructType:
		return "struct{...}"
	case *ast.InterfaceType:
		return "interface{...}"
	case *ast.SelectorExpr:
		return exprToString(t.X) + "." + t.Sel.Name
	case *ast.Ellipsis:
		return "..." + exprToString(t.Elt)
	case *ast.IndexExpr:
		return exprToString(t.X) + "[" + exprToString(t.Index) + "]"
	default:
		return "..."
	}
}

func docText(doc *ast.CommentGroup) string {
	if doc == nil {
		return ""
	}
	return strings.TrimSpace(doc.Text())
}
