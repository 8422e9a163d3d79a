// Package parser extracts top-level declarations from Go source files using
// the go/ast toolchain packages.
//
// # Basic Usage
//
//	p := parser.New()
//	result, err := p.Parse("service.go", content)
//	if err != nil {
//	    return err
//	}
//
//	for _, u := range result.Units {
//	    fmt.Printf("%s %s lines %d-%d\n", u.Kind, u.QualifiedName(), u.StartLine, u.EndLine)
//	}
//
// Each Unit covers one top-level declaration, including its doc comment.
// Grouped const, var and type blocks produce a single unit. HeaderEnd marks
// the last line of the package clause and imports so callers can emit a
// header chunk.
//
// # Error Handling
//
// Syntax errors do not fail the call. They are recorded in Result.Errors and
// whatever declarations the partial AST contains are still returned:
//
//	result, _ := p.Parse("broken.go", content)
//	if result.HasErrors() {
//	    // fall back to a language-agnostic chunker
//	}
package parser
