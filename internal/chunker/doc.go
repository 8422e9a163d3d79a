// Package chunker divides file content into ordered chunks for embedding and
// search.
//
// A Registry picks a chunker family by declared language or file extension:
//
//	reg := chunker.NewRegistry(chunker.DefaultOptions(), logger)
//	chunks, err := reg.Chunk(content, "internal/server/server.go", "go")
//
// # Families
//
//   - Go: go/ast declarations, tree-sitter when the file does not parse
//   - Python, JavaScript, TypeScript, TSX: tree-sitter definition queries
//   - Markdown: ATX sections summarized by heading path, front matter header
//   - JSON, YAML: top-level keys or array items
//   - SQL: statements, summarized by their leading keywords
//   - Text: paragraphs packed up to the budget
//
// Structural chunkers that reject a file, or find nothing to anchor on, fall
// back to the text chunker. Chunks always cover every line of the file in
// order; lines between units belong to the following unit and non-blank
// lines before the first unit become a header chunk.
//
// # Chunk Sizing
//
// Token counts are estimated as ceil(chars/4), or ceil(chars/3) for config
// formats. A unit over Options.MaxTokens is split at line boundaries and its
// parts are labeled "name (part i/n)". Split code repeats
// Options.OverlapPercent of the budget at the start of the next part.
package chunker
