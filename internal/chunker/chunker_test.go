package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctxengine/pkg/types"
)

// requirePartition checks that chunks are valid, numbered in order and
// cover every line of content without gaps.
func requirePartition(t *testing.T, content string, chunks []types.Chunk) {
	t.Helper()
	require.NotEmpty(t, chunks)
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, len(lines), chunks[len(chunks)-1].EndLine)
	for i, c := range chunks {
		require.NoError(t, c.Validate(), "chunk %d", i)
		assert.Equal(t, i, c.Ordinal)
		if i > 0 {
			assert.LessOrEqual(t, c.StartLine, chunks[i-1].EndLine+1, "gap before chunk %d", i)
			assert.Greater(t, c.EndLine, chunks[i-1].EndLine, "chunk %d does not advance", i)
		}
	}
}

// reassemble rebuilds content from chunk lines, skipping overlapped lines.
func reassemble(chunks []types.Chunk) string {
	var out []string
	covered := 0
	for _, c := range chunks {
		lines := strings.Split(c.Content, "\n")
		for ln := c.StartLine; ln <= c.EndLine; ln++ {
			if ln > covered {
				out = append(out, lines[ln-c.StartLine])
			}
		}
		if c.EndLine > covered {
			covered = c.EndLine
		}
	}
	return strings.Join(out, "\n")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("", types.ContentSource))
	assert.Equal(t, 1, EstimateTokens("abcd", types.ContentSource))
	assert.Equal(t, 2, EstimateTokens("abcde", types.ContentDoc))
	assert.Equal(t, 2, EstimateTokens("abcdef", types.ContentConfig))
	assert.Equal(t, 3, EstimateTokens("abcdefg", types.ContentConfig))
}

func TestOptions_Normalized(t *testing.T) {
	o := Options{MaxTokens: 0, OverlapPercent: 1.5}.normalized()
	assert.Equal(t, DefaultMaxTokens, o.MaxTokens)
	assert.Equal(t, DefaultOverlapPercent, o.OverlapPercent)

	o = Options{MaxTokens: 100, OverlapPercent: 0}.normalized()
	assert.Equal(t, 100, o.MaxTokens)
	assert.Equal(t, 0.0, o.OverlapPercent)
}

func TestMarkdown_SingleSection(t *testing.T) {
	reg := NewRegistry(DefaultOptions(), nil)
	chunks, err := reg.Chunk([]byte("# Title\n\nSome text.\n"), "README.md", "")
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, types.KindMarkdownSection, chunks[0].Kind)
	assert.Equal(t, "Title", chunks[0].Summary)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 3, chunks[0].EndLine)
	assert.Equal(t, "# Title\n\nSome text.", chunks[0].Content)
}

func TestMarkdown_HeadingPathAndFrontMatter(t *testing.T) {
	content := `---
title: guide
---
Intro text.

# A
a text
## B
b text
# C
`
	chunks, err := NewMarkdown(DefaultOptions()).Chunk([]byte(content), "guide.md")
	require.NoError(t, err)
	requirePartition(t, content, chunks)

	require.Len(t, chunks, 4)
	assert.Equal(t, types.KindHeader, chunks[0].Kind)
	assert.Equal(t, "front matter", chunks[0].Summary)
	assert.Equal(t, 3, chunks[0].EndLine)

	assert.Equal(t, "A", chunks[1].Summary)
	assert.Equal(t, 4, chunks[1].StartLine)
	assert.Equal(t, "A > B", chunks[2].Summary)
	assert.Equal(t, "C", chunks[3].Summary)
}

func TestMarkdown_IgnoresHeadingsInFences(t *testing.T) {
	content := "# Real\n\n```sh\n# not a heading\n```\n"
	chunks, err := NewMarkdown(DefaultOptions()).Chunk([]byte(content), "a.md")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Real", chunks[0].Summary)
}

func TestMarkdown_NoHeadingsFallsBackToText(t *testing.T) {
	reg := NewRegistry(DefaultOptions(), nil)
	chunks, err := reg.Chunk([]byte("just words\n\nmore words\n"), "notes.md", "")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, types.KindParagraph, chunks[0].Kind)
}

func TestMarkdown_OversizedSectionSplitsOnParagraphs(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Long\n")
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, "\nParagraph %d has enough words to take up a good share of the budget.\n", i)
	}
	content := b.String()

	opts := Options{MaxTokens: 40, OverlapPercent: 0}
	chunks, err := NewMarkdown(opts).Chunk([]byte(content), "long.md")
	require.NoError(t, err)
	requirePartition(t, content, chunks)

	require.Greater(t, len(chunks), 1)
	assert.Equal(t, fmt.Sprintf("Long (part 1/%d)", len(chunks)), chunks[0].Summary)
	for _, c := range chunks {
		assert.LessOrEqual(t, c.TokenCount, opts.MaxTokens)
	}
	assert.Equal(t, strings.TrimSuffix(content, "\n"), reassemble(chunks))
}

const goSource = `package demo

import "fmt"

// Greet says hi.
func Greet(name string) {
	fmt.Println(name)
}

type User struct {
	Name string
}

func (u *User) Hello() string {
	return u.Name
}
`

func TestGo_Declarations(t *testing.T) {
	reg := NewRegistry(DefaultOptions(), nil)
	chunks, err := reg.Chunk([]byte(goSource), "demo.go", "")
	require.NoError(t, err)
	requirePartition(t, goSource, chunks)

	require.Len(t, chunks, 4)
	assert.Equal(t, types.KindHeader, chunks[0].Kind)
	assert.Equal(t, "package demo", chunks[0].Summary)
	assert.Equal(t, 4, chunks[0].EndLine)

	assert.Equal(t, types.KindFunction, chunks[1].Kind)
	assert.Equal(t, "Greet", chunks[1].Summary)
	assert.Equal(t, 5, chunks[1].StartLine)
	assert.Contains(t, chunks[1].Content, "// Greet says hi.")

	assert.Equal(t, types.KindClass, chunks[2].Kind)
	assert.Equal(t, "User", chunks[2].Summary)

	assert.Equal(t, types.KindMethod, chunks[3].Kind)
	assert.Equal(t, "User.Hello", chunks[3].Summary)
	assert.Equal(t, 16, chunks[3].EndLine)
}

func TestGo_Deterministic(t *testing.T) {
	reg := NewRegistry(DefaultOptions(), nil)
	first, err := reg.Chunk([]byte(goSource), "demo.go", "")
	require.NoError(t, err)
	second, err := reg.Chunk([]byte(goSource), "demo.go", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGo_OversizedFunctionSplitsWithOverlap(t *testing.T) {
	var b strings.Builder
	b.WriteString("package big\n\nfunc Big() {\n")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, "\tx%d := compute(%d, 1234567890)\n", i, i)
	}
	b.WriteString("}\n")
	content := b.String()

	opts := DefaultOptions()
	chunks, err := NewRegistry(opts, nil).Chunk([]byte(content), "big.go", "go")
	require.NoError(t, err)
	requirePartition(t, content, chunks)

	parts := chunks[1:]
	require.Greater(t, len(parts), 1)
	overlapped := false
	for i, c := range parts {
		assert.Equal(t, types.KindFunction, c.Kind)
		assert.Equal(t, fmt.Sprintf("Big (part %d/%d)", i+1, len(parts)), c.Summary)
		assert.LessOrEqual(t, c.TokenCount, opts.MaxTokens)
		if i > 0 && c.StartLine <= parts[i-1].EndLine {
			overlapped = true
		}
	}
	assert.True(t, overlapped, "consecutive parts should share lines")
	assert.Equal(t, strings.TrimSuffix(content, "\n"), reassemble(chunks))
}

func TestGo_SyntaxErrorStillChunks(t *testing.T) {
	content := "package x\n\nfunc broken( {\n}\n\nfunc ok() {}\n"
	chunks, err := NewRegistry(DefaultOptions(), nil).Chunk([]byte(content), "x.go", "")
	require.NoError(t, err)
	requirePartition(t, content, chunks)
}

func TestTreeSitter_Python(t *testing.T) {
	content := `"""Module doc."""

import os

def foo():
    return 1

class Bar:
    def baz(self):
        pass
`
	chunks, err := NewRegistry(DefaultOptions(), nil).Chunk([]byte(content), "mod.py", "")
	require.NoError(t, err)
	requirePartition(t, content, chunks)

	require.Len(t, chunks, 3)
	assert.Equal(t, types.KindDocstring, chunks[0].Kind)
	assert.Equal(t, types.KindFunction, chunks[1].Kind)
	assert.Equal(t, "foo", chunks[1].Summary)
	assert.Equal(t, types.KindClass, chunks[2].Kind)
	assert.Equal(t, "Bar", chunks[2].Summary)
	assert.Equal(t, 10, chunks[2].EndLine)
}

func TestTreeSitter_OversizedClassSplitsByMember(t *testing.T) {
	content := `class Foo {
  constructor(a) {
    this.a = a;
  }
  get() {
    return this.a;
  }
}
`
	opts := Options{MaxTokens: 20, OverlapPercent: 0}
	var js *LanguageSpec
	for _, spec := range DefaultLanguageSpecs() {
		if spec.Name == "javascript" {
			js = spec
		}
	}
	require.NotNil(t, js)
	chunks, err := NewTreeSitter(js, opts).Chunk([]byte(content), "foo.js")
	require.NoError(t, err)
	requirePartition(t, content, chunks)

	summaries := make(map[string]types.ChunkKind)
	for _, c := range chunks {
		summaries[c.Summary] = c.Kind
	}
	assert.Equal(t, types.KindConstructor, summaries["Foo.constructor"])
	assert.Equal(t, types.KindMethod, summaries["Foo.get"])
}

func TestJSON_TopLevelKeys(t *testing.T) {
	content := `{
  "name": "x",
  "scripts": {
    "a": "b"
  }
}
`
	chunks, err := NewRegistry(DefaultOptions(), nil).Chunk([]byte(content), "package.json", "")
	require.NoError(t, err)
	requirePartition(t, content, chunks)

	require.Len(t, chunks, 2)
	assert.Equal(t, types.KindJSONBlock, chunks[0].Kind)
	assert.Equal(t, "$.name", chunks[0].Summary)
	assert.Equal(t, 2, chunks[0].EndLine)
	assert.Equal(t, "$.scripts", chunks[1].Summary)
	assert.Equal(t, 3, chunks[1].StartLine)
}

func TestJSON_MalformedFallsBackToText(t *testing.T) {
	content := "{\"name\": \n"
	chunks, err := NewRegistry(DefaultOptions(), nil).Chunk([]byte(content), "bad.json", "")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, types.KindParagraph, chunks[0].Kind)
	// config files estimate three characters per token
	assert.Equal(t, EstimateTokens(chunks[0].Content, types.ContentConfig), chunks[0].TokenCount)
}

func TestYAML_Keys(t *testing.T) {
	content := "name: x\nlist:\n  - a\n  - b\n"
	chunks, err := NewYAML(DefaultOptions()).Chunk([]byte(content), "c.yaml")
	require.NoError(t, err)
	requirePartition(t, content, chunks)

	require.Len(t, chunks, 2)
	assert.Equal(t, types.KindYAMLBlock, chunks[0].Kind)
	assert.Equal(t, "name", chunks[0].Summary)
	assert.Equal(t, "list", chunks[1].Summary)
	assert.Equal(t, 2, chunks[1].StartLine)
	assert.Equal(t, 4, chunks[1].EndLine)
}

func TestYAML_MultipleDocuments(t *testing.T) {
	content := "a: 1\n---\nb: 2\n"
	chunks, err := NewYAML(DefaultOptions()).Chunk([]byte(content), "multi.yaml")
	require.NoError(t, err)
	requirePartition(t, content, chunks)

	require.Len(t, chunks, 2)
	assert.Equal(t, "doc0.a", chunks[0].Summary)
	assert.Equal(t, "doc1.b", chunks[1].Summary)
	assert.Equal(t, 3, chunks[1].StartLine)
}

func TestSQL_Statements(t *testing.T) {
	content := `-- users
CREATE TABLE users (
  id INT
);

INSERT INTO users VALUES ('a;b');
`
	chunks, err := NewRegistry(DefaultOptions(), nil).Chunk([]byte(content), "schema.sql", "")
	require.NoError(t, err)
	requirePartition(t, content, chunks)

	require.Len(t, chunks, 2)
	assert.Equal(t, types.KindSQLBlock, chunks[0].Kind)
	assert.Equal(t, "CREATE TABLE users", chunks[0].Summary)
	assert.Equal(t, 4, chunks[0].EndLine)
	assert.Equal(t, "INSERT INTO users", chunks[1].Summary)
}

func TestSQL_UnterminatedString(t *testing.T) {
	_, err := NewSQL(DefaultOptions()).Chunk([]byte("SELECT 'abc\n"), "q.sql")
	assert.Error(t, err)
}

func TestText_PacksParagraphs(t *testing.T) {
	content := "first paragraph\n\nsecond paragraph\n"
	chunks, err := NewText(DefaultOptions(), CharsPerToken).Chunk([]byte(content), "notes.txt")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, types.KindParagraph, chunks[0].Kind)
	assert.Equal(t, 3, chunks[0].EndLine)
}

func TestText_SplitsLongLineBySentence(t *testing.T) {
	sentence := "This sentence is about forty characters. "
	line := strings.TrimSpace(strings.Repeat(sentence, 10))

	opts := Options{MaxTokens: 25}
	chunks, err := NewText(opts, CharsPerToken).Chunk([]byte(line+"\n"), "long.txt")
	require.NoError(t, err)

	require.Greater(t, len(chunks), 1)
	var joined strings.Builder
	for _, c := range chunks {
		assert.Equal(t, 1, c.StartLine)
		assert.Equal(t, 1, c.EndLine)
		assert.LessOrEqual(t, c.TokenCount, opts.MaxTokens)
		joined.WriteString(c.Content)
	}
	assert.Equal(t, line, joined.String())
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry(DefaultOptions(), nil)

	assert.Equal(t, "go", reg.Lookup("main.go", "").Name())
	assert.Equal(t, "treesitter/python", reg.Lookup("x.py", "").Name())
	assert.Equal(t, "treesitter/tsx", reg.Lookup("App.tsx", "").Name())
	assert.Equal(t, "json", reg.Lookup("DATA.JSON", "").Name())
	assert.Equal(t, "markdown", reg.Lookup("notes", "Markdown").Name())
	assert.Equal(t, "text", reg.Lookup("LICENSE", "").Name())
	assert.Equal(t, "go", reg.Lookup("x.go", "unknown-lang").Name())
	assert.Equal(t, "text", reg.Lookup("a.txt", "").Name())
}

func TestRegistry_BlankContent(t *testing.T) {
	reg := NewRegistry(DefaultOptions(), nil)
	chunks, err := reg.Chunk([]byte("  \n\n"), "empty.go", "")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
