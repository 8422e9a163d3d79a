package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		isDir    bool
		want     bool
	}{
		{"simple glob", []string{"*.log"}, "logs/app.log", false, true},
		{"glob no match", []string{"*.log"}, "app.go", false, false},
		{"dir only matches dir", []string{"build/"}, "build", true, true},
		{"dir only skips file", []string{"build/"}, "build", false, false},
		{"dir only covers children", []string{"build/"}, "src/build/x.go", false, true},
		{"anchored", []string{"/todo.txt"}, "todo.txt", false, true},
		{"anchored not nested", []string{"/todo.txt"}, "docs/todo.txt", false, false},
		{"middle slash anchors", []string{"doc/frotz"}, "a/doc/frotz", false, false},
		{"middle slash match", []string{"doc/frotz"}, "doc/frotz", false, true},
		{"double star prefix", []string{"**/gen"}, "a/b/gen", true, true},
		{"double star middle", []string{"a/**/z.go"}, "a/b/c/z.go", false, true},
		{"question mark", []string{"file?.txt"}, "file1.txt", false, true},
		{"negation", []string{"*.log", "!keep.log"}, "keep.log", false, false},
		{"char class", []string{"[ab].go"}, "b.go", false, true},
		{"comment ignored", []string{"# *.go"}, "x.go", false, false},
		{"escaped hash", []string{`\#notes`}, "#notes", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(tt.patterns...)
			got, _ := m.Match(tt.path, tt.isDir)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatcher_MatchedFlag(t *testing.T) {
	m := NewMatcher("!important.txt")
	ignored, matched := m.Match("important.txt", false)
	assert.False(t, ignored)
	assert.True(t, matched)

	_, matched = m.Match("other.txt", false)
	assert.False(t, matched)

	var nilMatcher *Matcher
	ignored, matched = nilMatcher.Match("x", false)
	assert.False(t, ignored)
	assert.False(t, matched)
}

func TestAncestors(t *testing.T) {
	assert.Equal(t, []string{""}, ancestors("a.go"))
	assert.Equal(t, []string{"", "a", "a/b"}, ancestors("a/b/c.go"))
}

func TestDetectLanguageAndKind(t *testing.T) {
	assert.Equal(t, "go", DetectLanguage("x/y.go"))
	assert.Equal(t, "typescript", DetectLanguage("A.TS"))
	assert.Equal(t, "make", DetectLanguage("Makefile"))
	assert.Equal(t, "", DetectLanguage("blob.bin"))
	assert.Equal(t, "config", string(DetectKind("sql")))
	assert.Equal(t, "doc", string(DetectKind("markdown")))
	assert.Equal(t, "source", string(DetectKind("python")))
}
