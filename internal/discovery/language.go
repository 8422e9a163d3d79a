package discovery

import (
	"path/filepath"
	"strings"

	"github.com/dshills/ctxengine/pkg/types"
)

var extLanguages = map[string]string{
	".go":       "go",
	".py":       "python",
	".pyi":      "python",
	".js":       "javascript",
	".jsx":      "javascript",
	".mjs":      "javascript",
	".cjs":      "javascript",
	".ts":       "typescript",
	".tsx":      "tsx",
	".java":     "java",
	".kt":       "kotlin",
	".rs":       "rust",
	".rb":       "ruby",
	".php":      "php",
	".c":        "c",
	".h":        "c",
	".cc":       "cpp",
	".cpp":      "cpp",
	".hpp":      "cpp",
	".cs":       "csharp",
	".swift":    "swift",
	".scala":    "scala",
	".lua":      "lua",
	".sh":       "shell",
	".bash":     "shell",
	".zsh":      "shell",
	".proto":    "protobuf",
	".graphql":  "graphql",
	".html":     "html",
	".css":      "css",
	".scss":     "css",
	".vue":      "vue",
	".svelte":   "svelte",
	".md":       "markdown",
	".markdown": "markdown",
	".mdx":      "markdown",
	".rst":      "rst",
	".txt":      "text",
	".json":     "json",
	".yaml":     "yaml",
	".yml":      "yaml",
	".toml":     "toml",
	".ini":      "ini",
	".cfg":      "ini",
	".sql":      "sql",
	".xml":      "xml",
}

var fileNameLanguages = map[string]string{
	"makefile":   "make",
	"dockerfile": "dockerfile",
	"readme":     "text",
	"license":    "text",
}

var docLanguages = map[string]bool{
	"markdown": true, "rst": true, "text": true,
}

var configLanguages = map[string]bool{
	"json": true, "yaml": true, "toml": true, "ini": true, "sql": true, "xml": true,
}

// DetectLanguage returns the language for a path, or "" when unknown.
func DetectLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := extLanguages[ext]; ok {
		return lang
	}
	return fileNameLanguages[strings.ToLower(filepath.Base(path))]
}

// DetectKind maps a language onto its structural class.
func DetectKind(language string) types.ContentKind {
	switch {
	case docLanguages[language]:
		return types.ContentDoc
	case configLanguages[language]:
		return types.ContentConfig
	default:
		return types.ContentSource
	}
}

// KnownExtension reports whether ext (with leading dot) maps to a language.
func KnownExtension(ext string) bool {
	_, ok := extLanguages[strings.ToLower(ext)]
	return ok
}
