package searcher

import (
	"regexp"
	"strings"

	"github.com/dshills/ctxengine/internal/storage"
)

// scopeMatcher applies storage.SearchFilters to chunks held outside SQLite.
// It mirrors the SQL filter: path prefixes match whole segments and exclude
// globs use GLOB semantics, where '*' also crosses '/'.
type scopeMatcher struct {
	prefixes  []string
	languages map[string]bool
	kinds     map[string]bool
	excludes  []*regexp.Regexp
}

func newScopeMatcher(scope *storage.SearchFilters) *scopeMatcher {
	m := &scopeMatcher{}
	if scope == nil {
		return m
	}
	for _, p := range scope.PathPrefixes {
		p = strings.Trim(p, "/")
		if p == "" || p == "." {
			m.prefixes = nil
			break
		}
		m.prefixes = append(m.prefixes, p)
	}
	if len(scope.Languages) > 0 {
		m.languages = make(map[string]bool, len(scope.Languages))
		for _, l := range scope.Languages {
			m.languages[l] = true
		}
	}
	if len(scope.Kinds) > 0 {
		m.kinds = make(map[string]bool, len(scope.Kinds))
		for _, k := range scope.Kinds {
			m.kinds[k] = true
		}
	}
	for _, g := range scope.ExcludeGlobs {
		if g == "" {
			continue
		}
		m.excludes = append(m.excludes, globToRegexp(g))
	}
	return m
}

// empty reports whether the matcher accepts everything.
func (m *scopeMatcher) empty() bool {
	return len(m.prefixes) == 0 && m.languages == nil && m.kinds == nil && len(m.excludes) == 0
}

func (m *scopeMatcher) match(c *storage.Chunk) bool {
	if len(m.prefixes) > 0 {
		ok := false
		for _, p := range m.prefixes {
			if c.FilePath == p || strings.HasPrefix(c.FilePath, p+"/") {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if m.languages != nil && !m.languages[c.Language] {
		return false
	}
	if m.kinds != nil && !m.kinds[string(c.Kind)] {
		return false
	}
	for _, re := range m.excludes {
		if re.MatchString(c.FilePath) {
			return false
		}
	}
	return true
}

// globToRegexp translates an SQLite GLOB pattern. Character classes are
// passed through, with a leading '^' kept as negation.
func globToRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		switch c := glob[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := glob[i+1 : i+1+end]
			b.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i += end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile("^" + regexp.QuoteMeta(glob) + "$")
	}
	return re
}
