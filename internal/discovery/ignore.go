package discovery

import (
	"bufio"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/Laisky/errors/v2"
)

// ignoreRule is one compiled gitignore pattern.
type ignoreRule struct {
	regex    *regexp.Regexp
	negation bool
	dirOnly  bool
	anchored bool
}

// Matcher evaluates gitignore-style patterns against slash-separated paths
// relative to the directory the patterns belong to. Rules are evaluated in
// order and the last match wins.
type Matcher struct {
	rules []ignoreRule
}

// NewMatcher compiles the given patterns.
func NewMatcher(patterns ...string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		m.AddPattern(p)
	}
	return m
}

// LoadMatcher reads an ignore file. Each non-empty, non-comment line is a pattern.
func LoadMatcher(file string) (*Matcher, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.Wrapf(err, "open ignore file %s", file)
	}
	defer func() { _ = f.Close() }()

	m := &Matcher{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m.AddPattern(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read ignore file %s", file)
	}
	return m, nil
}

// Len returns the number of compiled rules.
func (m *Matcher) Len() int {
	return len(m.rules)
}

// AddPattern compiles one pattern. Blank lines and comments are ignored.
func (m *Matcher) AddPattern(pattern string) {
	pattern = strings.TrimRight(pattern, "\r")
	if !strings.HasSuffix(pattern, `\ `) {
		pattern = strings.TrimRight(pattern, " \t")
	}
	pattern = strings.TrimLeft(pattern, " \t")
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return
	}

	var r ignoreRule
	switch {
	case strings.HasPrefix(pattern, `\#`), strings.HasPrefix(pattern, `\!`):
		pattern = pattern[1:]
	case strings.HasPrefix(pattern, "!"):
		r.negation = true
		pattern = pattern[1:]
	}

	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	if strings.HasPrefix(pattern, "/") {
		r.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	} else if strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**/") {
		// a slash in the middle anchors the pattern to this directory
		r.anchored = true
	}
	if pattern == "" {
		return
	}

	re, err := regexp.Compile("^" + globToRegex(pattern) + "$")
	if err != nil {
		return
	}
	r.regex = re
	m.rules = append(m.rules, r)
}

// Match reports whether rel is ignored. matched is false when no rule
// applied, letting callers layer matchers from outer to inner directories.
func (m *Matcher) Match(rel string, isDir bool) (ignored, matched bool) {
	if m == nil || rel == "" {
		return false, false
	}
	for _, r := range m.rules {
		if r.match(rel, isDir) {
			ignored = !r.negation
			matched = true
		}
	}
	return ignored, matched
}

func (r ignoreRule) match(rel string, isDir bool) bool {
	parts := strings.Split(rel, "/")

	if r.anchored {
		if r.regex.MatchString(rel) {
			return !r.dirOnly || isDir
		}
		// a matched parent directory covers everything below it
		for i := 1; i < len(parts); i++ {
			if r.regex.MatchString(strings.Join(parts[:i], "/")) {
				return true
			}
		}
		return false
	}

	for i, part := range parts {
		if !r.regex.MatchString(part) {
			continue
		}
		if i == len(parts)-1 {
			return !r.dirOnly || isDir
		}
		return true
	}
	// patterns with ** can span segments
	return !r.dirOnly && r.regex.MatchString(rel)
}

// globToRegex translates gitignore glob syntax into a regular expression.
func globToRegex(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					b.WriteString("(?:.*/)?")
					i += 2
					continue
				}
				b.WriteString(".*")
				i++
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

// relTo returns rel expressed relative to dir, both slash separated.
func relTo(dir, rel string) (string, bool) {
	if dir == "" || dir == "." {
		return rel, true
	}
	if !strings.HasPrefix(rel, dir+"/") {
		return "", false
	}
	return strings.TrimPrefix(rel, dir+"/"), true
}

// ancestors lists the directories of rel from the root downwards, with ""
// for the root itself.
func ancestors(rel string) []string {
	dirs := []string{""}
	dir := path.Dir(rel)
	if dir == "." {
		return dirs
	}
	parts := strings.Split(dir, "/")
	for i := range parts {
		dirs = append(dirs, strings.Join(parts[:i+1], "/"))
	}
	return dirs
}
