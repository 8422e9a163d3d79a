package chunker

import (
	"regexp"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/dshills/ctxengine/pkg/types"
)

// SQL emits one chunk per statement.
type SQL struct {
	opts Options
}

// NewSQL creates a SQL chunker.
func NewSQL(opts Options) *SQL {
	return &SQL{opts: opts.normalized()}
}

// Name implements Chunker.
func (s *SQL) Name() string { return "sql" }

// Chunk implements Chunker. Unterminated quotes or comments are an error.
func (s *SQL) Chunk(content []byte, path string) ([]types.Chunk, error) {
	stmts, err := splitStatements(string(content))
	if err != nil {
		return nil, err
	}

	lines := newLineIndex(content)
	segs := make([]segment, 0, len(stmts))
	for _, st := range stmts {
		segs = append(segs, segment{
			kind:    types.KindSQLBlock,
			summary: statementSummary(st.code.String()),
			start:   lines.lineOf(st.start),
			end:     lines.lineOf(st.end),
		})
	}
	return assemble(newDocument(content), segs, layout{cpt: ConfigCharsPerToken}, s.opts)
}

type statement struct {
	start, end int // byte offsets of the first and last significant byte
	code       strings.Builder
}

// splitStatements splits on semicolons outside quotes, comments and
// dollar-quoted bodies. code collects the statement without comments.
func splitStatements(src string) ([]*statement, error) {
	var (
		stmts []*statement
		cur   *statement
	)
	mark := func(i int) {
		if cur == nil {
			cur = &statement{start: i}
		}
		cur.end = i
	}

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '-' && strings.HasPrefix(src[i:], "--"):
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				i = len(src)
			} else {
				i += nl
			}
			if cur != nil {
				cur.code.WriteByte(' ')
			}
		case c == '/' && strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, errors.New("unterminated block comment")
			}
			i += end + 3
			if cur != nil {
				cur.code.WriteByte(' ')
			}
		case c == '\'' || c == '"' || c == '`':
			end := closingQuote(src, i+1, c)
			if end < 0 {
				return nil, errors.Errorf("unterminated %c quote", c)
			}
			mark(i)
			cur.code.WriteString(src[i : end+1])
			mark(end)
			i = end
		case c == '$' && strings.HasPrefix(src[i:], "$$"):
			end := strings.Index(src[i+2:], "$$")
			if end < 0 {
				return nil, errors.New("unterminated dollar quote")
			}
			mark(i)
			cur.code.WriteString(src[i : i+end+4])
			mark(i + end + 3)
			i += end + 3
		case c == ';':
			if cur != nil {
				cur.end = i
				stmts = append(stmts, cur)
				cur = nil
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if cur != nil {
				cur.code.WriteByte(' ')
			}
		default:
			mark(i)
			cur.code.WriteByte(c)
		}
	}
	if cur != nil {
		stmts = append(stmts, cur)
	}
	return stmts, nil
}

// closingQuote finds the matching quote, honoring doubled quotes.
func closingQuote(src string, from int, q byte) int {
	for i := from; i < len(src); i++ {
		if src[i] != q {
			continue
		}
		if i+1 < len(src) && src[i+1] == q {
			i++
			continue
		}
		return i
	}
	return -1
}

var sqlWord = regexp.MustCompile("[A-Za-z_][A-Za-z0-9_.]*|\"[^\"]+\"|`[^`]+`")

var sqlKeywords = map[string]bool{
	"CREATE": true, "ALTER": true, "DROP": true, "INSERT": true, "INTO": true,
	"UPDATE": true, "DELETE": true, "FROM": true, "TABLE": true, "VIEW": true,
	"INDEX": true, "FUNCTION": true, "PROCEDURE": true, "TRIGGER": true,
	"SEQUENCE": true, "TYPE": true, "SCHEMA": true, "EXTENSION": true,
	"DATABASE": true, "GRANT": true, "REVOKE": true, "TRUNCATE": true,
	"COMMENT": true, "ON": true, "REPLACE": true,
}

// sqlModifiers are skipped when building a summary.
var sqlModifiers = map[string]bool{
	"OR": true, "REPLACE": true, "IF": true, "NOT": true, "EXISTS": true,
	"TEMP": true, "TEMPORARY": true, "UNIQUE": true, "MATERIALIZED": true,
	"VIRTUAL": true, "UNLOGGED": true, "CONCURRENTLY": true, "ONLY": true,
}

// statementSummary renders the leading keywords and the object name, e.g.
// "CREATE TABLE users". Queries summarize to their first keyword.
func statementSummary(code string) string {
	words := sqlWord.FindAllString(code, 8)
	if len(words) == 0 {
		return ""
	}
	first := strings.ToUpper(words[0])
	if !sqlKeywords[first] {
		return first
	}

	var parts []string
	for _, w := range words {
		upper := strings.ToUpper(w)
		if sqlModifiers[upper] && len(parts) > 0 {
			continue
		}
		if sqlKeywords[upper] {
			parts = append(parts, upper)
			continue
		}
		parts = append(parts, strings.Trim(w, "\"`"))
		break
	}
	return strings.Join(parts, " ")
}
