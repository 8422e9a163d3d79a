package storage

import (
	"context"
	"regexp"
	"strings"

	"github.com/Laisky/errors/v2"
)

// ftsTermPattern extracts the words FTS5's unicode61 tokenizer would index.
var ftsTermPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// maxFTSTerms bounds the size of generated MATCH expressions
const maxFTSTerms = 32

// SearchText ranks chunk bodies against query with BM25.
func (s *SQLiteStorage) SearchText(ctx context.Context, query string, limit int, filters *SearchFilters) ([]TextResult, error) {
	return s.searchFTS(ctx, "content", query, limit, filters)
}

// SearchSymbols ranks chunk summaries (symbol names, signatures, headings)
// against query with BM25.
func (s *SQLiteStorage) SearchSymbols(ctx context.Context, query string, limit int, filters *SearchFilters) ([]TextResult, error) {
	return s.searchFTS(ctx, "summary", query, limit, filters)
}

func (s *SQLiteStorage) searchFTS(ctx context.Context, column, query string, limit int, filters *SearchFilters) ([]TextResult, error) {
	match := buildFTSQuery(column, query)
	if match == "" || limit <= 0 {
		return []TextResult{}, nil
	}

	// bm25 is negative, more negative is better
	sqlQuery := `
		SELECT c.id, -bm25(chunks_fts) AS score
		FROM chunks_fts
		INNER JOIN chunks c ON chunks_fts.rowid = c.id
		INNER JOIN files f ON c.file_id = f.id
		WHERE chunks_fts MATCH ? AND f.deleted = 0
	`
	args := []any{match}
	sqlQuery, args = applyFilters(sqlQuery, args, filters)
	sqlQuery += " ORDER BY score DESC, c.id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "execute %s search", column)
	}
	defer func() { _ = rows.Close() }()

	results := make([]TextResult, 0, limit)
	for rows.Next() {
		var r TextResult
		if err := rows.Scan(&r.ChunkID, &r.Score); err != nil {
			return nil, errors.Wrap(err, "scan text result")
		}
		if r.Score < 0 {
			r.Score = 0
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// buildFTSQuery turns free text into a column-scoped OR of quoted terms.
// Operators and punctuation in the input never reach FTS5.
func buildFTSQuery(column, query string) string {
	terms := ftsTermPattern.FindAllString(query, -1)
	if len(terms) == 0 {
		return ""
	}

	seen := make(map[string]bool, len(terms))
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		key := strings.ToLower(term)
		if seen[key] {
			continue
		}
		seen[key] = true
		parts = append(parts, column+` : "`+term+`"`)
		if len(parts) == maxFTSTerms {
			break
		}
	}
	return strings.Join(parts, " OR ")
}

// applyFilters adds WHERE clause filters shared by every search. The query
// must alias chunks as c and files as f.
func applyFilters(query string, args []any, filters *SearchFilters) (string, []any) {
	if filters == nil {
		return query, args
	}

	if prefixes := normalizePrefixes(filters.PathPrefixes); len(prefixes) > 0 {
		conds := make([]string, 0, len(prefixes))
		for _, prefix := range prefixes {
			dir := prefix + "/"
			conds = append(conds, "(f.rel_path = ? OR substr(f.rel_path, 1, ?) = ?)")
			args = append(args, prefix, len(dir), dir)
		}
		query += " AND (" + strings.Join(conds, " OR ") + ")"
	}

	if len(filters.Languages) > 0 {
		query += " AND f.language IN (" + placeholders(len(filters.Languages)) + ")"
		for _, lang := range filters.Languages {
			args = append(args, lang)
		}
	}

	if len(filters.Kinds) > 0 {
		query += " AND c.kind IN (" + placeholders(len(filters.Kinds)) + ")"
		for _, kind := range filters.Kinds {
			args = append(args, kind)
		}
	}

	for _, glob := range filters.ExcludeGlobs {
		if glob == "" {
			continue
		}
		query += " AND f.rel_path NOT GLOB ?"
		args = append(args, glob)
	}

	return query, args
}

// normalizePrefixes trims slashes. A root prefix ("", ".") matches
// everything, so the result is empty.
func normalizePrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.Trim(p, "/")
		if p == "" || p == "." {
			return nil
		}
		out = append(out, p)
	}
	return out
}
