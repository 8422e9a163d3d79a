package searcher

import (
	"context"
	"sort"
	"strings"

	"github.com/dshills/ctxengine/internal/chunker"
	"github.com/dshills/ctxengine/internal/discovery"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

// expand merges the chunks adjacent to sn, up to the configured window on
// each side, into one snippet. Growth in a direction stops at the first
// ordinal that is missing or already covered by an accepted hit.
func (s *Searcher) expand(ctx context.Context, sn types.Snippet, cov coverage) (types.Snippet, error) {
	neighbors, err := s.store.GetNeighborChunks(ctx, sn.FileID, sn.Ordinal, s.settings.Window)
	if err != nil {
		return sn, err
	}
	byOrdinal := make(map[int]*storage.Chunk, len(neighbors))
	for _, c := range neighbors {
		byOrdinal[c.Ordinal] = c
	}

	var parts []*storage.Chunk
	for o := sn.Ordinal - 1; o >= sn.Ordinal-s.settings.Window; o-- {
		c, ok := byOrdinal[o]
		if !ok || cov.has(sn.FileID, o) {
			break
		}
		parts = append(parts, c)
	}
	for o := sn.Ordinal + 1; o <= sn.Ordinal+s.settings.Window; o++ {
		c, ok := byOrdinal[o]
		if !ok || cov.has(sn.FileID, o) {
			break
		}
		parts = append(parts, c)
	}
	if len(parts) == 0 {
		return sn, nil
	}

	self := &storage.Chunk{
		Ordinal:   sn.Ordinal,
		StartLine: sn.StartLine,
		EndLine:   sn.EndLine,
		Content:   sn.Text,
	}
	parts = append(parts, self)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Ordinal < parts[j].Ordinal })

	out := sn
	out.Sources = append([]string(nil), sn.Sources...)
	out.StartLine = parts[0].StartLine
	out.Text = joinParts(parts)
	out.Neighbors = make([]int, 0, len(parts)-1)
	for _, p := range parts {
		if p.EndLine > out.EndLine {
			out.EndLine = p.EndLine
		}
		if p != self {
			out.Neighbors = append(out.Neighbors, p.Ordinal)
		}
	}
	out.Tokens = chunker.EstimateTokens(out.Text, discovery.DetectKind(sn.Language))
	return out, nil
}

// joinParts concatenates chunks in ordinal order. Lines a chunk shares with
// its predecessor (split overlap) are emitted once.
func joinParts(parts []*storage.Chunk) string {
	var b strings.Builder
	lastLine := 0
	for i, p := range parts {
		text := p.Content
		if i > 0 && p.StartLine <= lastLine {
			text = dropLines(text, lastLine-p.StartLine+1)
		}
		if text != "" {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
			b.WriteString(text)
		}
		if p.EndLine > lastLine {
			lastLine = p.EndLine
		}
	}
	return b.String()
}

func dropLines(text string, n int) string {
	for ; n > 0; n-- {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			return ""
		}
		text = text[i+1:]
	}
	return text
}
