package chunker

import (
	"strings"

	"github.com/dshills/ctxengine/pkg/types"
)

// Text packs paragraphs up to the token budget. It is the fallback for
// unknown formats and for content the structural chunkers reject.
type Text struct {
	opts Options
	cpt  int
}

// NewText creates a text chunker estimating cpt characters per token.
func NewText(opts Options, cpt int) *Text {
	if cpt <= 0 {
		cpt = CharsPerToken
	}
	return &Text{opts: opts.normalized(), cpt: cpt}
}

// Name implements Chunker.
func (t *Text) Name() string { return "text" }

// Chunk implements Chunker. Oversized paragraphs split by line, oversized
// lines by sentence.
func (t *Text) Chunk(content []byte, path string) ([]types.Chunk, error) {
	if strings.TrimSpace(string(content)) == "" {
		return []types.Chunk{}, nil
	}
	d := newDocument(content)
	max := t.opts.MaxTokens

	whole := segment{kind: types.KindParagraph, start: 1, end: d.len()}
	blocks := blocksOf(d, 1, d.len(), false)
	parts := packBlocks(d, whole, blocks, max, t.cpt, func(seg segment) []segment {
		var out []segment
		for _, p := range splitLines(d, seg, max, 0, t.cpt) {
			if p.start == p.end && estimate(len(d.line(p.start)), t.cpt) > max {
				out = append(out, splitSentences(d, p, max, t.cpt)...)
				continue
			}
			out = append(out, p)
		}
		return out
	})
	return emit(d, parts, t.cpt), nil
}
