package chunker

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/ctxengine/pkg/types"
)

// document is file content split into lines. A single trailing newline is
// not a line of its own.
type document struct {
	lines []string
}

func newDocument(content []byte) *document {
	text := strings.TrimSuffix(string(content), "\n")
	return &document{lines: strings.Split(text, "\n")}
}

func (d *document) len() int { return len(d.lines) }

func (d *document) line(n int) string { return d.lines[n-1] }

// text joins lines start..end (1-based, inclusive).
func (d *document) text(start, end int) string {
	return strings.Join(d.lines[start-1:end], "\n")
}

func (d *document) blank(start, end int) bool {
	for i := start; i <= end; i++ {
		if strings.TrimSpace(d.lines[i-1]) != "" {
			return false
		}
	}
	return true
}

// chars is the joined length of lines start..end.
func (d *document) chars(start, end int) int {
	n := 0
	for i := start; i <= end; i++ {
		n += len(d.lines[i-1]) + 1
	}
	return n - 1
}

// segment is a unit found by a structural chunker, or a part of one.
type segment struct {
	kind    types.ChunkKind
	summary string
	start   int // 1-based, inclusive
	end     int // 1-based, inclusive
	// text overrides the line span as content; used for sentence parts
	text string
}

// layout describes how a chunker family turns segments into chunks.
type layout struct {
	// headerKind receives non-blank lines before the first unit. Empty means
	// those lines attach to the first unit.
	headerKind    types.ChunkKind
	headerSummary string
	cpt           int
	// overlap is the share of the budget repeated between split parts
	overlap float64
	// split replaces line splitting for oversized segments
	split func(d *document, seg segment, max, cpt int) []segment
}

// assemble normalizes segments to partition the document, splits those over
// budget and numbers the result.
func assemble(d *document, segs []segment, l layout, opts Options) ([]types.Chunk, error) {
	segs = normalize(d, segs, l)
	if len(segs) == 0 {
		return nil, errNoUnits
	}

	overlapBudget := int(float64(opts.MaxTokens) * l.overlap)
	var parts []segment
	for _, seg := range segs {
		if estimate(d.chars(seg.start, seg.end), l.cpt) <= opts.MaxTokens {
			parts = append(parts, seg)
			continue
		}
		var split []segment
		if l.split != nil {
			split = l.split(d, seg, opts.MaxTokens, l.cpt)
		} else {
			split = splitLines(d, seg, opts.MaxTokens, overlapBudget, l.cpt)
		}
		parts = append(parts, label(split, seg.summary)...)
	}
	return emit(d, parts, l.cpt), nil
}

// normalize sorts and clips segments, then stretches them so they cover
// every line: gaps join the following unit, the tail joins the last one.
func normalize(d *document, segs []segment, l layout) []segment {
	n := d.len()
	sorted := make([]segment, len(segs))
	copy(sorted, segs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })

	out := make([]segment, 0, len(sorted)+1)
	next := 1
	for _, s := range sorted {
		if s.end > n {
			s.end = n
		}
		if s.start < next {
			s.start = next
		}
		if s.end < s.start {
			continue
		}
		out = append(out, s)
		next = s.end + 1
	}

	if len(out) == 0 {
		if l.headerKind == "" || n == 0 || d.blank(1, n) {
			return nil
		}
		return []segment{{kind: l.headerKind, summary: l.headerSummary, start: 1, end: n}}
	}

	for i := 1; i < len(out); i++ {
		out[i].start = out[i-1].end + 1
	}
	if out[0].start > 1 {
		if l.headerKind != "" && !d.blank(1, out[0].start-1) {
			header := segment{kind: l.headerKind, summary: l.headerSummary, start: 1, end: out[0].start - 1}
			out = append([]segment{header}, out...)
		} else {
			out[0].start = 1
		}
	}
	out[len(out)-1].end = n
	return out
}

// splitLines cuts seg into line ranges within max tokens. With a positive
// overlapBudget the trailing lines of a part are repeated at the start of
// the next one. A single line over budget becomes its own part.
func splitLines(d *document, seg segment, max, overlapBudget, cpt int) []segment {
	var parts []segment
	i := seg.start
	for i <= seg.end {
		chars := 0
		j := i
		for j <= seg.end {
			c := len(d.line(j)) + 1
			if j > i && estimate(chars+c-1, cpt) > max {
				break
			}
			chars += c
			j++
		}
		end := j - 1
		parts = append(parts, segment{kind: seg.kind, summary: seg.summary, start: i, end: end})
		if end >= seg.end {
			break
		}

		next := end + 1
		if overlapBudget > 0 {
			oc := 0
			for k := end; k > i; k-- {
				c := len(d.line(k)) + 1
				if estimate(oc+c, cpt) > overlapBudget {
					break
				}
				oc += c
				next = k
			}
			// drop the overlap when it leaves no room for the next line
			if next <= end && estimate(oc+len(d.line(end+1)), cpt) > max {
				next = end + 1
			}
		}
		i = next
	}
	return mergeBlankTail(d, parts)
}

// mergeBlankTail folds a trailing whitespace-only part into its predecessor.
func mergeBlankTail(d *document, parts []segment) []segment {
	if len(parts) < 2 {
		return parts
	}
	last := parts[len(parts)-1]
	if last.text == "" && d.blank(last.start, last.end) {
		parts[len(parts)-2].end = last.end
		parts = parts[:len(parts)-1]
	}
	return parts
}

func label(parts []segment, summary string) []segment {
	if len(parts) < 2 {
		return parts
	}
	for i := range parts {
		parts[i].summary = strings.TrimSpace(fmt.Sprintf("%s (part %d/%d)", summary, i+1, len(parts)))
	}
	return parts
}

func emit(d *document, parts []segment, cpt int) []types.Chunk {
	chunks := make([]types.Chunk, 0, len(parts))
	for _, p := range parts {
		content := p.text
		if content == "" {
			content = d.text(p.start, p.end)
		}
		chunks = append(chunks, types.Chunk{
			Ordinal:    len(chunks),
			Kind:       p.kind,
			StartLine:  p.start,
			EndLine:    p.end,
			TokenCount: estimate(len(content), cpt),
			Content:    content,
			Summary:    p.summary,
		})
	}
	return chunks
}

// block is a run of lines packed as a whole: a paragraph or a fenced block,
// with any blank lines before it.
type block struct {
	start, end int
	fence      bool
}

// blocksOf splits lines start..end into paragraphs. With fences set, fenced
// code is one block regardless of blank lines inside it.
func blocksOf(d *document, start, end int, fences bool) []block {
	var blocks []block
	i := start
	for i <= end {
		from := i
		for i <= end && strings.TrimSpace(d.line(i)) == "" {
			i++
		}
		if i > end {
			if len(blocks) > 0 {
				blocks[len(blocks)-1].end = end
			} else {
				blocks = append(blocks, block{start: from, end: end})
			}
			break
		}
		if marker, ok := fenceOpen(d.line(i)); fences && ok {
			i++
			for i <= end && !fenceCloses(d.line(i), marker) {
				i++
			}
			if i > end {
				i = end
			}
			blocks = append(blocks, block{start: from, end: i, fence: true})
			i++
			continue
		}
		for i <= end && strings.TrimSpace(d.line(i)) != "" {
			if _, ok := fenceOpen(d.line(i)); fences && ok && i > from {
				break
			}
			i++
		}
		blocks = append(blocks, block{start: from, end: i - 1})
	}
	return blocks
}

// packBlocks greedily groups blocks into parts within max tokens. A block
// over budget is handed to oversize.
func packBlocks(d *document, seg segment, blocks []block, max, cpt int, oversize func(segment) []segment) []segment {
	var (
		parts []segment
		cur   []block
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		kind := seg.kind
		if len(cur) == 1 && cur[0].fence {
			kind = types.KindCodeFence
		}
		parts = append(parts, segment{kind: kind, summary: seg.summary, start: cur[0].start, end: cur[len(cur)-1].end})
		cur = nil
	}

	for _, b := range blocks {
		if estimate(d.chars(b.start, b.end), cpt) > max {
			flush()
			kind := seg.kind
			if b.fence {
				kind = types.KindCodeFence
			}
			parts = append(parts, oversize(segment{kind: kind, summary: seg.summary, start: b.start, end: b.end})...)
			continue
		}
		if len(cur) > 0 && estimate(d.chars(cur[0].start, b.end), cpt) > max {
			flush()
		}
		cur = append(cur, b)
	}
	flush()
	return parts
}

// sentenceEnd matches the whitespace after a sentence terminator.
var sentenceEnd = regexp.MustCompile(`[.!?]+["')\]]*\s+`)

// splitSentences cuts one over-budget line into sentence groups within max
// tokens. Pieces keep their trailing whitespace so they concatenate back to
// the line. A single sentence over budget stays whole.
func splitSentences(d *document, seg segment, max, cpt int) []segment {
	line := d.line(seg.start)
	var sentences []string
	prev := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(line, -1) {
		sentences = append(sentences, line[prev:loc[1]])
		prev = loc[1]
	}
	if prev < len(line) {
		sentences = append(sentences, line[prev:])
	}

	var (
		parts []segment
		cur   strings.Builder
	)
	for _, s := range sentences {
		if cur.Len() > 0 && estimate(cur.Len()+len(s), cpt) > max {
			parts = append(parts, segment{kind: seg.kind, summary: seg.summary, start: seg.start, end: seg.start, text: cur.String()})
			cur.Reset()
		}
		cur.WriteString(s)
	}
	if cur.Len() > 0 {
		parts = append(parts, segment{kind: seg.kind, summary: seg.summary, start: seg.start, end: seg.start, text: cur.String()})
	}
	return parts
}

var fenceRe = regexp.MustCompile("^ {0,3}(`{3,}|~{3,})")

func fenceOpen(line string) (string, bool) {
	m := fenceRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func fenceCloses(line, marker string) bool {
	m, ok := fenceOpen(line)
	if !ok || m[0] != marker[0] || len(m) < len(marker) {
		return false
	}
	// a closing fence carries no info string
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), string(marker[0]))) == ""
}
