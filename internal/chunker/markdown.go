package chunker

import (
	"regexp"
	"strings"

	"github.com/dshills/ctxengine/pkg/types"
)

// atxHeading matches "# Title", "## Title ##" and so on.
var atxHeading = regexp.MustCompile(`^ {0,3}(#{1,6})[ \t]+(.*?)[ \t]*$`)

// Markdown chunks by ATX heading. Each section is summarized by its heading
// path, front matter becomes a header chunk.
type Markdown struct {
	opts Options
}

// NewMarkdown creates a Markdown chunker.
func NewMarkdown(opts Options) *Markdown {
	return &Markdown{opts: opts.normalized()}
}

// Name implements Chunker.
func (m *Markdown) Name() string { return "markdown" }

// Chunk implements Chunker. Documents without headings are left to the text
// chunker.
func (m *Markdown) Chunk(content []byte, path string) ([]types.Chunk, error) {
	d := newDocument(content)
	n := d.len()

	var (
		segs     []segment
		sections []int
		first    = 1
	)
	if end := frontMatterEnd(d); end > 0 {
		segs = append(segs, segment{kind: types.KindHeader, summary: "front matter", start: 1, end: end})
		first = end + 1
	}

	type level struct {
		depth int
		title string
	}
	var (
		stack  []level
		fence  string
		inside bool
	)
	for i := first; i <= n; i++ {
		line := d.line(i)
		if inside {
			if fenceCloses(line, fence) {
				inside = false
			}
			continue
		}
		if marker, ok := fenceOpen(line); ok {
			fence, inside = marker, true
			continue
		}
		match := atxHeading.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		depth := len(match[1])
		title := strings.TrimSpace(strings.TrimRight(match[2], "#"))
		for len(stack) > 0 && stack[len(stack)-1].depth >= depth {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, level{depth: depth, title: title})

		titles := make([]string, 0, len(stack))
		for _, l := range stack {
			if l.title != "" {
				titles = append(titles, l.title)
			}
		}
		sections = append(sections, len(segs))
		segs = append(segs, segment{kind: types.KindMarkdownSection, summary: strings.Join(titles, " > "), start: i, end: i})
	}
	if len(sections) == 0 {
		return nil, errNoUnits
	}

	// a section runs until the next heading
	for k, idx := range sections {
		if k+1 < len(sections) {
			segs[idx].end = segs[sections[k+1]].start - 1
		} else {
			segs[idx].end = n
		}
	}

	return assemble(d, segs, layout{
		headerKind: types.KindHeader,
		cpt:        CharsPerToken,
		split:      splitSection,
	}, m.opts)
}

// splitSection splits an oversized section on paragraph and fence
// boundaries.
func splitSection(d *document, seg segment, max, cpt int) []segment {
	blocks := blocksOf(d, seg.start, seg.end, true)
	return packBlocks(d, seg, blocks, max, cpt, func(s segment) []segment {
		return splitLines(d, s, max, 0, cpt)
	})
}

// frontMatterEnd returns the closing line of a leading YAML front matter
// block, or 0.
func frontMatterEnd(d *document) int {
	if d.len() < 2 || strings.TrimRight(d.line(1), " \t\r") != "---" {
		return 0
	}
	for i := 2; i <= d.len(); i++ {
		switch strings.TrimRight(d.line(i), " \t\r") {
		case "---", "...":
			return i
		}
	}
	return 0
}
