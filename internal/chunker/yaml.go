package chunker

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/Laisky/errors/v2"
	"gopkg.in/yaml.v3"

	"github.com/dshills/ctxengine/pkg/types"
)

// YAML emits one chunk per top-level key (or sequence item) of each
// document.
type YAML struct {
	opts Options
}

// NewYAML creates a YAML chunker.
func NewYAML(opts Options) *YAML {
	return &YAML{opts: opts.normalized()}
}

// Name implements Chunker.
func (y *YAML) Name() string { return "yaml" }

// Chunk implements Chunker. Malformed input is an error.
func (y *YAML) Chunk(content []byte, path string) ([]types.Chunk, error) {
	var docs []*yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(content))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "parse yaml")
		}
		docs = append(docs, &node)
	}

	multi := len(docs) > 1
	var segs []segment
	for di, doc := range docs {
		if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
			continue
		}
		prefix := ""
		if multi {
			prefix = fmt.Sprintf("doc%d.", di)
		}

		root := doc.Content[0]
		switch root.Kind {
		case yaml.MappingNode:
			for i := 0; i+1 < len(root.Content); i += 2 {
				key := root.Content[i]
				segs = append(segs, segment{
					kind:    types.KindYAMLBlock,
					summary: prefix + key.Value,
					start:   key.Line - commentLines(key.HeadComment),
				})
			}
		case yaml.SequenceNode:
			for i, item := range root.Content {
				segs = append(segs, segment{
					kind:    types.KindYAMLBlock,
					summary: fmt.Sprintf("%s[%d]", prefix, i),
					start:   item.Line - commentLines(item.HeadComment),
				})
			}
		}
	}
	if len(segs) == 0 {
		return nil, errNoUnits
	}

	d := newDocument(content)
	// a unit runs until the next one starts
	for i := range segs {
		if segs[i].start < 1 {
			segs[i].start = 1
		}
		if i+1 < len(segs) {
			segs[i].end = segs[i+1].start - 1
		} else {
			segs[i].end = d.len()
		}
		if segs[i].end < segs[i].start {
			segs[i].end = segs[i].start
		}
	}

	return assemble(d, segs, layout{cpt: ConfigCharsPerToken}, y.opts)
}

func commentLines(comment string) int {
	if comment == "" {
		return 0
	}
	return strings.Count(comment, "\n") + 1
}
