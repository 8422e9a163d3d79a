package chunker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/dshills/ctxengine/pkg/types"
)

// JSON emits one chunk per top-level object member or array element.
type JSON struct {
	opts Options
}

// NewJSON creates a JSON chunker.
func NewJSON(opts Options) *JSON {
	return &JSON{opts: opts.normalized()}
}

// Name implements Chunker.
func (j *JSON) Name() string { return "json" }

// Chunk implements Chunker. Malformed input is an error.
func (j *JSON) Chunk(content []byte, path string) ([]types.Chunk, error) {
	if !json.Valid(content) {
		return nil, errors.New("invalid json")
	}

	dec := json.NewDecoder(bytes.NewReader(content))
	tok, err := dec.Token()
	if err != nil {
		return nil, errors.Wrap(err, "read json")
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil, errNoUnits
	}

	lines := newLineIndex(content)
	var segs []segment
	for i := 0; dec.More(); i++ {
		start := skipSeparators(content, int(dec.InputOffset()))

		summary := fmt.Sprintf("$[%d]", i)
		if delim == '{' {
			key, err := dec.Token()
			if err != nil {
				return nil, errors.Wrap(err, "read json key")
			}
			summary = "$." + fmt.Sprint(key)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, errors.Wrap(err, "read json value")
		}
		end := int(dec.InputOffset()) - 1

		segs = append(segs, segment{
			kind:    types.KindJSONBlock,
			summary: summary,
			start:   lines.lineOf(start),
			end:     lines.lineOf(end),
		})
	}

	return assemble(newDocument(content), segs, layout{cpt: ConfigCharsPerToken}, j.opts)
}

func skipSeparators(content []byte, off int) int {
	for off < len(content) && strings.ContainsRune(" \t\r\n,", rune(content[off])) {
		off++
	}
	return off
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(content []byte) lineIndex {
	starts := lineIndex{0}
	for i, b := range content {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func (li lineIndex) lineOf(off int) int {
	lo, hi := 0, len(li)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if li[mid] <= off {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}
