package chunker

import (
	"github.com/Laisky/errors/v2"

	"github.com/dshills/ctxengine/pkg/types"
)

const (
	// DefaultMaxTokens is the target maximum token count per chunk
	DefaultMaxTokens = 512

	// DefaultOverlapPercent is the share of the budget repeated between
	// consecutive parts of a split code unit
	DefaultOverlapPercent = 0.15

	// CharsPerToken is the estimate for source code and prose
	CharsPerToken = 4

	// ConfigCharsPerToken is the estimate for JSON, YAML, SQL and other
	// punctuation-heavy formats
	ConfigCharsPerToken = 3
)

// errNoUnits means a structural chunker found nothing to anchor chunks on;
// the registry then uses the text chunker.
var errNoUnits = errors.New("no structural units found")

// Options tune chunk sizes.
type Options struct {
	MaxTokens      int
	OverlapPercent float64
}

// DefaultOptions returns the default chunk budget.
func DefaultOptions() Options {
	return Options{MaxTokens: DefaultMaxTokens, OverlapPercent: DefaultOverlapPercent}
}

func (o Options) normalized() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.OverlapPercent < 0 || o.OverlapPercent >= 1 {
		o.OverlapPercent = DefaultOverlapPercent
	}
	return o
}

// Chunker turns the content of one file into ordered chunks.
type Chunker interface {
	// Name identifies the chunker family in logs.
	Name() string
	Chunk(content []byte, path string) ([]types.Chunk, error)
}

// EstimateTokens approximates the token count of text as
// ceil(len(text) / charsPerToken) for the given content kind.
func EstimateTokens(text string, kind types.ContentKind) int {
	return estimate(len(text), charsPerToken(kind))
}

func charsPerToken(kind types.ContentKind) int {
	if kind == types.ContentConfig {
		return ConfigCharsPerToken
	}
	return CharsPerToken
}

func estimate(chars, cpt int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + cpt - 1) / cpt
}
