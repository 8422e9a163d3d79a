package searcher

import (
	"context"
	"sort"
	"sync"

	"github.com/Laisky/errors/v2"

	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

// Provider is a retrieval backend. GetContext returns snippets scored in
// [0, 1], best first. budget is the caller's token budget and only sizes the
// candidate list; providers never truncate text.
type Provider interface {
	ID() string
	GetContext(ctx context.Context, query string, scope *storage.SearchFilters, budget int) ([]types.Snippet, error)
}

// Candidate list bounds derived from a token budget.
const (
	minCandidates   = 10
	maxCandidates   = 200
	tokensPerResult = 64
)

// CandidateLimit converts a token budget into a provider result limit.
func CandidateLimit(budget int) int {
	n := budget / tokensPerResult
	if n < minCandidates {
		return minCandidates
	}
	if n > maxCandidates {
		return maxCandidates
	}
	return n
}

// Registry holds providers keyed by id.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p. Registering an id twice is an error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID()]; ok {
		return errors.Errorf("provider %q already registered", p.ID())
	}
	r.providers[p.ID()] = p
	return nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// scoredID is a provider hit before it is joined with chunk rows.
type scoredID struct {
	chunkID int64
	score   float64
}

// hydrate loads chunk rows for hits and converts them to snippets in hit
// order. Hits whose chunk is gone or outside scope are skipped. At most
// limit snippets are returned.
func hydrate(ctx context.Context, store storage.Storage, hits []scoredID, scope *scopeMatcher, source string, limit int) ([]types.Snippet, error) {
	if len(hits) == 0 {
		return []types.Snippet{}, nil
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.chunkID
	}
	chunks, err := store.GetChunks(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "load chunks")
	}
	byID := make(map[int64]*storage.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	out := make([]types.Snippet, 0, min(len(hits), limit))
	for _, h := range hits {
		c, ok := byID[h.chunkID]
		if !ok {
			continue
		}
		if scope != nil && !scope.match(c) {
			continue
		}
		out = append(out, c.ToSnippet(h.score, source))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// relativeScores divides lexical scores by the best one so they land in
// [0, 1] with the top hit at 1. Scores are relative to the result set, not
// absolute relevance: the best symbol or fulltext hit always reaches the
// pipeline as 1 times the provider weight, so min_score can only drop it
// when that weight is below the threshold.
func relativeScores(hits []scoredID) {
	var best float64
	for _, h := range hits {
		if h.score > best {
			best = h.score
		}
	}
	for i := range hits {
		if best > 0 {
			hits[i].score /= best
		} else {
			hits[i].score = 0
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
