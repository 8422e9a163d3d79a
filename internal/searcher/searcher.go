package searcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/ctxengine/internal/config"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

// Settings are the pipeline defaults. Weights lists the enabled providers.
type Settings struct {
	DefaultTokens   int
	MaxTokens       int
	DefaultK        int
	// MinScore applies to weighted scores. Lexical providers score relative
	// to their best hit, so their top hit only falls below it through weight.
	MinScore        float64
	Weights         map[string]float64
	MMR             bool
	Lambda          float64
	Expand          bool
	Window          int
	ProviderTimeout time.Duration
	CacheSize       int
	CacheTTL        time.Duration
}

// SettingsFromConfig maps the retrieval section of the configuration.
func SettingsFromConfig(r config.RetrievalConfig) Settings {
	weights := make(map[string]float64, len(r.Providers))
	for id, p := range r.Providers {
		if p.Enabled {
			weights[id] = p.Weight
		}
	}
	return Settings{
		DefaultTokens:   r.DefaultTokens,
		MaxTokens:       r.MaxTokens,
		DefaultK:        r.DefaultK,
		MinScore:        r.MinScore,
		Weights:         weights,
		MMR:             r.MMR.Enabled,
		Lambda:          r.MMR.Lambda,
		Expand:          r.Expansion.Enabled,
		Window:          r.Expansion.Window,
		ProviderTimeout: r.ProviderTimeout,
		CacheSize:       r.CacheSize,
		CacheTTL:        r.CacheTTL,
	}
}

// QueryRequest is one retrieval call. Zero values take the Settings
// defaults; the pointer fields override the configured MMR and expansion.
type QueryRequest struct {
	Text        string
	Scope       *storage.SearchFilters
	TokenBudget int
	K           int
	// Providers restricts the fan-out. Empty means every enabled provider.
	Providers []string
	MMR       *bool
	Lambda    *float64
	Expand    *bool
}

// ProviderDiagnostics describes one provider's part in a query.
type ProviderDiagnostics struct {
	ID       string        `json:"id"`
	Count    int           `json:"count"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Diagnostics is the pipeline accounting for one query.
type Diagnostics struct {
	Providers []ProviderDiagnostics `json:"providers"`
	// Candidates counts snippets returned by all providers.
	Candidates int `json:"candidates"`
	// Deduplicated counts snippets merged into another one.
	Deduplicated int `json:"deduplicated"`
	// Filtered counts snippets below the minimum score.
	Filtered int `json:"filtered"`
	// Merged counts hits absorbed by an earlier hit's expansion.
	Merged int `json:"merged"`
	// Dropped counts snippets rejected by the token budget.
	Dropped     int     `json:"dropped"`
	MMR         bool    `json:"mmr"`
	Lambda      float64 `json:"lambda,omitempty"`
	Expanded    bool    `json:"expanded"`
	TokensUsed  int     `json:"tokens_used"`
	TokenBudget int     `json:"token_budget"`
	K           int     `json:"k"`
	CacheHit    bool    `json:"cache_hit"`
}

// QueryResponse holds the ranked hits.
type QueryResponse struct {
	Hits        []types.Snippet `json:"hits"`
	Diagnostics Diagnostics     `json:"diagnostics"`
	Elapsed     time.Duration   `json:"elapsed_ns"`
}

type cacheEntry struct {
	response  *QueryResponse
	expiresAt time.Time
}

// Searcher runs the query pipeline over the registered providers.
type Searcher struct {
	store    storage.Storage
	registry *Registry
	settings Settings
	logger   *zap.Logger

	cacheMu sync.Mutex
	cache   *lru.Cache[[32]byte, *cacheEntry]
	// generation counts invalidations; a response computed across one is
	// not cached
	generation uint64
}

// New creates a Searcher. Providers enabled in settings must be registered.
func New(store storage.Storage, registry *Registry, settings Settings, logger *zap.Logger) (*Searcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for id := range settings.Weights {
		if _, ok := registry.Get(id); !ok {
			return nil, errors.Errorf("provider %q is enabled but not registered", id)
		}
	}
	s := &Searcher{store: store, registry: registry, settings: settings, logger: logger.Named("searcher")}
	if settings.CacheSize > 0 {
		cache, err := lru.New[[32]byte, *cacheEntry](settings.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "create query cache")
		}
		s.cache = cache
	}
	return s, nil
}

// Settings returns the pipeline defaults.
func (s *Searcher) Settings() Settings { return s.settings }

// resolved is a QueryRequest with defaults applied.
type resolved struct {
	text      string
	scope     *storage.SearchFilters
	budget    int
	k         int
	providers []string
	mmr       bool
	lambda    float64
	expand    bool
}

func (s *Searcher) resolve(req QueryRequest) (*resolved, error) {
	r := &resolved{
		text:   strings.TrimSpace(req.Text),
		scope:  req.Scope,
		budget: req.TokenBudget,
		k:      req.K,
		mmr:    s.settings.MMR,
		lambda: s.settings.Lambda,
		expand: s.settings.Expand && s.settings.Window > 0,
	}
	if r.text == "" {
		return nil, types.NewValidationError("query text must not be empty")
	}
	switch {
	case r.budget == 0:
		r.budget = s.settings.DefaultTokens
	case r.budget < 0:
		return nil, types.NewValidationError("token budget must be positive, got %d", r.budget)
	case s.settings.MaxTokens > 0 && r.budget > s.settings.MaxTokens:
		return nil, types.NewValidationError("token budget %d exceeds the maximum of %d", r.budget, s.settings.MaxTokens)
	}
	switch {
	case r.k == 0:
		r.k = s.settings.DefaultK
	case r.k < 0:
		return nil, types.NewValidationError("k must be positive, got %d", r.k)
	}
	if req.MMR != nil {
		r.mmr = *req.MMR
	}
	if req.Lambda != nil {
		if *req.Lambda < 0 || *req.Lambda > 1 {
			return nil, types.NewValidationError("lambda must be in [0, 1], got %v", *req.Lambda)
		}
		r.lambda = *req.Lambda
	}
	if req.Expand != nil {
		r.expand = *req.Expand && s.settings.Window > 0
	}

	if len(req.Providers) == 0 {
		for id := range s.settings.Weights {
			r.providers = append(r.providers, id)
		}
	} else {
		seen := make(map[string]bool, len(req.Providers))
		for _, id := range req.Providers {
			if _, ok := s.settings.Weights[id]; !ok {
				return nil, types.NewValidationError("provider %q is unknown or disabled", id)
			}
			if !seen[id] {
				seen[id] = true
				r.providers = append(r.providers, id)
			}
		}
	}
	sort.Strings(r.providers)
	return r, nil
}

// Query fans the request out to providers and returns at most K hits whose
// token total fits the budget.
func (s *Searcher) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	r, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	key := cacheKey(r)
	cached, gen := s.cached(key)
	if cached != nil {
		cached.Diagnostics.CacheHit = true
		cached.Elapsed = time.Since(start)
		return cached, nil
	}

	diag := Diagnostics{TokenBudget: r.budget, K: r.k, MMR: r.mmr, Expanded: r.expand}
	if r.mmr {
		diag.Lambda = r.lambda
	}

	snippets, provDiag := s.fanOut(ctx, r)
	diag.Providers = provDiag
	diag.Candidates = len(snippets)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := dedupe(snippets)
	diag.Deduplicated = len(snippets) - len(merged)

	kept := merged[:0]
	for _, sn := range merged {
		if sn.Score < s.settings.MinScore {
			diag.Filtered++
			continue
		}
		kept = append(kept, sn)
	}

	ranked := kept
	if r.mmr && len(kept) > 1 {
		ranked = s.rerank(ctx, kept, r.lambda)
	}

	hits, err := s.accept(ctx, ranked, r, &diag)
	if err != nil {
		return nil, err
	}

	resp := &QueryResponse{Hits: hits, Diagnostics: diag, Elapsed: time.Since(start)}
	s.remember(key, gen, resp)
	s.logger.Debug("query",
		zap.Int("candidates", diag.Candidates),
		zap.Int("hits", len(hits)),
		zap.Int("tokens", diag.TokensUsed),
		zap.Duration("elapsed", resp.Elapsed))
	return resp, nil
}

type providerResult struct {
	snippets []types.Snippet
	diag     ProviderDiagnostics
}

// fanOut queries providers concurrently. A failing or slow provider only
// loses its own results.
func (s *Searcher) fanOut(ctx context.Context, r *resolved) ([]types.Snippet, []ProviderDiagnostics) {
	results := make([]providerResult, len(r.providers))
	var g errgroup.Group
	for i, id := range r.providers {
		p, _ := s.registry.Get(id)
		weight := s.settings.Weights[id]
		g.Go(func() error {
			results[i] = s.callProvider(ctx, p, weight, r)
			return nil
		})
	}
	_ = g.Wait()

	var all []types.Snippet
	diags := make([]ProviderDiagnostics, len(results))
	for i, res := range results {
		all = append(all, res.snippets...)
		diags[i] = res.diag
	}
	return all, diags
}

func (s *Searcher) callProvider(ctx context.Context, p Provider, weight float64, r *resolved) (res providerResult) {
	res.diag.ID = p.ID()
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res.snippets = nil
			res.diag.Error = fmt.Sprintf("panic: %v", rec)
			s.logger.Error("provider panicked", zap.String("provider", p.ID()), zap.Any("panic", rec))
		}
		res.diag.Duration = time.Since(start)
	}()

	pctx := ctx
	if s.settings.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, s.settings.ProviderTimeout)
		defer cancel()
	}

	snippets, err := p.GetContext(pctx, r.text, r.scope, r.budget)
	if err != nil {
		res.diag.Error = err.Error()
		s.logger.Warn("provider failed", zap.String("provider", p.ID()), zap.Error(err))
		return res
	}
	for i := range snippets {
		snippets[i].Score = clamp01(snippets[i].Score) * weight
		if len(snippets[i].Sources) == 0 {
			snippets[i].Sources = []string{p.ID()}
		}
	}
	res.snippets = snippets
	res.diag.Count = len(snippets)
	return res
}

// dedupe merges snippets sharing (chunk id, path), keeping the highest score
// and the union of sources, and orders the result by score.
func dedupe(snippets []types.Snippet) []types.Snippet {
	index := make(map[types.SnippetKey]int, len(snippets))
	out := make([]types.Snippet, 0, len(snippets))
	for _, sn := range snippets {
		i, ok := index[sn.Key()]
		if !ok {
			sn.Sources = append([]string(nil), sn.Sources...)
			index[sn.Key()] = len(out)
			out = append(out, sn)
			continue
		}
		cur := &out[i]
		if sn.Score > cur.Score {
			cur.Score = sn.Score
		}
		for _, src := range sn.Sources {
			if !slices.Contains(cur.Sources, src) {
				cur.Sources = append(cur.Sources, src)
			}
		}
	}
	for i := range out {
		sort.Strings(out[i].Sources)
	}
	sortByScore(out)
	return out
}

func sortByScore(snippets []types.Snippet) {
	sort.SliceStable(snippets, func(i, j int) bool {
		a, b := snippets[i], snippets[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Ordinal < b.Ordinal
	})
}

// rerank orders snippets by maximal marginal relevance over their stored
// embeddings. Without embeddings the relevance order is kept.
func (s *Searcher) rerank(ctx context.Context, snippets []types.Snippet, lambda float64) []types.Snippet {
	ids := make([]int64, len(snippets))
	for i, sn := range snippets {
		ids[i] = sn.ChunkID
	}
	vectors, err := s.store.GetEmbeddings(ctx, ids)
	if err != nil {
		s.logger.Warn("mmr skipped, embeddings unavailable", zap.Error(err))
		return snippets
	}
	embs := make([][]float32, len(snippets))
	for i, sn := range snippets {
		embs[i] = vectors[sn.ChunkID]
	}
	order := MMR(relevances(snippets), embs, lambda, len(snippets))
	out := make([]types.Snippet, len(order))
	for i, idx := range order {
		out[i] = snippets[idx]
	}
	return out
}

func relevances(snippets []types.Snippet) []float64 {
	rel := make([]float64, len(snippets))
	for i, sn := range snippets {
		rel[i] = sn.Score
	}
	return rel
}

// MMR returns up to n indexes into relevance, picking at each step the item
// maximizing lambda*relevance - (1-lambda)*max similarity to the items
// already picked. Similarity is cosine over embeddings; a missing embedding
// is dissimilar to everything. Ties keep the earlier index.
func MMR(relevance []float64, embeddings [][]float32, lambda float64, n int) []int {
	if n > len(relevance) {
		n = len(relevance)
	}
	picked := make([]int, 0, n)
	used := make([]bool, len(relevance))
	// maxSim[i] is the highest similarity of i to any picked item
	maxSim := make([]float64, len(relevance))

	for len(picked) < n {
		best, bestScore := -1, 0.0
		for i := range relevance {
			if used[i] {
				continue
			}
			score := lambda * relevance[i]
			if len(picked) > 0 {
				score -= (1 - lambda) * maxSim[i]
			}
			if best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}
		used[best] = true
		picked = append(picked, best)
		for i := range relevance {
			if used[i] {
				continue
			}
			if sim := cosine(embeddings[best], embeddings[i]); sim > maxSim[i] || len(picked) == 1 {
				maxSim[i] = sim
			}
		}
	}
	return picked
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// accept walks the ranked snippets, expanding each when enabled, and keeps
// them while they fit the budget. The first snippet that does not fit ends
// the walk.
func (s *Searcher) accept(ctx context.Context, ranked []types.Snippet, r *resolved, diag *Diagnostics) ([]types.Snippet, error) {
	hits := make([]types.Snippet, 0, min(r.k, len(ranked)))
	cov := newCoverage()
	remaining := r.budget

	for i, sn := range ranked {
		if len(hits) == r.k {
			break
		}
		if cov.has(sn.FileID, sn.Ordinal) {
			diag.Merged++
			continue
		}

		candidate := sn
		if r.expand {
			expanded, err := s.expand(ctx, sn, cov)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.Warn("neighbor expansion failed", zap.String("path", sn.Path), zap.Error(err))
			} else if expanded.Tokens <= remaining {
				candidate = expanded
			}
		}

		if candidate.Tokens > remaining {
			diag.Dropped = len(ranked) - i
			break
		}
		remaining -= candidate.Tokens
		cov.add(candidate.FileID, candidate.Ordinal)
		for _, o := range candidate.Neighbors {
			cov.add(candidate.FileID, o)
		}
		hits = append(hits, candidate)
	}
	diag.TokensUsed = r.budget - remaining
	return hits, nil
}

// coverage records which chunks are already part of an accepted hit.
type coverage map[int64]map[int]bool

func newCoverage() coverage { return make(coverage) }

func (c coverage) has(fileID int64, ordinal int) bool {
	return c[fileID][ordinal]
}

func (c coverage) add(fileID int64, ordinal int) {
	m, ok := c[fileID]
	if !ok {
		m = make(map[int]bool)
		c[fileID] = m
	}
	m[ordinal] = true
}

// cacheKey hashes the resolved request.
func cacheKey(r *resolved) [32]byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%d|%s|%t|%.4f|%t", r.text, r.budget, r.k, strings.Join(r.providers, ","), r.mmr, r.lambda, r.expand)
	if f := r.scope; f != nil {
		fmt.Fprintf(&b, "|p=%s|l=%s|k=%s|x=%s",
			strings.Join(f.PathPrefixes, ","), strings.Join(f.Languages, ","),
			strings.Join(f.Kinds, ","), strings.Join(f.ExcludeGlobs, ","))
	}
	return sha256.Sum256([]byte(b.String()))
}

// cached returns a copy of the cached response for key, if any, and the
// cache generation the caller must hand back to remember.
func (s *Searcher) cached(key [32]byte) (*QueryResponse, uint64) {
	if s.cache == nil {
		return nil, 0
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	entry, ok := s.cache.Get(key)
	if !ok {
		return nil, s.generation
	}
	if time.Now().After(entry.expiresAt) {
		s.cache.Remove(key)
		return nil, s.generation
	}
	return copyResponse(entry.response), s.generation
}

// remember caches resp unless the cache was invalidated after gen was read.
func (s *Searcher) remember(key [32]byte, gen uint64, resp *QueryResponse) {
	if s.cache == nil || s.settings.CacheTTL <= 0 {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if gen != s.generation {
		return
	}
	s.cache.Add(key, &cacheEntry{response: copyResponse(resp), expiresAt: time.Now().Add(s.settings.CacheTTL)})
}

// InvalidateCache drops every cached response.
func (s *Searcher) InvalidateCache() {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	s.generation++
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// ApplyChange invalidates cached responses whenever the index changes.
func (s *Searcher) ApplyChange(context.Context, storage.ArtifactChange) error {
	s.InvalidateCache()
	return nil
}

// Reset invalidates cached responses.
func (s *Searcher) Reset(context.Context) error {
	s.InvalidateCache()
	return nil
}

func copyResponse(src *QueryResponse) *QueryResponse {
	dst := *src
	dst.Hits = make([]types.Snippet, len(src.Hits))
	for i, h := range src.Hits {
		h.Sources = append([]string(nil), h.Sources...)
		h.Neighbors = append([]int(nil), h.Neighbors...)
		dst.Hits[i] = h
	}
	dst.Diagnostics.Providers = append([]ProviderDiagnostics(nil), src.Diagnostics.Providers...)
	return &dst
}
