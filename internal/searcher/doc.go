// Package searcher implements the query pipeline: multi-provider fan-out,
// deduplication, score filtering, maximal-marginal-relevance reranking,
// neighbor expansion and token budget enforcement.
//
// # Basic Usage
//
//	reg := searcher.NewRegistry()
//	_ = reg.Register(searcher.NewVectorProvider(store, batcher))
//	_ = reg.Register(searcher.NewSymbolProvider(store))
//
//	s, err := searcher.New(store, reg, searcher.SettingsFromConfig(cfg.Retrieval), logger)
//	resp, err := s.Query(ctx, searcher.QueryRequest{
//	    Text:        "how are rebuild locks released",
//	    TokenBudget: 2000,
//	    K:           10,
//	})
//	for _, hit := range resp.Hits {
//	    fmt.Printf("%s:%d-%d %.2f %v\n", hit.Path, hit.StartLine, hit.EndLine, hit.Score, hit.Sources)
//	}
//
// # Providers
//
// A Provider returns snippets scored in [0, 1]. The pipeline multiplies each
// score by the provider weight from configuration. Built-in providers:
//
//   - vector: cosine similarity of the query embedding against stored
//     embeddings (SQLite, exact)
//   - symbol: FTS5 BM25 over chunk summaries, relative to the best hit
//   - fulltext: bleve index over chunk text and summaries, kept current as an
//     indexer sink
//   - ann: in-memory HNSW graph (coder/hnsw), kept current as an indexer sink
//
// Providers run concurrently, each under its own timeout. A provider that
// fails, times out or panics contributes no snippets; its error is reported
// in Diagnostics and the query continues.
//
// # Ranking
//
// Snippets sharing (chunk id, path) are merged, keeping the best score and
// the union of sources. Snippets under min_score are filtered. With MMR the
// remaining snippets are reordered by
//
//	lambda*relevance - (1-lambda)*max cosine(snippet, already picked)
//
// so lambda=1 keeps relevance order and lambda=0 picks for dissimilarity.
//
// # Budget
//
// Hits are accepted in ranked order until K hits are taken or the next hit
// does not fit the remaining token budget. That hit is dropped, never
// truncated, and acceptance stops. With expansion enabled each accepted hit
// absorbs its neighbors within the window; when the expanded hit does not
// fit, the bare hit is tried instead. Later hits already absorbed by an
// earlier expansion are skipped.
//
// # Caching
//
// Responses are cached in an LRU keyed by the resolved request. The Searcher
// is registered as an indexer sink, so any index change clears the cache.
package searcher
