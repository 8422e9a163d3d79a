// Package embedder turns chunk text into vectors.
//
// Three providers implement Embedder:
//
//   - local: offline feature hashing of words and identifier parts, 384
//     dimensions by default, deterministic
//   - openai: text-embedding-3-small, 1536 dimensions
//   - jina: jina-embeddings-v3, 1024 dimensions
//
// The HTTP providers retry transient failures with exponential backoff and
// fail fast on client errors and malformed responses.
//
// # Batching and Caching
//
// A Batcher groups chunk texts into provider-sized batches and memoizes each
// vector under "path#ordinal@contentHash", so unchanged chunks are never
// embedded twice while the process runs:
//
//	emb, err := embedder.New(embedder.Config{Provider: "local"})
//	b := embedder.NewBatcher(emb, 32, embedder.NewCache(4096), logger)
//	vectors, err := b.EmbedChunks(ctx, "internal/server/server.go", chunks)
//
// Query text goes through EmbedQuery, cached by the hash of the text.
package embedder
