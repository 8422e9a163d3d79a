// Package storage persists the file catalog, chunks, embeddings and links
// in SQLite.
//
// # Database Schema
//
// Tables:
//   - files: one row per path ever seen, soft deleted when absent
//   - chunks: ordered segments of a file with line spans and token counts
//   - chunks_fts: FTS5 index over chunk content and summary
//   - embeddings: one vector per chunk, little-endian float32
//   - links: references from a chunk to another file or chunk
//   - schema_version: applied migrations
//
// # Atomicity
//
// Everything derived from one file is written by SyncFileArtifacts in a
// single transaction. A failure leaves the previous artifacts in place:
//
//	res, err := store.SyncFileArtifacts(ctx, &storage.FileArtifacts{
//	    File:       file,
//	    Chunks:     chunks,
//	    Embeddings: vectors,
//	})
//
// Deleting chunks cascades to their embeddings and outbound links. The FTS
// index is kept in sync by triggers.
//
// # Search
//
// SearchVector ranks by cosine similarity, computed by the sqlite-vec
// extension when built with the sqlite_vec tag and in Go otherwise.
// SearchText and SearchSymbols run BM25 over chunk content and summaries.
// All three honor SearchFilters and never return chunks of deleted files.
//
// # Build Tags
//
// The default build uses modernc.org/sqlite and needs no C compiler:
//
//	CGO_ENABLED=0 go build ./...
//
// The sqlite_vec tag switches to github.com/mattn/go-sqlite3:
//
//	CGO_ENABLED=1 go build -tags "sqlite_vec,fts5" ./...
package storage
