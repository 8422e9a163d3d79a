// Package types provides shared type definitions for the context engine.
//
// # Core Types
//
// Chunk is a chunker's output: a contiguous, 1-based inclusive line span of
// one file with a kind tag and a short summary:
//
//	chunk := types.Chunk{
//	    Ordinal:   0,
//	    Kind:      types.KindMarkdownSection,
//	    StartLine: 1,
//	    EndLine:   3,
//	    Summary:   "Title",
//	}
//
// Snippet is a retrieval candidate. Providers emit snippets with a
// normalized score; the query pipeline merges, filters and reorders them
// into hits.
//
// OperationStatus is the status vocabulary shared by indexing runs and
// background jobs.
//
// # Errors
//
// Error carries an ErrorCode and a Retryable flag so transport layers can
// map failures without string matching:
//
//	if types.IsCode(err, types.CodeConflict) {
//	    // another rebuild holds the lock
//	}
package types
