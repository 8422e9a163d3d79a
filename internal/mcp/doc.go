// Package mcp exposes the engine as Model Context Protocol tools over stdio.
//
// Five tools are registered:
//   - rebuild_index: wipe and rebuild the index (requires confirm=true)
//   - refresh_index: incremental refresh of new, modified and deleted files
//   - job_status: progress of background rebuilds and refreshes
//   - query_context: budgeted multi-provider retrieval
//   - index_status: index counts, providers, embedding model and jobs
//
// # Protocol Overview
//
// MCP is JSON-RPC 2.0 over stdio. stdout carries protocol messages only;
// logs go to stderr.
//
//	Client → Server: {"method": "tools/call", "params": {"name": "query_context", "arguments": {...}}}
//	Server → Client: {"result": {"content": [{"type": "text", "text": "{...}"}]}}
//
// Results are indented JSON text.
//
// # Tool: rebuild_index
//
//	{"confirm": true, "paths": ["internal"], "background": true}
//
// Without confirm the call fails with -32602. With background=true the
// response carries a job_id to poll with job_status. A second rebuild while
// one holds the lock fails with -32002. validate_only checks the request and
// reports the number of eligible files without touching the index.
//
// # Tool: refresh_index
//
//	{"paths": ["docs/guide.md"], "force": false}
//
// Returns counts of new, modified, deleted, unchanged and touched files.
// Per-file failures are reported in the result and do not abort the run.
//
// # Tool: query_context
//
//	{
//	  "query": "how does the rebuild lock work",
//	  "token_budget": 4000,
//	  "k": 10,
//	  "providers": ["vector", "fulltext"],
//	  "scope": {"path_prefixes": ["internal/"], "exclude_globs": ["*_test.go"]},
//	  "mmr": true,
//	  "lambda": 0.7
//	}
//
// Response:
//
//	{
//	  "hits": [{"chunk_id": 12, "path": "internal/jobs/lock.go", "score": 0.91, "sources": ["vector", "fulltext"], ...}],
//	  "diagnostics": {"candidates": 31, "deduplicated": 9, "tokens_used": 1840, ...},
//	  "duration_ms": 14
//	}
//
// # Error Codes
//
//	-32602  invalid parameters (validation errors)
//	-32603  internal error
//	-32001  job not found
//	-32002  rebuild already in progress
//	-32003  store unavailable
//	-32004  empty query
//	-32005  transient failure, retry later
package mcp
