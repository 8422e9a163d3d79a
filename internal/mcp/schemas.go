package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func pathsProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": description,
	}
}

// rebuildIndexTool returns the tool definition for rebuild_index
func rebuildIndexTool() mcp.Tool {
	return mcp.Tool{
		Name:        "rebuild_index",
		Description: "Wipe the index and rebuild it from the project files. Destructive: requires confirm=true unless validate_only is set",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"paths": pathsProperty("Project-relative files or directories to rebuild from (default: whole project)"),
				"confirm": map[string]interface{}{
					"type":        "boolean",
					"description": "Must be true to run the destructive rebuild",
					"default":     false,
				},
				"validate_only": map[string]interface{}{
					"type":        "boolean",
					"description": "Only validate the request and count eligible files",
					"default":     false,
				},
				"background": map[string]interface{}{
					"type":        "boolean",
					"description": "Return a job id immediately and rebuild in the background",
					"default":     false,
				},
				"parallelism": map[string]interface{}{
					"type":        "integer",
					"description": "Worker count (default: configured indexing.parallelism)",
					"minimum":     1,
				},
			},
		},
	}
}

// refreshIndexTool returns the tool definition for refresh_index
func refreshIndexTool() mcp.Tool {
	return mcp.Tool{
		Name:        "refresh_index",
		Description: "Incrementally index new and modified files and retire deleted ones",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"paths": pathsProperty("Project-relative files or directories to refresh (default: whole project)"),
				"force": map[string]interface{}{
					"type":        "boolean",
					"description": "Reindex files even when their content hash is unchanged",
					"default":     false,
				},
				"background": map[string]interface{}{
					"type":        "boolean",
					"description": "Return a job id immediately and refresh in the background",
					"default":     false,
				},
				"parallelism": map[string]interface{}{
					"type":        "integer",
					"description": "Worker count (default: configured indexing.parallelism)",
					"minimum":     1,
				},
			},
		},
	}
}

// jobStatusTool returns the tool definition for job_status
func jobStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "job_status",
		Description: "Report progress of a background rebuild or refresh job, or list all jobs",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"job_id": map[string]interface{}{
					"type":        "string",
					"description": "Job id returned by a background operation (omit to list jobs)",
				},
			},
		},
	}
}

// queryContextTool returns the tool definition for query_context
func queryContextTool() mcp.Tool {
	return mcp.Tool{
		Name:        "query_context",
		Description: "Retrieve the most relevant project snippets for a query within a token budget",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural language or keyword query",
				},
				"token_budget": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum total tokens across returned snippets (default: retrieval.default_tokens)",
					"minimum":     1,
				},
				"k": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of snippets (default: retrieval.default_k)",
					"minimum":     1,
				},
				"providers": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string", "enum": []string{"vector", "symbol", "fulltext", "ann"}},
					"description": "Restrict retrieval to these providers (default: all enabled)",
				},
				"scope": map[string]interface{}{
					"type":        "object",
					"description": "Restrict results by path, language or chunk kind",
					"properties": map[string]interface{}{
						"path_prefixes": pathsProperty("Project-relative path prefixes"),
						"languages": map[string]interface{}{
							"type":  "array",
							"items": map[string]interface{}{"type": "string"},
						},
						"kinds": map[string]interface{}{
							"type":  "array",
							"items": map[string]interface{}{"type": "string"},
						},
						"exclude_globs": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "Glob patterns over the relative path; * crosses directories",
						},
					},
				},
				"mmr": map[string]interface{}{
					"type":        "boolean",
					"description": "Override diversity reranking",
				},
				"lambda": map[string]interface{}{
					"type":        "number",
					"description": "MMR relevance weight in [0, 1]",
					"minimum":     0,
					"maximum":     1,
				},
				"expand": map[string]interface{}{
					"type":        "boolean",
					"description": "Override neighbor expansion",
				},
			},
			Required: []string{"query"},
		},
	}
}

// indexStatusTool returns the tool definition for index_status
func indexStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_status",
		Description: "Report index contents, enabled providers, embedding model and running jobs",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
