package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/ctxengine/internal/jobs"
	"github.com/dshills/ctxengine/internal/searcher"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams     = -32602 // Invalid method parameters
	ErrorCodeInternalError     = -32603 // Internal JSON-RPC error
	ErrorCodeJobNotFound       = -32001 // Unknown job id
	ErrorCodeRebuildInProgress = -32002 // Another rebuild holds the lock
	ErrorCodeStoreUnavailable  = -32003 // Index store cannot be reached
	ErrorCodeEmptyQuery        = -32004 // Query parameter is empty
	ErrorCodeTransient         = -32005 // Temporary failure, retry later
)

// handleRebuildIndex handles the rebuild_index tool invocation
func (s *Server) handleRebuildIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	paths, err := getStringSlice(args, "paths")
	if err != nil {
		return nil, err
	}

	res := s.engine.Controller.Rebuild(ctx, jobs.RebuildRequest{
		Paths:        paths,
		Confirm:      getBoolDefault(args, "confirm", false),
		ValidateOnly: getBoolDefault(args, "validate_only", false),
		Background:   getBoolDefault(args, "background", false),
		Parallelism:  getIntDefault(args, "parallelism", 0),
	})
	return operationResult(res)
}

// handleRefreshIndex handles the refresh_index tool invocation
func (s *Server) handleRefreshIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	paths, err := getStringSlice(args, "paths")
	if err != nil {
		return nil, err
	}

	res := s.engine.Controller.Refresh(ctx, jobs.RefreshRequest{
		Paths:       paths,
		Force:       getBoolDefault(args, "force", false),
		Background:  getBoolDefault(args, "background", false),
		Parallelism: getIntDefault(args, "parallelism", 0),
	})
	return operationResult(res)
}

// handleJobStatus returns one job, or every known job when job_id is absent
func (s *Server) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	id := getStringDefault(args, "job_id", "")
	if id == "" {
		return jsonResult(map[string]interface{}{"jobs": s.engine.Controller.Jobs().List()})
	}
	job, err := s.engine.Controller.Jobs().Get(id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, newMCPError(ErrorCodeJobNotFound, "job not found", map[string]interface{}{
				"job_id": id,
			})
		}
		return nil, newMCPError(ErrorCodeInternalError, "job lookup failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return jsonResult(job)
}

// handleQueryContext handles the query_context tool invocation
func (s *Server) handleQueryContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}
	providers, err := getStringSlice(args, "providers")
	if err != nil {
		return nil, err
	}
	scope, err := parseScope(args)
	if err != nil {
		return nil, err
	}

	req := searcher.QueryRequest{
		Text:        query,
		Scope:       scope,
		TokenBudget: getIntDefault(args, "token_budget", 0),
		K:           getIntDefault(args, "k", 0),
		Providers:   providers,
	}
	if v, ok := args["mmr"].(bool); ok {
		req.MMR = &v
	}
	if v, ok := args["lambda"].(float64); ok {
		req.Lambda = &v
	}
	if v, ok := args["expand"].(bool); ok {
		req.Expand = &v
	}

	resp, err := s.engine.Searcher.Query(ctx, req)
	if err != nil {
		return nil, typedMCPError(err)
	}

	hits := make([]hit, 0, len(resp.Hits))
	for _, sn := range resp.Hits {
		hits = append(hits, toHit(sn))
	}
	return jsonResult(map[string]interface{}{
		"hits":        hits,
		"diagnostics": resp.Diagnostics,
		"duration_ms": resp.Elapsed.Milliseconds(),
	})
}

// handleIndexStatus handles the index_status tool invocation
func (s *Server) handleIndexStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeStoreUnavailable, "status unavailable", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return jsonResult(st)
}

// hit is the wire form of a retrieved snippet
type hit struct {
	ChunkID   int64    `json:"chunk_id"`
	Path      string   `json:"path"`
	Language  string   `json:"language"`
	Kind      string   `json:"kind"`
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
	Score     float64  `json:"score"`
	Tokens    int      `json:"tokens"`
	Sources   []string `json:"sources"`
	Summary   string   `json:"summary,omitempty"`
	Neighbors []int    `json:"neighbors,omitempty"`
	Text      string   `json:"text"`
}

func toHit(sn types.Snippet) hit {
	return hit{
		ChunkID:   sn.ChunkID,
		Path:      sn.Path,
		Language:  sn.Language,
		Kind:      string(sn.Kind),
		StartLine: sn.StartLine,
		EndLine:   sn.EndLine,
		Score:     sn.Score,
		Tokens:    sn.Tokens,
		Sources:   sn.Sources,
		Summary:   sn.Summary,
		Neighbors: sn.Neighbors,
		Text:      sn.Text,
	}
}

// parseScope reads the optional scope object
func parseScope(args map[string]interface{}) (*storage.SearchFilters, error) {
	raw, ok := args["scope"]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "scope must be an object", map[string]interface{}{
			"param": "scope",
		})
	}
	var (
		f   storage.SearchFilters
		err error
	)
	if f.PathPrefixes, err = getStringSlice(obj, "path_prefixes"); err != nil {
		return nil, err
	}
	if f.Languages, err = getStringSlice(obj, "languages"); err != nil {
		return nil, err
	}
	if f.Kinds, err = getStringSlice(obj, "kinds"); err != nil {
		return nil, err
	}
	if f.ExcludeGlobs, err = getStringSlice(obj, "exclude_globs"); err != nil {
		return nil, err
	}
	return &f, nil
}

// operationResult maps a rejected operation to an MCP error and returns
// anything else, failures included, as the JSON result
func operationResult(res *jobs.OperationResult) (*mcp.CallToolResult, error) {
	if res.Status == types.StatusError && res.Error != nil {
		return nil, newMCPError(codeFor(res.Error.Code), res.Error.Message, map[string]interface{}{
			"code":      res.Error.Code,
			"retryable": res.Error.Retryable,
			"phase":     res.Phase,
		})
	}
	return jsonResult(res)
}

// typedMCPError converts a typed engine error into an MCP error
func typedMCPError(err error) error {
	typed, ok := types.AsError(err)
	if !ok {
		return newMCPError(ErrorCodeInternalError, "internal error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return newMCPError(codeFor(typed.Code), typed.Message, map[string]interface{}{
		"code":      typed.Code,
		"retryable": typed.Retryable,
	})
}

func codeFor(code types.ErrorCode) int {
	switch code {
	case types.CodeValidation:
		return ErrorCodeInvalidParams
	case types.CodeConflict:
		return ErrorCodeRebuildInProgress
	case types.CodeNotFound:
		return ErrorCodeJobNotFound
	case types.CodeStoreUnavailable:
		return ErrorCodeStoreUnavailable
	case types.CodeTransient:
		return ErrorCodeTransient
	default:
		return ErrorCodeInternalError
	}
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// jsonResult formats v as indented JSON text
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "encode result", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return mcp.NewToolResultText(string(bytes)), nil
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// getStringSlice extracts an optional array of strings
func getStringSlice(args map[string]interface{}, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, newMCPError(ErrorCodeInvalidParams, key+" must contain only strings", map[string]interface{}{
					"param": key,
				})
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, newMCPError(ErrorCodeInvalidParams, key+" must be an array of strings", map[string]interface{}{
		"param": key,
	})
}
