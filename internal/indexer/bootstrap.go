package indexer

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/dshills/ctxengine/internal/discovery"
	"github.com/dshills/ctxengine/pkg/types"
)

// File orderings for Bootstrap.
const (
	PrioritySize  = "size"  // smaller files first
	PriorityDepth = "depth" // shallower paths first
	PriorityNone  = "none"  // path order
)

// BootstrapOptions configures a full build.
type BootstrapOptions struct {
	Paths       []string
	Parallelism int
	// Priority is one of PrioritySize, PriorityDepth or PriorityNone.
	// Empty means PriorityNone.
	Priority string
	Progress func(Snapshot)
}

// BootstrapResult summarizes a full build.
type BootstrapResult struct {
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Success    bool          `json:"success"`
	Errors     []FileError   `json:"errors,omitempty"`
	ErrorCount int           `json:"error_count"`
	Skipped    int           `json:"skipped"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Bootstrap indexes every eligible file under opts.Paths without consulting
// the catalog.
func (idx *Indexer) Bootstrap(ctx context.Context, opts BootstrapOptions) (*BootstrapResult, error) {
	start := time.Now()
	parallelism, err := idx.resolveParallelism(opts.Parallelism)
	if err != nil {
		return nil, err
	}
	switch opts.Priority {
	case "", PrioritySize, PriorityDepth, PriorityNone:
	default:
		return nil, types.NewValidationError("unknown priority %q", opts.Priority)
	}
	roots, _, err := idx.resolvePaths(opts.Paths)
	if err != nil {
		return nil, err
	}

	progress := NewProgressTracker(opts.Progress)
	errlog := NewErrorLogger(idx.logger, idx.errorRetention)

	progress.SetStage(StageScanning)
	scan, err := idx.scanner.Scan(ctx, roots)
	if err != nil {
		return nil, errors.Wrap(err, "scan")
	}

	progress.SetStage(StagePrioritizing)
	files := Prioritize(scan.Files, opts.Priority)
	tasks := make([]FileTask, len(files))
	for i, f := range files {
		tasks[i] = FileTask{File: f}
	}
	progress.SetTotal(len(tasks))

	idx.logger.Info("bootstrap started",
		zap.Int("files", len(tasks)),
		zap.Int("skipped", len(scan.Skipped)),
		zap.Int("parallelism", parallelism))

	progress.SetStage(StageIndexing)
	results, runErr := idx.IndexFiles(ctx, tasks, parallelism, func(res FileResult) {
		errlog.Log(res)
		progress.Record(res.Err == nil)
	})

	result := &BootstrapResult{Total: len(tasks), Skipped: len(scan.Skipped)}
	for _, res := range results {
		if res.Err == nil {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	result.Success = runErr == nil && result.Failed == 0
	result.Errors = errlog.Errors()
	result.ErrorCount = errlog.Total()
	result.Elapsed = time.Since(start)
	progress.SetStage(StageDone)

	idx.logger.Info("bootstrap completed",
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", result.Elapsed))
	return result, runErr
}

// Prioritize returns files in indexing order. Ties keep path order.
func Prioritize(files []discovery.FileInfo, priority string) []discovery.FileInfo {
	out := make([]discovery.FileInfo, len(files))
	copy(out, files)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RelPath < out[j].RelPath
	})
	switch priority {
	case PrioritySize:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Size < out[j].Size
		})
	case PriorityDepth:
		sort.SliceStable(out, func(i, j int) bool {
			return strings.Count(out[i].RelPath, "/") < strings.Count(out[j].RelPath, "/")
		})
	}
	return out
}
