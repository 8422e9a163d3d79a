package indexer

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/dshills/ctxengine/internal/discovery"
	"github.com/dshills/ctxengine/pkg/types"
)

// RefreshOptions configures an incremental run.
type RefreshOptions struct {
	// Paths limits the run to files under these paths (absolute or relative
	// to the project root). Empty means the whole project.
	Paths []string
	// Parallelism is the worker count; 0 uses the indexer default.
	Parallelism int
	// Force re-indexes every discovered file, changed or not.
	Force bool
	// Progress, when set, is called at least once per file, possibly from
	// several goroutines.
	Progress func(Snapshot)
}

// RefreshResult summarizes an incremental run.
type RefreshResult struct {
	New        int           `json:"new"`
	Modified   int           `json:"modified"`
	Deleted    int           `json:"deleted"`
	Unchanged  int           `json:"unchanged"`
	Touched    int           `json:"touched"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Errors     []FileError   `json:"errors,omitempty"`
	ErrorCount int           `json:"error_count"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Refresh brings the index in line with the files under opts.Paths: new and
// modified files are indexed, deleted ones retired and touched ones have
// their stat data refreshed.
func (idx *Indexer) Refresh(ctx context.Context, opts RefreshOptions) (*RefreshResult, error) {
	start := time.Now()
	parallelism, err := idx.resolveParallelism(opts.Parallelism)
	if err != nil {
		return nil, err
	}
	roots, scope, err := idx.resolvePaths(opts.Paths)
	if err != nil {
		return nil, err
	}

	progress := NewProgressTracker(opts.Progress)
	errlog := NewErrorLogger(idx.logger, idx.errorRetention)
	result := &RefreshResult{}
	finish := func() {
		result.Errors = errlog.Errors()
		result.ErrorCount = errlog.Total()
		result.Elapsed = time.Since(start)
		progress.SetStage(StageDone)
	}

	progress.SetStage(StageScanning)
	scan, err := idx.scanner.Scan(ctx, roots)
	if err != nil {
		return nil, errors.Wrap(err, "scan")
	}

	progress.SetStage(StageDetecting)
	set, err := idx.detector.Detect(ctx, scan.Files, scope)
	if err != nil {
		return nil, errors.Wrap(err, "detect changes")
	}
	result.New, result.Modified, result.Deleted, result.Unchanged = set.Counts()
	result.Touched = len(set.Touched)

	pending := set.Pending()
	if opts.Force {
		pending = scan.Files
	}
	tasks := make([]FileTask, len(pending))
	for i, f := range pending {
		tasks[i] = FileTask{File: f}
		if h, ok := set.Fingerprint[f.RelPath]; ok {
			tasks[i].Hash = h
			tasks[i].HasHash = true
		}
	}

	idx.logger.Info("refresh started",
		zap.Int("new", result.New),
		zap.Int("modified", result.Modified),
		zap.Int("deleted", result.Deleted),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("indexing", len(tasks)),
		zap.Bool("force", opts.Force))

	progress.SetTotal(len(tasks) + len(set.Deleted))
	progress.SetStage(StageIndexing)
	results, runErr := idx.IndexFiles(ctx, tasks, parallelism, func(res FileResult) {
		errlog.Log(res)
		progress.Record(res.Err == nil)
	})
	for _, res := range results {
		if res.Err == nil {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	if runErr != nil {
		finish()
		return result, runErr
	}

	progress.SetStage(StageRetiring)
	for _, rel := range set.Deleted {
		if err := idx.retire(ctx, rel); err != nil {
			// the retired file would stay searchable, so the run cannot succeed
			errlog.Log(FileResult{Path: rel, Stage: StageStore, Err: err})
			progress.Record(false)
			result.Failed++
			finish()
			return result, &types.Error{
				Code:      types.CodeStoreUnavailable,
				Message:   "refresh aborted",
				Retryable: true,
				Cause:     errors.Wrapf(err, "retire %s", rel),
			}
		}
		progress.Record(true)
	}
	idx.touch(ctx, set.Touched)

	finish()
	idx.logger.Info("refresh completed",
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// touch refreshes stored size and mtime for files whose content did not
// change, so the next run skips hashing them.
func (idx *Indexer) touch(ctx context.Context, files []discovery.FileInfo) {
	for _, f := range files {
		if err := idx.store.TouchFile(ctx, f.RelPath, f.Size, f.ModTimeNs); err != nil {
			idx.logger.Warn("touch file failed",
				zap.String("path", f.RelPath),
				zap.Error(err))
		}
	}
}
