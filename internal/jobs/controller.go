package jobs

import (
	"context"
	"time"

	"github.com/Laisky/zap"
	"github.com/google/uuid"

	"github.com/dshills/ctxengine/internal/discovery"
	"github.com/dshills/ctxengine/internal/indexer"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

// Rebuild phases, in order.
const (
	PhaseValidation  = "validation"
	PhasePreRebuild  = "pre-rebuild"
	PhaseDestructive = "destructive"
	PhaseRebuild     = "rebuild"
	PhasePostRebuild = "post-rebuild"
	PhaseRefresh     = "refresh"
	PhaseCompleted   = "completed"
	PhaseFailed      = "failed"
)

// Indexer is the indexing surface the controller drives.
type Indexer interface {
	Bootstrap(ctx context.Context, opts indexer.BootstrapOptions) (*indexer.BootstrapResult, error)
	Refresh(ctx context.Context, opts indexer.RefreshOptions) (*indexer.RefreshResult, error)
	Eligible(ctx context.Context, paths []string) ([]discovery.FileInfo, error)
	ValidatePaths(paths []string) error
	ResetSinks(ctx context.Context) error
	PurgeCache()
}

// Store is the part of the persistence layer rebuilds use.
type Store interface {
	ResetAll(ctx context.Context) error
	Optimize(ctx context.Context) error
	GetStatus(ctx context.Context) (*storage.Status, error)
}

// Pauser suspends file watching while fn runs.
type Pauser interface {
	PauseWhile(fn func())
}

// RebuildRequest asks for a destructive full rebuild.
type RebuildRequest struct {
	Paths        []string
	Confirm      bool
	ValidateOnly bool
	Background   bool
	Parallelism  int
}

// RefreshRequest asks for an incremental refresh.
type RefreshRequest struct {
	Paths       []string
	Force       bool
	Background  bool
	Parallelism int
}

// ErrorInfo is the wire form of a typed error.
type ErrorInfo struct {
	Code      types.ErrorCode `json:"code"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

// OperationResult is returned by Rebuild and Refresh, and stored in the job
// once a background run finishes.
type OperationResult struct {
	Operation     string                   `json:"operation"`
	Status        types.OperationStatus    `json:"status"`
	Phase         string                   `json:"phase"`
	Message       string                   `json:"message,omitempty"`
	JobID         string                   `json:"job_id,omitempty"`
	EligibleFiles int                      `json:"eligible_files,omitempty"`
	PreStatus     *storage.Status          `json:"pre_status,omitempty"`
	Bootstrap     *indexer.BootstrapResult `json:"bootstrap,omitempty"`
	Refresh       *indexer.RefreshResult   `json:"refresh,omitempty"`
	Error         *ErrorInfo               `json:"error,omitempty"`
	Elapsed       time.Duration            `json:"elapsed"`
}

// Config configures a Controller.
type Config struct {
	Jobs JobStore
	// Pauser may be nil when no watcher runs.
	Pauser Pauser
	// LockPath is the cross-process rebuild lock file; empty disables it.
	LockPath string
	// Priority is the bootstrap file ordering used by rebuilds.
	Priority string
	// Retention is how long finished jobs stay visible (default: 1h).
	Retention time.Duration
	Logger    *zap.Logger
}

// Controller runs rebuilds and refreshes, synchronously or as jobs.
type Controller struct {
	indexer   Indexer
	store     Store
	jobs      JobStore
	pauser    Pauser
	lock      *RebuildLock
	priority  string
	retention time.Duration
	logger    *zap.Logger
}

// NewController creates a controller.
func NewController(idx Indexer, store Store, cfg Config) *Controller {
	if cfg.Jobs == nil {
		cfg.Jobs = NewMemoryJobStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &Controller{
		indexer:   idx,
		store:     store,
		jobs:      cfg.Jobs,
		pauser:    cfg.Pauser,
		lock:      NewRebuildLock(cfg.LockPath),
		priority:  cfg.Priority,
		retention: cfg.Retention,
		logger:    cfg.Logger.Named("jobs"),
	}
}

// Jobs returns the job store.
func (c *Controller) Jobs() JobStore { return c.jobs }

// RebuildInProgress reports whether this process holds the rebuild lock.
func (c *Controller) RebuildInProgress() bool { return c.lock.Held() }

func rejected(op, phase string, err *types.Error) *OperationResult {
	return &OperationResult{
		Operation: op,
		Status:    types.StatusError,
		Phase:     phase,
		Message:   err.Message,
		Error:     &ErrorInfo{Code: err.Code, Message: err.Message, Retryable: err.Retryable},
	}
}

func failure(res *OperationResult, err error) *OperationResult {
	res.Status = types.StatusFailed
	res.Phase = PhaseFailed
	res.Message = err.Error()
	info := &ErrorInfo{Code: types.CodeTransient, Message: err.Error(), Retryable: true}
	if typed, ok := types.AsError(err); ok {
		info.Code = typed.Code
		info.Retryable = typed.Retryable
	}
	res.Error = info
	return res
}

// outcome maps file counts to a terminal status.
func outcome(succeeded, failed int) types.OperationStatus {
	switch {
	case failed == 0:
		return types.StatusCompleted
	case succeeded == 0:
		return types.StatusFailed
	default:
		return types.StatusCompletedWithErrors
	}
}

// Rebuild wipes the index and rebuilds it from scratch.
func (c *Controller) Rebuild(ctx context.Context, req RebuildRequest) *OperationResult {
	start := time.Now()
	if !req.Confirm && !req.ValidateOnly {
		return rejected(KindRebuild, PhaseValidation,
			types.NewValidationError("rebuild is destructive: confirm must be true"))
	}
	if req.Parallelism < 0 {
		return rejected(KindRebuild, PhaseValidation,
			types.NewValidationError("parallelism must be >= 1, got %d", req.Parallelism))
	}
	if err := c.indexer.ValidatePaths(req.Paths); err != nil {
		return rejected(KindRebuild, PhaseValidation, types.NewValidationError("%v", err))
	}

	if req.ValidateOnly {
		if c.lock.Held() {
			return rejected(KindRebuild, PhaseValidation,
				types.NewConflictError("a rebuild is already in progress"))
		}
		files, err := c.indexer.Eligible(ctx, req.Paths)
		if err != nil {
			return failure(&OperationResult{Operation: KindRebuild}, err)
		}
		return &OperationResult{
			Operation:     KindRebuild,
			Status:        types.StatusCompleted,
			Phase:         PhaseValidation,
			Message:       "validation passed",
			EligibleFiles: len(files),
			Elapsed:       time.Since(start),
		}
	}

	ok, err := c.lock.TryAcquire()
	if err != nil {
		return failure(&OperationResult{Operation: KindRebuild}, err)
	}
	if !ok {
		return rejected(KindRebuild, PhaseValidation,
			types.NewConflictError("a rebuild is already in progress"))
	}

	if !req.Background {
		defer c.releaseLock()
		return c.runRebuild(ctx, "", req, start)
	}

	job, err := c.startJob(KindRebuild, req.Paths, PhasePreRebuild)
	if err != nil {
		c.releaseLock()
		return failure(&OperationResult{Operation: KindRebuild}, err)
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer c.releaseLock()
		c.finishJob(job, c.runRebuild(bg, job.ID, req, start))
	}()
	return &OperationResult{
		Operation: KindRebuild,
		Status:    types.StatusRunning,
		Phase:     PhasePreRebuild,
		JobID:     job.ID,
		Message:   "rebuild started",
	}
}

func (c *Controller) releaseLock() {
	if err := c.lock.Release(); err != nil {
		c.logger.Error("release rebuild lock", zap.Error(err))
	}
}

func (c *Controller) runRebuild(ctx context.Context, jobID string, req RebuildRequest, start time.Time) *OperationResult {
	res := &OperationResult{Operation: KindRebuild, JobID: jobID}
	c.pauseWhile(func() {
		c.setPhase(jobID, PhasePreRebuild)
		status, err := c.store.GetStatus(ctx)
		if err != nil {
			failure(res, err)
			return
		}
		res.PreStatus = status

		c.setPhase(jobID, PhaseDestructive)
		c.logger.Warn("resetting index", zap.Int("files", status.FilesCount), zap.Int("chunks", status.ChunksCount))
		if err := c.store.ResetAll(ctx); err != nil {
			failure(res, err)
			return
		}
		if err := c.indexer.ResetSinks(ctx); err != nil {
			failure(res, err)
			return
		}
		c.indexer.PurgeCache()

		c.setPhase(jobID, PhaseRebuild)
		boot, err := c.indexer.Bootstrap(ctx, indexer.BootstrapOptions{
			Paths:       req.Paths,
			Parallelism: req.Parallelism,
			Priority:    c.priority,
			Progress:    c.progressFn(jobID),
		})
		res.Bootstrap = boot
		if err != nil {
			failure(res, err)
			return
		}

		c.setPhase(jobID, PhasePostRebuild)
		if err := c.store.Optimize(ctx); err != nil {
			c.logger.Warn("optimize after rebuild", zap.Error(err))
		}

		res.Status = outcome(boot.Succeeded, boot.Failed)
		res.Phase = PhaseCompleted
		if res.Status == types.StatusFailed {
			res.Phase = PhaseFailed
		}
	})
	res.Elapsed = time.Since(start)
	c.logger.Info("rebuild finished",
		zap.String("status", string(res.Status)),
		zap.Duration("elapsed", res.Elapsed))
	return res
}

// Refresh runs an incremental refresh. It takes no lock.
func (c *Controller) Refresh(ctx context.Context, req RefreshRequest) *OperationResult {
	start := time.Now()
	if req.Parallelism < 0 {
		return rejected(KindRefresh, PhaseValidation,
			types.NewValidationError("parallelism must be >= 1, got %d", req.Parallelism))
	}
	if err := c.indexer.ValidatePaths(req.Paths); err != nil {
		return rejected(KindRefresh, PhaseValidation, types.NewValidationError("%v", err))
	}

	if !req.Background {
		return c.runRefresh(ctx, "", req, start)
	}

	job, err := c.startJob(KindRefresh, req.Paths, PhaseRefresh)
	if err != nil {
		return failure(&OperationResult{Operation: KindRefresh}, err)
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		c.finishJob(job, c.runRefresh(bg, job.ID, req, start))
	}()
	return &OperationResult{
		Operation: KindRefresh,
		Status:    types.StatusRunning,
		Phase:     PhaseRefresh,
		JobID:     job.ID,
		Message:   "refresh started",
	}
}

func (c *Controller) runRefresh(ctx context.Context, jobID string, req RefreshRequest, start time.Time) *OperationResult {
	res := &OperationResult{Operation: KindRefresh, JobID: jobID, Phase: PhaseRefresh}
	c.pauseWhile(func() {
		c.setPhase(jobID, PhaseRefresh)
		out, err := c.indexer.Refresh(ctx, indexer.RefreshOptions{
			Paths:       req.Paths,
			Parallelism: req.Parallelism,
			Force:       req.Force,
			Progress:    c.progressFn(jobID),
		})
		res.Refresh = out
		if err != nil {
			failure(res, err)
			return
		}
		res.Status = outcome(out.Succeeded, out.Failed)
		res.Phase = PhaseCompleted
		if res.Status == types.StatusFailed {
			res.Phase = PhaseFailed
		}
	})
	res.Elapsed = time.Since(start)
	return res
}

func (c *Controller) pauseWhile(fn func()) {
	if c.pauser == nil {
		fn()
		return
	}
	c.pauser.PauseWhile(fn)
}

func (c *Controller) startJob(kind string, paths []string, phase string) (*Job, error) {
	if n := c.jobs.RemoveCompleted(c.retention); n > 0 {
		c.logger.Debug("pruned finished jobs", zap.Int("count", n))
	}
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Paths:     paths,
		Status:    types.StatusRunning,
		Phase:     phase,
		StartedAt: time.Now(),
		task:      newTask(),
	}
	if err := c.jobs.Create(job); err != nil {
		return nil, err
	}
	c.logger.Info("job started", zap.String("job_id", job.ID), zap.String("kind", kind))
	return job, nil
}

func (c *Controller) finishJob(job *Job, res *OperationResult) {
	now := time.Now()
	err := c.jobs.Update(job.ID, func(j *Job) {
		j.Status = res.Status
		j.Phase = res.Phase
		j.FinishedAt = &now
		j.Result = res
		if res.Error != nil {
			j.Error = res.Error.Message
		}
	})
	if err != nil {
		c.logger.Warn("update finished job", zap.String("job_id", job.ID), zap.Error(err))
	}
	job.task.finish(res)
	c.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(res.Status)))
}

func (c *Controller) setPhase(jobID, phase string) {
	if jobID == "" {
		return
	}
	_ = c.jobs.Update(jobID, func(j *Job) { j.Phase = phase })
}

func (c *Controller) progressFn(jobID string) func(indexer.Snapshot) {
	if jobID == "" {
		return nil
	}
	return func(s indexer.Snapshot) {
		_ = c.jobs.Update(jobID, func(j *Job) {
			j.Total = s.Total
			j.Processed = s.Processed
			j.Succeeded = s.Succeeded
			j.Failed = s.Failed
		})
		c.logger.Debug("job progress", zap.String("job_id", jobID), zap.Float64("percent", s.Percent()))
	}
}
