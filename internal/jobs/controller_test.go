package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctxengine/internal/discovery"
	"github.com/dshills/ctxengine/internal/indexer"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeIndexer struct {
	log *callLog

	started chan struct{} // closed when Bootstrap begins, if set
	block   chan struct{} // Bootstrap waits on it, if set

	boot     *indexer.BootstrapResult
	bootErr  error
	refresh  *indexer.RefreshResult
	eligible int
}

func (f *fakeIndexer) Bootstrap(ctx context.Context, opts indexer.BootstrapOptions) (*indexer.BootstrapResult, error) {
	f.log.add("bootstrap")
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	if opts.Progress != nil {
		opts.Progress(indexer.Snapshot{Stage: indexer.StageDone, Total: f.boot.Total, Processed: f.boot.Total, Succeeded: f.boot.Succeeded})
	}
	return f.boot, f.bootErr
}

func (f *fakeIndexer) Refresh(ctx context.Context, opts indexer.RefreshOptions) (*indexer.RefreshResult, error) {
	f.log.add("refresh")
	return f.refresh, nil
}

func (f *fakeIndexer) Eligible(ctx context.Context, paths []string) ([]discovery.FileInfo, error) {
	f.log.add("eligible")
	return make([]discovery.FileInfo, f.eligible), nil
}

func (f *fakeIndexer) ValidatePaths(paths []string) error {
	for _, p := range paths {
		if filepath.IsAbs(p) {
			return types.NewValidationError("path %q is outside the project root", p)
		}
	}
	return nil
}

func (f *fakeIndexer) ResetSinks(ctx context.Context) error {
	f.log.add("reset_sinks")
	return nil
}

func (f *fakeIndexer) PurgeCache() { f.log.add("purge_cache") }

type fakeStore struct {
	log      *callLog
	resetErr error
}

func (s *fakeStore) ResetAll(ctx context.Context) error {
	s.log.add("reset_all")
	return s.resetErr
}

func (s *fakeStore) Optimize(ctx context.Context) error {
	s.log.add("optimize")
	return nil
}

func (s *fakeStore) GetStatus(ctx context.Context) (*storage.Status, error) {
	s.log.add("status")
	return &storage.Status{FilesCount: 7}, nil
}

type fakePauser struct {
	mu     sync.Mutex
	pauses int
	active bool
}

func (p *fakePauser) PauseWhile(fn func()) {
	p.mu.Lock()
	p.pauses++
	p.active = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active = false
		p.mu.Unlock()
	}()
	fn()
}

type harness struct {
	log    *callLog
	idx    *fakeIndexer
	store  *fakeStore
	pauser *fakePauser
	ctrl   *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := &callLog{}
	h := &harness{
		log: log,
		idx: &fakeIndexer{
			log:      log,
			boot:     &indexer.BootstrapResult{Total: 3, Succeeded: 3, Success: true},
			refresh:  &indexer.RefreshResult{Modified: 1, Succeeded: 1},
			eligible: 3,
		},
		store:  &fakeStore{log: log},
		pauser: &fakePauser{},
	}
	h.ctrl = NewController(h.idx, h.store, Config{
		Pauser:   h.pauser,
		LockPath: filepath.Join(t.TempDir(), "rebuild.lock"),
	})
	return h
}

func waitJob(t *testing.T, c *Controller, id string) *OperationResult {
	t.Helper()
	job, err := c.Jobs().Get(id)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := job.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestRebuild_RequiresConfirm(t *testing.T) {
	h := newHarness(t)

	res := h.ctrl.Rebuild(context.Background(), RebuildRequest{Confirm: false, ValidateOnly: false})
	assert.Equal(t, types.StatusError, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, types.CodeValidation, res.Error.Code)
	assert.False(t, res.Error.Retryable)
	assert.Empty(t, h.log.list(), "no destructive action")
	assert.False(t, h.ctrl.RebuildInProgress())
}

func TestRebuild_ValidateOnly(t *testing.T) {
	h := newHarness(t)

	res := h.ctrl.Rebuild(context.Background(), RebuildRequest{ValidateOnly: true})
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.Equal(t, PhaseValidation, res.Phase)
	assert.Equal(t, 3, res.EligibleFiles)
	assert.Equal(t, []string{"eligible"}, h.log.list())
}

func TestRebuild_ValidationErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.ctrl.Rebuild(ctx, RebuildRequest{Confirm: true, Parallelism: -2})
	assert.Equal(t, types.StatusError, res.Status)

	res = h.ctrl.Rebuild(ctx, RebuildRequest{Confirm: true, Paths: []string{"/etc"}})
	assert.Equal(t, types.StatusError, res.Status)
	assert.Contains(t, res.Message, "outside the project root")
	assert.Empty(t, h.log.list())
}

func TestRebuild_Synchronous(t *testing.T) {
	h := newHarness(t)

	res := h.ctrl.Rebuild(context.Background(), RebuildRequest{Confirm: true})
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.Equal(t, PhaseCompleted, res.Phase)
	require.NotNil(t, res.PreStatus)
	assert.Equal(t, 7, res.PreStatus.FilesCount)
	require.NotNil(t, res.Bootstrap)
	assert.Equal(t, 3, res.Bootstrap.Succeeded)

	assert.Equal(t,
		[]string{"status", "reset_all", "reset_sinks", "purge_cache", "bootstrap", "optimize"},
		h.log.list())
	assert.False(t, h.ctrl.RebuildInProgress(), "lock released")
	assert.Equal(t, 1, h.pauser.pauses)
	assert.False(t, h.pauser.active, "watcher resumed")
}

func TestRebuild_CompletedWithErrors(t *testing.T) {
	h := newHarness(t)
	h.idx.boot = &indexer.BootstrapResult{Total: 3, Succeeded: 2, Failed: 1}

	res := h.ctrl.Rebuild(context.Background(), RebuildRequest{Confirm: true})
	assert.Equal(t, types.StatusCompletedWithErrors, res.Status)
}

func TestRebuild_StoreFailureReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.store.resetErr = types.NewTransientError(errors.New("disk I/O error"), "reset store")

	res := h.ctrl.Rebuild(context.Background(), RebuildRequest{Confirm: true})
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, PhaseFailed, res.Phase)
	require.NotNil(t, res.Error)
	assert.True(t, res.Error.Retryable)
	assert.NotContains(t, h.log.list(), "bootstrap")
	assert.False(t, h.ctrl.RebuildInProgress())
	assert.False(t, h.pauser.active)

	// the lock is free for the next attempt
	h.store.resetErr = nil
	res = h.ctrl.Rebuild(context.Background(), RebuildRequest{Confirm: true})
	assert.Equal(t, types.StatusCompleted, res.Status)
}

func TestRebuild_BootstrapErrorFails(t *testing.T) {
	h := newHarness(t)
	h.idx.bootErr = &types.Error{Code: types.CodeStoreUnavailable, Message: "indexing aborted", Retryable: true}

	res := h.ctrl.Rebuild(context.Background(), RebuildRequest{Confirm: true})
	assert.Equal(t, types.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, types.CodeStoreUnavailable, res.Error.Code)
	assert.NotContains(t, h.log.list(), "optimize")
}

func TestRebuild_BackgroundAndAlreadyInProgress(t *testing.T) {
	h := newHarness(t)
	h.idx.started = make(chan struct{})
	h.idx.block = make(chan struct{})
	ctx := context.Background()

	first := h.ctrl.Rebuild(ctx, RebuildRequest{Confirm: true, Background: true})
	require.Equal(t, types.StatusRunning, first.Status)
	require.NotEmpty(t, first.JobID)
	<-h.idx.started

	second := h.ctrl.Rebuild(ctx, RebuildRequest{Confirm: true})
	assert.Equal(t, types.StatusError, second.Status)
	assert.Contains(t, second.Message, "already in progress")
	require.NotNil(t, second.Error)
	assert.Equal(t, types.CodeConflict, second.Error.Code)

	job, err := h.ctrl.Jobs().Get(first.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, job.Status)
	assert.Equal(t, PhaseRebuild, job.Phase)
	assert.Len(t, h.ctrl.Jobs().List(), 1, "the rejected rebuild created no job")

	// refreshes do not take the rebuild lock
	refreshed := h.ctrl.Refresh(ctx, RefreshRequest{})
	assert.Equal(t, types.StatusCompleted, refreshed.Status)

	close(h.idx.block)
	res := waitJob(t, h.ctrl, first.JobID)
	assert.Equal(t, types.StatusCompleted, res.Status)

	job, err = h.ctrl.Jobs().Get(first.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, PhaseCompleted, job.Phase)
	assert.Equal(t, 3, job.Succeeded)
	assert.NotNil(t, job.FinishedAt)
	require.NotNil(t, job.Result)
	assert.False(t, h.ctrl.RebuildInProgress())
}

func TestRebuild_BackgroundSurvivesCallerCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	res := h.ctrl.Rebuild(ctx, RebuildRequest{Confirm: true, Background: true})
	cancel()
	require.Equal(t, types.StatusRunning, res.Status)

	final := waitJob(t, h.ctrl, res.JobID)
	assert.Equal(t, types.StatusCompleted, final.Status)
}

func TestRefresh_Synchronous(t *testing.T) {
	h := newHarness(t)

	res := h.ctrl.Refresh(context.Background(), RefreshRequest{Force: true})
	assert.Equal(t, types.StatusCompleted, res.Status)
	require.NotNil(t, res.Refresh)
	assert.Equal(t, 1, res.Refresh.Modified)
	assert.Equal(t, []string{"refresh"}, h.log.list(), "no lock and no destructive phase")
	assert.Equal(t, 1, h.pauser.pauses)
}

func TestRefresh_Background(t *testing.T) {
	h := newHarness(t)

	res := h.ctrl.Refresh(context.Background(), RefreshRequest{Background: true})
	require.Equal(t, types.StatusRunning, res.Status)

	final := waitJob(t, h.ctrl, res.JobID)
	assert.Equal(t, types.StatusCompleted, final.Status)
	assert.Equal(t, KindRefresh, final.Operation)
}

func TestRefresh_Validation(t *testing.T) {
	h := newHarness(t)

	res := h.ctrl.Refresh(context.Background(), RefreshRequest{Parallelism: -1})
	assert.Equal(t, types.StatusError, res.Status)
	assert.Empty(t, h.log.list())
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, types.StatusCompleted, outcome(3, 0))
	assert.Equal(t, types.StatusCompleted, outcome(0, 0))
	assert.Equal(t, types.StatusCompletedWithErrors, outcome(2, 1))
	assert.Equal(t, types.StatusFailed, outcome(0, 2))
}
