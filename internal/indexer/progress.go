package indexer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Laisky/zap"
)

// Progress stages reported by Bootstrap and Refresh.
const (
	StageScanning     = "scanning"
	StageDetecting    = "detecting"
	StagePrioritizing = "prioritizing"
	StageIndexing     = "indexing"
	StageRetiring     = "retiring"
	StageDone         = "done"
)

// Snapshot is an immutable view of a run's progress.
type Snapshot struct {
	Stage     string
	Total     int
	Processed int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

// Percent returns processed/total in [0, 100]. An empty run is 100%.
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 100
	}
	return float64(s.Processed) / float64(s.Total) * 100
}

// ProgressTracker counts file outcomes. It is safe for concurrent use.
type ProgressTracker struct {
	start     time.Time
	stage     atomic.Value // string
	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	onUpdate  func(Snapshot)
}

// NewProgressTracker starts a tracker. onUpdate may be nil; when set it is
// called after every stage change and every recorded file.
func NewProgressTracker(onUpdate func(Snapshot)) *ProgressTracker {
	p := &ProgressTracker{start: time.Now(), onUpdate: onUpdate}
	p.stage.Store(StageScanning)
	return p
}

// SetStage moves the run to stage.
func (p *ProgressTracker) SetStage(stage string) {
	p.stage.Store(stage)
	p.emit()
}

// SetTotal records how many files the run will process.
func (p *ProgressTracker) SetTotal(n int) {
	p.total.Store(int64(n))
}

// Record counts one finished file.
func (p *ProgressTracker) Record(ok bool) {
	if ok {
		p.succeeded.Add(1)
	} else {
		p.failed.Add(1)
	}
	p.emit()
}

// Snapshot returns the current state.
func (p *ProgressTracker) Snapshot() Snapshot {
	succeeded := int(p.succeeded.Load())
	failed := int(p.failed.Load())
	return Snapshot{
		Stage:     p.stage.Load().(string),
		Total:     int(p.total.Load()),
		Processed: succeeded + failed,
		Succeeded: succeeded,
		Failed:    failed,
		Elapsed:   time.Since(p.start),
	}
}

func (p *ProgressTracker) emit() {
	if p.onUpdate != nil {
		p.onUpdate(p.Snapshot())
	}
}

// FileError is a retained per-file failure.
type FileError struct {
	Path  string    `json:"path"`
	Stage string    `json:"stage"`
	Err   string    `json:"error"`
	At    time.Time `json:"at"`
}

// ErrorLogger logs per-file failures and keeps the first few of them.
type ErrorLogger struct {
	logger *zap.Logger
	limit  int

	mu     sync.Mutex
	errors []FileError
	total  int
}

// NewErrorLogger retains at most limit errors.
func NewErrorLogger(logger *zap.Logger, limit int) *ErrorLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorLogger{logger: logger, limit: limit}
}

// Log records a failed file result.
func (l *ErrorLogger) Log(res FileResult) {
	if res.Err == nil {
		return
	}
	l.logger.Error("file failed",
		zap.String("path", res.Path),
		zap.String("stage", res.Stage),
		zap.Error(res.Err))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if len(l.errors) < l.limit {
		l.errors = append(l.errors, FileError{
			Path:  res.Path,
			Stage: res.Stage,
			Err:   res.Err.Error(),
			At:    time.Now(),
		})
	}
}

// Errors returns a copy of the retained errors.
func (l *ErrorLogger) Errors() []FileError {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FileError, len(l.errors))
	copy(out, l.errors)
	return out
}

// Total returns the number of errors logged, retained or not.
func (l *ErrorLogger) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
