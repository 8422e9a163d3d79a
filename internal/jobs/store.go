package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/dshills/ctxengine/pkg/types"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Kinds of operation a job runs.
const (
	KindRebuild = "rebuild"
	KindRefresh = "refresh"
)

// Job is a background operation as seen by pollers.
type Job struct {
	ID         string                `json:"job_id"`
	Kind       string                `json:"kind"`
	Paths      []string              `json:"paths,omitempty"`
	Status     types.OperationStatus `json:"status"`
	Phase      string                `json:"phase"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Total      int                   `json:"total"`
	Processed  int                   `json:"processed"`
	Succeeded  int                   `json:"succeeded"`
	Failed     int                   `json:"failed"`
	Error      string                `json:"error,omitempty"`
	Result     *OperationResult      `json:"result,omitempty"`

	task *Task
}

// Wait blocks until the job's task finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) (*OperationResult, error) {
	if j.task == nil {
		return j.Result, nil
	}
	return j.task.Wait(ctx)
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Paths = append([]string(nil), j.Paths...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Task is the owning handle of a background operation.
type Task struct {
	done   chan struct{}
	result *OperationResult
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

// finish publishes the result. It must be called exactly once.
func (t *Task) finish(res *OperationResult) {
	t.result = res
	close(t.done)
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) (*OperationResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JobStore holds job records. Only the task owning a job updates it;
// readers receive copies.
type JobStore interface {
	Create(job *Job) error
	Get(id string) (*Job, error)
	Update(id string, fn func(*Job)) error
	// RemoveCompleted drops terminal jobs finished more than olderThan ago
	// and returns how many were removed.
	RemoveCompleted(olderThan time.Duration) int
	List() []*Job
}

// MemoryJobStore is an in-process JobStore.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryJobStore creates an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*Job)}
}

func (s *MemoryJobStore) Create(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return errors.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.clone()
	return nil
}

func (s *MemoryJobStore) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrJobNotFound, "id %s", id)
	}
	return job.clone(), nil
}

func (s *MemoryJobStore) Update(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return errors.Wrapf(ErrJobNotFound, "id %s", id)
	}
	fn(job)
	return nil
}

func (s *MemoryJobStore) RemoveCompleted(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && !job.FinishedAt.After(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// List returns copies of every job, newest first.
func (s *MemoryJobStore) List() []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}
