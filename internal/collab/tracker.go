package collab

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

var ErrUnknownJob = errors.New("unknown job")

// Job is one asynchronous collaborator call. A failed job never carries a result.
type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Status     JobStatus `json:"status"`
	Result     *Result   `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

type Tracker struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	job  Job
	done chan struct{}
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger: logger.With(slog.String("component", "collab-jobs")),
		jobs:   make(map[string]*jobEntry),
	}
}

// Submit runs call in its own goroutine and returns the job id immediately.
func (t *Tracker) Submit(ctx context.Context, kind string, call func(ctx context.Context) (Result, error)) string {
	entry := &jobEntry{
		job: Job{
			ID:        uuid.NewString(),
			Kind:      kind,
			Status:    JobRunning,
			StartedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.jobs[entry.job.ID] = entry
	t.mu.Unlock()

	go func() {
		result, err := call(ctx)
		t.mu.Lock()
		entry.job.FinishedAt = time.Now().UTC()
		if err != nil {
			entry.job.Status = JobFailed
			entry.job.Error = err.Error()
		} else {
			entry.job.Status = JobSucceeded
			entry.job.Result = &result
		}
		job := entry.job
		t.mu.Unlock()
		close(entry.done)

		if err != nil {
			t.logger.Warn("job failed", slog.String("job_id", job.ID), slog.String("kind", kind), slog.String("error", job.Error))
			return
		}
		t.logger.Info("job finished", slog.String("job_id", job.ID), slog.String("kind", kind))
	}()
	return entry.job.ID
}

func (t *Tracker) Get(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return entry.job, true
}

// Wait blocks until the job leaves the running state or ctx ends.
func (t *Tracker) Wait(ctx context.Context, id string) (Job, error) {
	t.mu.Lock()
	entry, ok := t.jobs[id]
	t.mu.Unlock()
	if !ok {
		return Job{}, ErrUnknownJob
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	job, _ := t.Get(id)
	return job, nil
}

// List returns every job, oldest first.
func (t *Tracker) List() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Job, 0, len(t.jobs))
	for _, entry := range t.jobs {
		out = append(out, entry.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
