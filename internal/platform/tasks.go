package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

type TaskStatus struct {
	Name      string `json:"name"`
	Running   bool   `json:"running"`
	LastError string `json:"last_error,omitempty"`
}

// Tasks runs named background loops, at most one per name.
type Tasks struct {
	logger *slog.Logger

	mu       sync.Mutex
	tasks    map[string]*task
	finished map[string]TaskStatus
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewTasks(logger *slog.Logger) *Tasks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tasks{
		logger:   logger.With(slog.String("component", "tasks")),
		tasks:    make(map[string]*task),
		finished: make(map[string]TaskStatus),
	}
}

func (s *Tasks) Start(ctx context.Context, name string, run func(ctx context.Context) error) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if run == nil {
		return errors.New("task runner is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if _, exists := s.tasks[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("task already running: %s", name)
	}
	delete(s.finished, name)
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[name] = t
	s.mu.Unlock()

	go s.run(name, t, taskCtx, run)
	return nil
}

func (s *Tasks) run(name string, t *task, ctx context.Context, run func(ctx context.Context) error) {
	s.logger.Debug("task started", slog.String("task", name))
	err := run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	s.mu.Lock()
	t.err = err
	if current, ok := s.tasks[name]; ok && current == t {
		s.finished[name] = TaskStatus{Name: name, LastError: errString(err)}
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("task failed", slog.String("task", name), slog.String("error", err.Error()))
	} else {
		s.logger.Debug("task stopped", slog.String("task", name))
	}
	t.cancel()
	close(t.done)
}

// Stop cancels the named task and waits for it to return.
func (s *Tasks) Stop(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// Wait blocks until the named task returns or ctx ends.
func (s *Tasks) Wait(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Tasks) StopAll() {
	s.mu.Lock()
	running := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		running = append(running, t)
	}
	s.mu.Unlock()

	for _, t := range running {
		t.cancel()
	}
	for _, t := range running {
		<-t.done
	}
}

func (s *Tasks) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

func (s *Tasks) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks)+len(s.finished))
	for name := range s.tasks {
		out = append(out, TaskStatus{Name: name, Running: true})
	}
	for name, st := range s.finished {
		if _, active := s.tasks[name]; active {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
