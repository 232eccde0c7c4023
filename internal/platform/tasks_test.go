package platform

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTasksStopByName(t *testing.T) {
	tasks := NewTasks(quietLogger())
	stopped := make(chan struct{})
	if err := tasks.Start(context.Background(), "named", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if !tasks.Running("named") {
		t.Fatal("expected task to be running")
	}
	tasks.Stop("named")
	select {
	case <-stopped:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected task to stop after named stop")
	}
	if tasks.Running("named") {
		t.Fatal("expected task to be gone after stop")
	}
	status := tasks.Status()
	if len(status) != 1 || status[0].Running || status[0].LastError != "" {
		t.Fatalf("unexpected status after stop: %+v", status)
	}
}

func TestTasksRejectDuplicateName(t *testing.T) {
	tasks := NewTasks(quietLogger())
	defer tasks.StopAll()
	if err := tasks.Start(context.Background(), "dup", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if err := tasks.Start(context.Background(), "dup", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected duplicate task name to fail")
	}
}

func TestTasksWaitReportsError(t *testing.T) {
	tasks := NewTasks(quietLogger())
	release := make(chan struct{})
	if err := tasks.Start(context.Background(), "failing", func(context.Context) error {
		<-release
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("start task: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tasks.Wait(ctx, "failing"); err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom, got %v", err)
	}
	status := tasks.Status()
	if len(status) != 1 || status[0].LastError != "boom" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestTasksStopAll(t *testing.T) {
	tasks := NewTasks(quietLogger())
	for _, name := range []string{"a", "b"} {
		if err := tasks.Start(context.Background(), name, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}
	tasks.StopAll()
	if tasks.Running("a") || tasks.Running("b") {
		t.Fatalf("expected no running tasks, got %+v", tasks.Status())
	}
}
