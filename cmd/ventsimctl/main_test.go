package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"ventsim/internal/service"
	"ventsim/internal/storage"
)

const trainCSV = "id,breath_id,R,C,time_step,u_in,u_out,pressure\n" +
	"1,1,20,50,0,10,0,5.8\n" +
	"2,1,20,50,0.1,12,0,6.4\n" +
	"3,2,20,50,0,8,0,5.1\n" +
	"4,2,20,50,0.1,0,1,4.9\n"

const testCSV = "id,breath_id,R,C,time_step,u_in,u_out\n" +
	"10,7,20,50,0,10,0\n" +
	"11,7,20,50,0.1,12,0\n" +
	"14,8,50,10,0,3,0\n"

func chdirTemp(t *testing.T) string {
	t.Helper()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	workdir := t.TempDir()
	if err := os.Chdir(workdir); err != nil {
		t.Fatalf("chdir tempdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(origWD)
	})
	return workdir
}

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return name
}

func TestRunRequiresKnownCommand(t *testing.T) {
	if err := run(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "missing command") {
		t.Fatalf("expected missing command error, got %v", err)
	}
	err := run(context.Background(), []string{"evolve"})
	if err == nil || !strings.Contains(err.Error(), "unknown command: evolve") || !strings.Contains(err.Error(), "usage: ventsimctl") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestInspectCommandPrintsSummary(t *testing.T) {
	chdirTemp(t)
	writeFixture(t, "train.csv", trainCSV)

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"inspect", "--file", "train.csv"})
	})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(out, "records=4 breaths=2 skipped=0") {
		t.Fatalf("unexpected inspect output: %q", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"inspect", "--file", "train.csv", "--json"})
	})
	if err != nil {
		t.Fatalf("inspect json: %v", err)
	}
	var summary map[string]any
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode inspect json: %v\n%s", err, out)
	}
}

func TestTrainRunsAndExportCommands(t *testing.T) {
	chdirTemp(t)
	writeFixture(t, "train.csv", trainCSV)

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"train", "--train", "train.csv", "--period-ms", "-1", "--seed", "7", "--plot"})
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if !strings.Contains(out, "loaded train source=train.csv records=4 breaths=2") {
		t.Fatalf("missing dataset line: %q", out)
	}
	if !strings.Contains(out, "kind=training status=completed") {
		t.Fatalf("missing run line: %q", out)
	}
	if !strings.Contains(out, "MAE per tick") {
		t.Fatalf("expected plot caption: %q", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"runs", "--json"})
	})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	var items []struct {
		RunID  string
		Kind   string
		Status string
	}
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("decode runs: %v\n%s", err, out)
	}
	if len(items) != 1 || items[0].Kind != "training" || items[0].Status != "completed" {
		t.Fatalf("unexpected runs: %+v", items)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"export", "--latest"})
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "exported run_id="+items[0].RunID) {
		t.Fatalf("unexpected export output: %q", out)
	}
	if _, err := os.Stat(filepath.Join(defaultExportsDir, items[0].RunID, "run.json")); err != nil {
		t.Fatalf("expected exported run.json: %v", err)
	}
}

func TestTestCommandTrainsThenTests(t *testing.T) {
	chdirTemp(t)
	writeFixture(t, "train.csv", trainCSV)
	writeFixture(t, "test.csv", testCSV)

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"test", "--train", "train.csv", "--test", "test.csv", "--period-ms", "-1", "--seed", "3"})
	})
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	if !strings.Contains(out, "kind=training status=completed") || !strings.Contains(out, "kind=testing status=completed ticks=2") {
		t.Fatalf("unexpected test output: %q", out)
	}
	if err := run(context.Background(), []string{"test", "--period-ms", "-1"}); err == nil {
		t.Fatal("expected error without --test")
	}
}

func TestRunCommandsApplyConfigFile(t *testing.T) {
	chdirTemp(t)
	writeFixture(t, "run.json", `{"rows": 4, "cols": 6, "generations": 3, "period_ms": -1, "seed": 5, "runs_dir": "sims"}`)

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"automaton", "--config", "run.json", "--gens", "2"})
	})
	if err != nil {
		t.Fatalf("automaton: %v", err)
	}
	if !strings.Contains(out, "automaton generations=2") {
		t.Fatalf("flag should override config generations: %q", out)
	}
	if !strings.Contains(out, "artifacts=sims") {
		t.Fatalf("config runs_dir not applied: %q", out)
	}
}

func TestRemoteCommandsAgainstService(t *testing.T) {
	chdirTemp(t)
	writeFixture(t, "train.csv", trainCSV)
	writeFixture(t, "test.csv", testCSV)

	gin.SetMode(gin.TestMode)
	srv, err := service.New(service.Config{
		Store:  storage.NewMemoryStore(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Rand:   rand.New(rand.NewSource(1)),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{"remote-status", "--url", ts.URL})
	})
	if err != nil {
		t.Fatalf("remote-status: %v", err)
	}
	if !strings.Contains(out, "status=running model_trained=false") {
		t.Fatalf("unexpected status output: %q", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"remote-train", "--url", ts.URL, "--file", "train.csv", "--epochs", "4", "--plot"})
	})
	if err != nil {
		t.Fatalf("remote-train: %v", err)
	}
	if !strings.Contains(out, "status=succeeded") || !strings.Contains(out, "samples=4 breaths=2") {
		t.Fatalf("unexpected remote-train output: %q", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"remote-predict", "--url", ts.URL, "--file", "test.csv"})
	})
	if err != nil {
		t.Fatalf("remote-predict: %v", err)
	}
	if !strings.Contains(out, "predictions=3 breaths=2") || !strings.Contains(out, "id=14 breath_id=8") {
		t.Fatalf("unexpected remote-predict output: %q", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"remote-predict", "--url", ts.URL, "--file", "test.csv", "--out", "submission.csv"})
	})
	if err != nil {
		t.Fatalf("remote-predict --out: %v", err)
	}
	data, err := os.ReadFile("submission.csv")
	if err != nil {
		t.Fatalf("read submission: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// ids 10..14 with 12 and 13 filled in
	if lines[0] != "id,pressure" || len(lines) != 6 {
		t.Fatalf("unexpected submission: %q", data)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"remote-status", "--url", ts.URL, "--load-model"})
	})
	if err != nil {
		t.Fatalf("remote-status --load-model: %v", err)
	}
	if !strings.Contains(out, "loaded model_id=") || !strings.Contains(out, "model_trained=true") {
		t.Fatalf("unexpected status output: %q", out)
	}
}

func captureStdout(fn func() error) (string, error) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w
	copied := make(chan []byte, 1)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		copied <- buf.Bytes()
	}()
	runErr := fn()
	_ = w.Close()
	os.Stdout = origStdout

	out := <-copied
	_ = r.Close()
	return string(out), runErr
}
