package ventsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"ventsim/internal/automaton"
	"ventsim/internal/ingest"
	"ventsim/internal/model"
	"ventsim/internal/platform"
	"ventsim/internal/report"
	"ventsim/internal/sim"
	"ventsim/internal/storage"
)

const (
	defaultRunsDir     = "runs"
	defaultExportsDir  = "exports"
	defaultDBPath      = "ventsim.db"
	defaultGenerations = 100
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	// Seed fixes every random source; zero seeds from the clock.
	Seed int64
	R    float64
	C    float64
	Rows int
	Cols int

	Logger       *slog.Logger
	OnFrame      func(sim.Frame)
	OnGeneration func(generation int, stats automaton.Stats)
}

type Client struct {
	store   storage.Store
	session *platform.Session

	runsDir    string
	exportsDir string
}

type TrainRequest struct {
	// Period overrides the tick cadence: zero keeps the default, negative
	// ticks without waiting.
	Period time.Duration
}

type TestRequest struct {
	Period time.Duration
}

type AutomatonRequest struct {
	Generations int
	Period      time.Duration
}

type RunSummary struct {
	RunID        string
	Kind         model.RunKind
	Status       model.RunStatus
	Ticks        int
	Final        model.Metrics
	History      []model.Metrics
	ArtifactsDir string
}

type AutomatonSummary struct {
	Generations  int
	Final        automaton.Stats
	History      []automaton.Stats
	ArtifactsDir string
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Kind         string
	Status       string
	Source       string
	Ticks        int
	FinalMAE     float64
	FinalRMSE    float64
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	session, err := platform.NewSession(platform.SessionConfig{
		Store:        store,
		Logger:       opts.Logger,
		Rand:         rand.New(rand.NewSource(seed)),
		R:            opts.R,
		C:            opts.C,
		Rows:         opts.Rows,
		Cols:         opts.Cols,
		OnFrame:      opts.OnFrame,
		OnGeneration: opts.OnGeneration,
	})
	if err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}

	return &Client{
		store:      store,
		session:    session,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	c.session.Close()
	return storage.CloseIfSupported(c.store)
}

// LoadTraining replaces the training dataset with the file at path.
func (c *Client) LoadTraining(path string) (model.DatasetSummary, error) {
	ds, err := ingest.LoadDatasetFile(path, true)
	if err != nil {
		return model.DatasetSummary{}, err
	}
	c.session.LoadTraining(ds)
	return ds.Summary, nil
}

func (c *Client) LoadTest(path string) (model.DatasetSummary, error) {
	ds, err := ingest.LoadDatasetFile(path, false)
	if err != nil {
		return model.DatasetSummary{}, err
	}
	c.session.LoadTest(ds)
	return ds.Summary, nil
}

func (c *Client) Train(ctx context.Context, req TrainRequest) (RunSummary, error) {
	if err := c.session.StartTraining(ctx, req.Period); err != nil {
		return RunSummary{}, err
	}
	return c.finish(ctx)
}

func (c *Client) Test(ctx context.Context, req TestRequest) (RunSummary, error) {
	if err := c.session.StartTesting(ctx, req.Period); err != nil {
		return RunSummary{}, err
	}
	return c.finish(ctx)
}

func (c *Client) finish(ctx context.Context) (RunSummary, error) {
	run, err := c.session.Wait(ctx)
	if err != nil {
		c.session.StopRun()
		return RunSummary{}, err
	}
	dir, err := report.WriteRunArtifacts(c.runsDir, run)
	if err != nil {
		return RunSummary{}, fmt.Errorf("write artifacts for run %s: %w", run.ID, err)
	}
	return RunSummary{
		RunID:        run.ID,
		Kind:         run.Kind,
		Status:       run.Status,
		Ticks:        run.Ticks,
		Final:        run.Final,
		History:      run.History,
		ArtifactsDir: dir,
	}, nil
}

// State reports the driver's current counters and metrics.
func (c *Client) State() sim.State {
	return c.session.Driver().Snapshot()
}

func (c *Client) Automaton(ctx context.Context, req AutomatonRequest) (AutomatonSummary, error) {
	if req.Generations <= 0 {
		req.Generations = defaultGenerations
	}
	if err := c.session.StartAutomaton(ctx, req.Period, req.Generations); err != nil {
		return AutomatonSummary{}, err
	}
	if err := c.session.WaitAutomaton(ctx); err != nil {
		c.session.StopAutomaton()
		return AutomatonSummary{}, err
	}

	history := c.session.AutomatonHistory()
	dir, err := report.WriteAutomatonArtifacts(filepath.Join(c.runsDir, "automaton-"+uuid.NewString()), history)
	if err != nil {
		return AutomatonSummary{}, err
	}
	summary := AutomatonSummary{
		Generations:  c.session.Engine().Generation(),
		History:      history,
		ArtifactsDir: dir,
	}
	if len(history) > 0 {
		summary.Final = history[len(history)-1]
	}
	return summary, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := report.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			Kind:         e.Kind,
			Status:       e.Status,
			Source:       e.Source,
			Ticks:        e.Ticks,
			FinalMAE:     e.FinalMAE,
			FinalRMSE:    e.FinalRMSE,
		})
	}
	return out, nil
}

// Run looks a run up in the store, then in the artifacts directory.
func (c *Client) Run(ctx context.Context, runID string) (model.RunRecord, error) {
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	if ok {
		return run, nil
	}
	run, ok, err = report.ReadRun(c.runsDir, runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	if !ok {
		return model.RunRecord{}, fmt.Errorf("run not found: %s", runID)
	}
	return run, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := report.ListRunIndex(c.runsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := report.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}
