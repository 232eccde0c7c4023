package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"ventsim/internal/collab"
	"ventsim/internal/ingest"
	"ventsim/internal/model"
	"ventsim/internal/report"
	"ventsim/internal/service"
	"ventsim/internal/sim"
	"ventsim/internal/storage"
	ventapi "ventsim/pkg/ventsim"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "inspect":
		return runInspect(ctx, args[1:])
	case "train":
		return runTrain(ctx, args[1:])
	case "test":
		return runTest(ctx, args[1:])
	case "automaton":
		return runAutomaton(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	case "remote-train":
		return runRemoteTrain(ctx, args[1:])
	case "remote-predict":
		return runRemotePredict(ctx, args[1:])
	case "remote-status":
		return runRemoteStatus(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInspect(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	path := fs.String("file", "", "dataset CSV path")
	pressure := fs.Bool("pressure", true, "read the pressure column as reference pressure")
	jsonOut := fs.Bool("json", false, "emit summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("inspect requires --file")
	}

	ds, err := ingest.LoadDatasetFile(*path, *pressure)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ds.Summary)
	}
	s := ds.Summary
	fmt.Printf("source=%s records=%d breaths=%d skipped=%d fields=%s\n",
		s.Source, s.TotalRecords, s.TotalBreaths, s.SkippedRows, strings.Join(s.Fields, ","))
	return nil
}

// simFlags are shared by the commands that drive a local session.
type simFlags struct {
	config   *string
	train    *string
	test     *string
	periodMS *int
	seed     *int64
	r        *float64
	c        *float64
	rows     *int
	cols     *int
	gens     *int
	store    *string
	dbPath   *string
	runsDir  *string
	plot     *bool
	verbose  *bool
}

func registerSimFlags(fs *flag.FlagSet) simFlags {
	return simFlags{
		config:   fs.String("config", "", "optional run config JSON path"),
		train:    fs.String("train", "", "training dataset CSV path (synthetic cycle when empty)"),
		test:     fs.String("test", "", "test dataset CSV path"),
		periodMS: fs.Int("period-ms", 0, "tick period in milliseconds (0 uses the default cadence, <0 runs without waiting)"),
		seed:     fs.Int64("seed", 0, "rng seed (0 seeds from the clock)"),
		r:        fs.Float64("r", 20, "synthetic cycle resistance"),
		c:        fs.Float64("c", 50, "synthetic cycle compliance"),
		rows:     fs.Int("rows", 20, "automaton rows"),
		cols:     fs.Int("cols", 30, "automaton columns"),
		gens:     fs.Int("gens", 100, "automaton generations"),
		store:    fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:   fs.String("db-path", envString(envDBPath, "ventsim.db"), "sqlite database path"),
		runsDir:  fs.String("runs-dir", envString(envRunsDir, defaultRunsDir), "run artifacts directory"),
		plot:     fs.Bool("plot", false, "print a terminal plot of the run"),
		verbose:  fs.Bool("verbose", false, "print every frame"),
	}
}

func (f simFlags) values() map[string]any {
	return map[string]any{
		"train":     *f.train,
		"test":      *f.test,
		"period-ms": *f.periodMS,
		"seed":      *f.seed,
		"r":         *f.r,
		"c":         *f.c,
		"rows":      *f.rows,
		"cols":      *f.cols,
		"gens":      *f.gens,
		"store":     *f.store,
		"db-path":   *f.dbPath,
		"runs-dir":  *f.runsDir,
	}
}

func resolveRunConfig(fs *flag.FlagSet, f simFlags) (runConfig, error) {
	setFlags := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) {
		setFlags[fl.Name] = true
	})
	values := f.values()
	cfg, err := loadOrDefaultRunConfig(*f.config, runConfigFromFlags(values))
	if err != nil {
		return runConfig{}, err
	}
	if err := overrideFromFlags(&cfg, setFlags, values); err != nil {
		return runConfig{}, err
	}
	return cfg, nil
}

func newClient(cfg runConfig, verbose bool) (*ventapi.Client, error) {
	opts := ventapi.Options{
		StoreKind: cfg.StoreKind,
		DBPath:    cfg.DBPath,
		RunsDir:   cfg.RunsDir,
		Seed:      cfg.Seed,
		R:         cfg.R,
		C:         cfg.C,
		Rows:      cfg.Rows,
		Cols:      cfg.Cols,
		Logger:    newLogger(envString(envLogLevel, "warn")),
	}
	if verbose {
		opts.OnFrame = printFrame
	}
	return ventapi.New(opts)
}

func printFrame(frame sim.Frame) {
	if frame.Mode == sim.Idle {
		fmt.Printf("frame mode=idle finished=%t mae=%.4f rmse=%.4f\n", frame.Finished, frame.Metrics.MAE, frame.Metrics.RMSE)
		return
	}
	fmt.Printf("frame mode=%s epoch=%d test_cycle=%d breath_id=%s mae=%.4f rmse=%.4f steps=%d\n",
		frame.Mode, frame.Epoch, frame.TestCycle, frame.BreathID, frame.Metrics.MAE, frame.Metrics.RMSE, len(frame.Observations))
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	f := registerSimFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := resolveRunConfig(fs, f)
	if err != nil {
		return err
	}

	client, err := newClient(cfg, *f.verbose)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if cfg.TrainPath != "" {
		summary, err := client.LoadTraining(cfg.TrainPath)
		if err != nil {
			return err
		}
		printDataset("train", summary.Source, summary.TotalRecords, summary.TotalBreaths, summary.SkippedRows)
	}
	summary, err := client.Train(ctx, ventapi.TrainRequest{Period: cfg.Period})
	if err != nil {
		return err
	}
	printRun(summary, *f.plot)
	return nil
}

func runTest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := registerSimFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := resolveRunConfig(fs, f)
	if err != nil {
		return err
	}
	if cfg.TestPath == "" {
		return errors.New("test requires --test")
	}

	client, err := newClient(cfg, *f.verbose)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if cfg.TrainPath != "" {
		summary, err := client.LoadTraining(cfg.TrainPath)
		if err != nil {
			return err
		}
		printDataset("train", summary.Source, summary.TotalRecords, summary.TotalBreaths, summary.SkippedRows)
	}
	summary, err := client.LoadTest(cfg.TestPath)
	if err != nil {
		return err
	}
	printDataset("test", summary.Source, summary.TotalRecords, summary.TotalBreaths, summary.SkippedRows)

	// Testing needs a trained model; a fresh process trains without waiting first.
	trained, err := client.Train(ctx, ventapi.TrainRequest{Period: -1})
	if err != nil {
		return err
	}
	printRun(trained, false)

	tested, err := client.Test(ctx, ventapi.TestRequest{Period: cfg.Period})
	if err != nil {
		return err
	}
	printRun(tested, *f.plot)
	return nil
}

func runAutomaton(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("automaton", flag.ContinueOnError)
	f := registerSimFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := resolveRunConfig(fs, f)
	if err != nil {
		return err
	}

	client, err := newClient(cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Automaton(ctx, ventapi.AutomatonRequest{Generations: cfg.Generations, Period: cfg.Period})
	if err != nil {
		return err
	}
	fmt.Printf("automaton generations=%d low=%d medium=%d high=%d artifacts=%s\n",
		summary.Generations, summary.Final.Low, summary.Final.Medium, summary.Final.High, summary.ArtifactsDir)
	if *f.plot {
		high := make([]float64, len(summary.History))
		for i, st := range summary.History {
			high[i] = float64(st.High)
		}
		fmt.Println(report.Sparkline(high, "high cells per generation", 8, 60))
	}
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", envString(envAddr, defaultAddr), "listen address")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", envString(envDBPath, "ventsim.db"), "sqlite database path")
	maxUpload := fs.Int64("max-upload-bytes", service.MaxUploadBytes, "request body limit")
	seed := fs.Int64("seed", 0, "rng seed (0 seeds from the clock)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := storage.NewStore(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	gin.SetMode(gin.ReleaseMode)
	srv, err := service.New(service.Config{
		Store:          store,
		Logger:         newLogger(envString(envLogLevel, "info")),
		Rand:           seededRand(*seed),
		MaxUploadBytes: *maxUpload,
	})
	if err != nil {
		return err
	}
	fmt.Printf("serving addr=%s store=%s\n", *addr, *storeKind)
	return srv.ListenAndServe(ctx, *addr)
}

func runRemoteTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remote-train", flag.ContinueOnError)
	url := fs.String("url", envString(envServiceURL, defaultServiceURL), "collaborator base URL")
	path := fs.String("file", "", "labelled dataset CSV path")
	epochs := fs.Int("epochs", service.DefaultEpochs, "training epochs reported by the collaborator")
	plot := fs.Bool("plot", false, "print a terminal plot of the training history")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("remote-train requires --file")
	}

	logger := newLogger(envString(envLogLevel, "warn"))
	client := collab.NewClient(*url, nil, logger)
	tracker := collab.NewTracker(logger)
	body, summary, err := encodeUpload(*path, true, service.TrainSampleLimit)
	if err != nil {
		return err
	}
	printDataset("upload", summary.Source, summary.TotalRecords, summary.TotalBreaths, summary.SkippedRows)
	jobID := tracker.Submit(ctx, "train", func(ctx context.Context) (collab.Result, error) {
		return client.Train(ctx, summary.Source, bytes.NewReader(body), *epochs)
	})
	fmt.Printf("job_id=%s status=%s\n", jobID, collab.JobRunning)

	job, err := tracker.Wait(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == collab.JobFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	}
	if job.Result == nil {
		return fmt.Errorf("job %s returned no result", job.ID)
	}
	res := job.Result
	fmt.Printf("job_id=%s status=%s model_id=%s mae=%.4f samples=%d breaths=%d\n",
		job.ID, job.Status, res.ModelID, res.MAE, res.Samples, res.Breaths)
	if *plot && len(res.History) > 0 {
		series := make([]float64, len(res.History))
		for i, h := range res.History {
			series[i] = h.MAE
		}
		fmt.Println(report.Sparkline(series, "MAE per epoch", 8, 60))
	}
	return nil
}

func runRemotePredict(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remote-predict", flag.ContinueOnError)
	url := fs.String("url", envString(envServiceURL, defaultServiceURL), "collaborator base URL")
	path := fs.String("file", "", "test dataset CSV path")
	out := fs.String("out", "", "write the id,pressure submission CSV to this path instead of printing a summary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("remote-predict requires --file")
	}

	body, summary, err := encodeUpload(*path, false, 0)
	if err != nil {
		return err
	}
	client := collab.NewClient(*url, nil, newLogger(envString(envLogLevel, "warn")))

	if *out != "" {
		dst, err := os.Create(*out)
		if err != nil {
			return err
		}
		n, err := client.PredictCSV(ctx, summary.Source, bytes.NewReader(body), dst)
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
		fmt.Printf("submission=%s bytes=%d\n", *out, n)
		return nil
	}

	res, err := client.Predict(ctx, summary.Source, bytes.NewReader(body))
	if err != nil {
		return err
	}
	m := collab.TestMetrics(res)
	fmt.Printf("predictions=%d breaths=%d mae=%.4f rmse=%.4f\n", res.TotalPredictions, res.TotalBreaths, m.MAE, m.RMSE)
	for _, p := range res.Predictions {
		fmt.Printf("id=%s breath_id=%s pressure=%.4f\n", p.ID, p.BreathID, p.Pressure)
	}
	return nil
}

func runRemoteStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remote-status", flag.ContinueOnError)
	url := fs.String("url", envString(envServiceURL, defaultServiceURL), "collaborator base URL")
	load := fs.Bool("load-model", false, "ask the collaborator to restore its latest saved model first")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := collab.NewClient(*url, nil, newLogger(envString(envLogLevel, "warn")))
	if *load {
		res, err := client.LoadModel(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("loaded model_id=%s\n", res.ModelID)
	}
	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status=%s model_trained=%t model_type=%s\n", st.Status, st.ModelTrained, st.ModelType)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	runsDir := fs.String("runs-dir", envString(envRunsDir, defaultRunsDir), "run artifacts directory")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := ventapi.New(ventapi.Options{StoreKind: "memory", RunsDir: *runsDir, Logger: newLogger("error")})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	items, err := client.Runs(ctx, ventapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	for _, item := range items {
		fmt.Printf("run_id=%s created_at=%s kind=%s status=%s source=%s ticks=%d final_mae=%.6f final_rmse=%.6f\n",
			item.RunID,
			item.CreatedAtUTC,
			item.Kind,
			item.Status,
			item.Source,
			item.Ticks,
			item.FinalMAE,
			item.FinalRMSE,
		)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	runsDir := fs.String("runs-dir", envString(envRunsDir, defaultRunsDir), "run artifacts directory")
	outDir := fs.String("out", defaultExportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := ventapi.New(ventapi.Options{StoreKind: "memory", RunsDir: *runsDir, ExportsDir: *outDir, Logger: newLogger("error")})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Export(ctx, ventapi.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", summary.RunID, summary.Directory)
	return nil
}

// encodeUpload parses a dataset locally and re-serializes the accepted rows,
// so malformed lines never reach the collaborator.
func encodeUpload(path string, expectPressure bool, limit int) ([]byte, model.DatasetSummary, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, model.DatasetSummary{}, err
	}
	defer file.Close()
	ds, err := ingest.LoadDatasetLimit(filepath.Base(path), file, expectPressure, limit)
	if err != nil {
		return nil, model.DatasetSummary{}, err
	}
	var buf bytes.Buffer
	if err := ingest.WriteCSV(&buf, ds.Cycles, expectPressure); err != nil {
		return nil, model.DatasetSummary{}, fmt.Errorf("encode %s: %w", path, err)
	}
	return buf.Bytes(), ds.Summary, nil
}

func printDataset(role, source string, records, breaths, skipped int) {
	fmt.Printf("loaded %s source=%s records=%d breaths=%d skipped=%d\n", role, source, records, breaths, skipped)
}

func printRun(summary ventapi.RunSummary, plot bool) {
	fmt.Printf("run_id=%s kind=%s status=%s ticks=%d mae=%.4f rmse=%.4f samples=%d artifacts=%s\n",
		summary.RunID,
		summary.Kind,
		summary.Status,
		summary.Ticks,
		summary.Final.MAE,
		summary.Final.RMSE,
		summary.Final.Samples,
		summary.ArtifactsDir,
	)
	if plot && len(summary.History) > 0 {
		fmt.Println(report.Sparkline(report.MAESeries(summary.History), "MAE per tick", 8, 60))
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: ventsimctl <inspect|train|test|automaton|serve|remote-train|remote-predict|remote-status|runs|export> [flags]", msg)
}
