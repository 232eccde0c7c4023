package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"ventsim/internal/automaton"
	"ventsim/internal/model"
	"ventsim/internal/sim"
	"ventsim/internal/storage"
)

const (
	driverTask    = "driver"
	automatonTask = "automaton"

	// AutomatonPeriod is the default cadence of the automaton loop.
	AutomatonPeriod = 200 * time.Millisecond
)

var ErrBusy = errors.New("a run is already in progress")

type SessionConfig struct {
	Store  storage.Store
	Logger *slog.Logger
	Rand   *rand.Rand

	// R and C parameterise the synthetic training cycle.
	R float64
	C float64

	Rows int
	Cols int

	OnFrame      func(sim.Frame)
	OnGeneration func(generation int, stats automaton.Stats)
}

// Session hosts one simulation driver and one automaton engine, each stepped
// by its own loop, and records finished runs into the store.
type Session struct {
	driver *sim.Driver
	engine *automaton.Engine
	tasks  *Tasks
	store  storage.Store
	logger *slog.Logger

	onFrame      func(sim.Frame)
	onGeneration func(int, automaton.Stats)
	now          func() time.Time

	mu         sync.Mutex
	train      model.Dataset
	test       model.Dataset
	recorder   *runRecorder
	lastRun    *model.RunRecord
	persistErr error
	generation []automaton.Stats
}

type runRecorder struct {
	id       string
	kind     model.RunKind
	source   string
	started  time.Time
	cycles   int
	ticks    int
	finished bool
	final    model.Metrics
	history  []model.Metrics
	last     []model.Observation
}

func NewSession(cfg SessionConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	rows, cols := cfg.Rows, cfg.Cols
	if rows <= 0 {
		rows = automaton.DefaultRows
	}
	if cols <= 0 {
		cols = automaton.DefaultCols
	}
	// The two loops run concurrently, so each engine gets its own source.
	engineRand := rand.New(rand.NewSource(rng.Int63()))
	engine, err := automaton.NewWithConfig(automaton.Config{Rows: rows, Cols: cols, Rand: engineRand})
	if err != nil {
		return nil, err
	}
	store := cfg.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if err := store.Init(context.Background()); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &Session{
		driver:       sim.NewDriver(sim.Config{R: cfg.R, C: cfg.C, Rand: rng}),
		engine:       engine,
		tasks:        NewTasks(logger),
		store:        store,
		logger:       logger.With(slog.String("component", "session")),
		onFrame:      cfg.OnFrame,
		onGeneration: cfg.OnGeneration,
		now:          time.Now,
	}, nil
}

func (s *Session) Driver() *sim.Driver { return s.driver }

func (s *Session) Engine() *automaton.Engine { return s.engine }

func (s *Session) Store() storage.Store { return s.store }

func (s *Session) LoadTraining(ds model.Dataset) {
	s.mu.Lock()
	s.train = ds
	s.mu.Unlock()
	s.driver.LoadTrainingDataset(ds)
	s.logger.Info("training dataset loaded",
		slog.String("source", ds.Summary.Source),
		slog.Int("records", ds.Summary.TotalRecords),
		slog.Int("breaths", ds.Summary.TotalBreaths),
	)
}

func (s *Session) LoadTest(ds model.Dataset) {
	s.mu.Lock()
	s.test = ds
	s.mu.Unlock()
	s.driver.LoadTestDataset(ds)
	s.logger.Info("test dataset loaded",
		slog.String("source", ds.Summary.Source),
		slog.Int("records", ds.Summary.TotalRecords),
		slog.Int("breaths", ds.Summary.TotalBreaths),
	)
}

// StartTraining begins a training run. A zero period follows the driver's own
// cadence; a negative period ticks without waiting.
func (s *Session) StartTraining(ctx context.Context, period time.Duration) error {
	if s.tasks.Running(driverTask) {
		return ErrBusy
	}
	s.driver.StartTraining()

	s.mu.Lock()
	source := s.train.Summary.Source
	if s.train.CycleCount() == 0 {
		source = "synthetic"
	}
	s.recorder = &runRecorder{
		id:      uuid.NewString(),
		kind:    model.RunKindTraining,
		source:  source,
		started: s.now(),
		cycles:  s.driver.Snapshot().TrainingBound,
	}
	s.mu.Unlock()

	return s.startDriverLoop(ctx, period)
}

func (s *Session) StartTesting(ctx context.Context, period time.Duration) error {
	if s.tasks.Running(driverTask) {
		return ErrBusy
	}
	if err := s.driver.StartTesting(); err != nil {
		return err
	}

	s.mu.Lock()
	s.recorder = &runRecorder{
		id:      uuid.NewString(),
		kind:    model.RunKindTesting,
		source:  s.test.Summary.Source,
		started: s.now(),
		cycles:  s.driver.Snapshot().TestingBound,
	}
	s.mu.Unlock()

	return s.startDriverLoop(ctx, period)
}

func (s *Session) startDriverLoop(ctx context.Context, period time.Duration) error {
	loop := Loop{Period: s.driver.Period, Step: s.stepDriver}
	switch {
	case period < 0:
		loop.Period = FixedPeriod(0)
	case period > 0:
		loop.Period = FixedPeriod(period)
	}
	return s.tasks.Start(ctx, driverTask, func(ctx context.Context) error {
		runErr := loop.Run(ctx)
		if errors.Is(runErr, context.Canceled) {
			runErr = nil
		}
		if err := s.finishRun(runErr); err != nil {
			return err
		}
		return runErr
	})
}

func (s *Session) stepDriver(context.Context) bool {
	frame, ok := s.driver.Tick()
	if !ok {
		return true
	}

	s.mu.Lock()
	if rec := s.recorder; rec != nil {
		rec.ticks++
		rec.final = frame.Metrics
		if len(frame.Observations) > 0 {
			rec.history = append(rec.history, frame.Metrics)
			rec.last = frame.Observations
		}
		rec.finished = frame.Finished
	}
	s.mu.Unlock()

	if s.onFrame != nil {
		s.onFrame(frame)
	}
	return frame.Finished
}

func (s *Session) finishRun(runErr error) error {
	s.mu.Lock()
	rec := s.recorder
	s.recorder = nil
	s.mu.Unlock()
	if rec == nil {
		return nil
	}
	// Leaving the loop early must not leave the driver mid-run.
	if !rec.finished {
		s.driver.Stop()
	}

	status := model.RunStatusStopped
	switch {
	case runErr != nil:
		status = model.RunStatusFailed
	case rec.finished:
		status = model.RunStatusCompleted
	}
	run := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              rec.id,
		Kind:            rec.kind,
		Status:          status,
		Source:          rec.source,
		CreatedAtUTC:    rec.started.UTC().Format(time.RFC3339),
		Ticks:           rec.ticks,
		Cycles:          rec.cycles,
		Final:           rec.final,
		History:         rec.history,
		LastFrame:       rec.last,
		Error:           errString(runErr),
	}

	err := s.store.SaveRun(context.Background(), run)
	s.mu.Lock()
	s.lastRun = &run
	s.persistErr = err
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("persist run failed", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}
	s.logger.Info("run finished",
		slog.String("run_id", run.ID),
		slog.String("kind", string(run.Kind)),
		slog.String("status", string(run.Status)),
		slog.Int("ticks", run.Ticks),
		slog.Float64("mae", run.Final.MAE),
		slog.Float64("rmse", run.Final.RMSE),
	)
	return nil
}

// Wait blocks until the active training or testing run has been recorded and
// returns that record.
func (s *Session) Wait(ctx context.Context) (model.RunRecord, error) {
	if err := s.tasks.Wait(ctx, driverTask); err != nil {
		return model.RunRecord{}, err
	}
	return s.LastRun()
}

// StopRun halts the active run and records it as stopped.
func (s *Session) StopRun() {
	s.driver.Stop()
	s.tasks.Stop(driverTask)
}

func (s *Session) LastRun() (model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return model.RunRecord{}, s.persistErr
	}
	if s.lastRun == nil {
		return model.RunRecord{}, errors.New("no run recorded")
	}
	return *s.lastRun, nil
}

// StartAutomaton steps the engine until ctx ends or, when generations > 0,
// that many generations have run.
func (s *Session) StartAutomaton(ctx context.Context, period time.Duration, generations int) error {
	if s.tasks.Running(automatonTask) {
		return ErrBusy
	}
	if period == 0 {
		period = AutomatonPeriod
	} else if period < 0 {
		period = 0
	}
	s.mu.Lock()
	s.generation = s.generation[:0]
	s.mu.Unlock()

	steps := 0
	loop := Loop{
		Period: FixedPeriod(period),
		Step: func(context.Context) bool {
			stats := s.engine.Step()
			steps++
			s.mu.Lock()
			s.generation = append(s.generation, stats)
			s.mu.Unlock()
			if s.onGeneration != nil {
				s.onGeneration(s.engine.Generation(), stats)
			}
			return generations > 0 && steps >= generations
		},
	}
	return s.tasks.Start(ctx, automatonTask, loop.Run)
}

func (s *Session) WaitAutomaton(ctx context.Context) error {
	return s.tasks.Wait(ctx, automatonTask)
}

func (s *Session) StopAutomaton() {
	s.tasks.Stop(automatonTask)
}

// AutomatonHistory returns the population counts of every generation stepped
// since the automaton loop was last started.
func (s *Session) AutomatonHistory() []automaton.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]automaton.Stats(nil), s.generation...)
}

func (s *Session) Status() []TaskStatus {
	return s.tasks.Status()
}

func (s *Session) Close() {
	s.driver.Stop()
	s.tasks.StopAll()
}
