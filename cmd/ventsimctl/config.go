package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"
)

const (
	envDBPath     = "VENTSIM_DB_PATH"
	envRunsDir    = "VENTSIM_RUNS_DIR"
	envServiceURL = "VENTSIM_SERVICE_URL"
	envAddr       = "VENTSIM_ADDR"
	envLogLevel   = "VENTSIM_LOG_LEVEL"

	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultAddr       = ":5000"
	defaultServiceURL = "http://localhost:5000"
)

// runConfig is the resolved input of the train, test and automaton commands.
type runConfig struct {
	TrainPath   string
	TestPath    string
	Period      time.Duration
	Seed        int64
	R           float64
	C           float64
	Rows        int
	Cols        int
	Generations int
	StoreKind   string
	DBPath      string
	RunsDir     string
}

func loadRunConfig(path string, base runConfig) (runConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return runConfig{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return runConfig{}, err
	}

	cfg := base
	if v, ok := asString(raw["train_path"]); ok {
		cfg.TrainPath = v
	}
	if v, ok := asString(raw["test_path"]); ok {
		cfg.TestPath = v
	}
	if v, ok := asInt(raw["period_ms"]); ok {
		cfg.Period = periodFromMillis(v)
	}
	if v, ok := asInt64(raw["seed"]); ok {
		cfg.Seed = v
	}
	if v, ok := asFloat64(raw["r"]); ok {
		cfg.R = v
	}
	if v, ok := asFloat64(raw["c"]); ok {
		cfg.C = v
	}
	if v, ok := asInt(raw["rows"]); ok {
		cfg.Rows = v
	}
	if v, ok := asInt(raw["cols"]); ok {
		cfg.Cols = v
	}
	if v, ok := asInt(raw["generations"]); ok {
		cfg.Generations = v
	}
	if v, ok := asString(raw["store"]); ok {
		cfg.StoreKind = v
	}
	if v, ok := asString(raw["db_path"]); ok {
		cfg.DBPath = v
	}
	if v, ok := asString(raw["runs_dir"]); ok {
		cfg.RunsDir = v
	}
	if err := validateRunConfig(cfg); err != nil {
		return runConfig{}, err
	}
	return cfg, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// runConfigFromFlags builds a config from every flag value, defaults included.
func runConfigFromFlags(flagValue map[string]any) runConfig {
	var cfg runConfig
	set := make(map[string]bool, len(flagValue))
	for name := range flagValue {
		set[name] = true
	}
	_ = overrideFromFlags(&cfg, set, flagValue)
	return cfg
}

func overrideFromFlags(cfg *runConfig, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "train":
			cfg.TrainPath = v.(string)
		case "test":
			cfg.TestPath = v.(string)
		case "period-ms":
			cfg.Period = periodFromMillis(v.(int))
		case "seed":
			cfg.Seed = v.(int64)
		case "r":
			cfg.R = v.(float64)
		case "c":
			cfg.C = v.(float64)
		case "rows":
			cfg.Rows = v.(int)
		case "cols":
			cfg.Cols = v.(int)
		case "gens":
			cfg.Generations = v.(int)
		case "store":
			cfg.StoreKind = v.(string)
		case "db-path":
			cfg.DBPath = v.(string)
		case "runs-dir":
			cfg.RunsDir = v.(string)
		}
	}
	return validateRunConfig(*cfg)
}

func validateRunConfig(cfg runConfig) error {
	if cfg.Rows < 0 || cfg.Cols < 0 {
		return fmt.Errorf("automaton grid must not be negative: rows=%d cols=%d", cfg.Rows, cfg.Cols)
	}
	if cfg.Generations < 0 {
		return errors.New("gens must be >= 0")
	}
	switch strings.TrimSpace(cfg.StoreKind) {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("unsupported store backend: %s", cfg.StoreKind)
	}
	return nil
}

func loadOrDefaultRunConfig(configPath string, base runConfig) (runConfig, error) {
	if configPath == "" {
		return base, nil
	}
	cfg, err := loadRunConfig(configPath, base)
	if err != nil {
		return runConfig{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// periodFromMillis maps the CLI convention onto driver periods: zero keeps
// the default cadence and any negative value ticks without waiting.
func periodFromMillis(ms int) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

func envString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func seededRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}
