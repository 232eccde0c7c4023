// Package automaton propagates three discrete pressure levels across a
// toroidal grid, one generation per Step.
package automaton

import (
	"fmt"
	"math/rand"
	"sync"
)

type Level uint8

const (
	Low Level = iota
	Medium
	High
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

const (
	DefaultRows = 20
	DefaultCols = 30

	highThreshold   = 0.7
	mediumThreshold = 0.4

	// PerturbationRate is the per-cell chance of a random overwrite each step.
	PerturbationRate = 0.05
)

type Stats struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

func (s Stats) Total() int { return s.Low + s.Medium + s.High }

type Config struct {
	Rows int
	Cols int
	// PerturbationRate overrides the default random-overwrite chance when set.
	PerturbationRate *float64
	Rand             *rand.Rand
}

type Engine struct {
	mu sync.Mutex

	rows, cols   int
	cur, nxt     []Level
	rng          *rand.Rand
	perturbation float64
	generation   int
	stats        Stats
}

func New(rows, cols int, rng *rand.Rand) (*Engine, error) {
	return NewWithConfig(Config{Rows: rows, Cols: cols, Rand: rng})
}

func NewWithConfig(cfg Config) (*Engine, error) {
	if cfg.Rows <= 0 || cfg.Cols <= 0 {
		return nil, fmt.Errorf("grid dimensions must be positive: %dx%d", cfg.Rows, cfg.Cols)
	}
	rate := PerturbationRate
	if cfg.PerturbationRate != nil {
		rate = *cfg.PerturbationRate
		if rate < 0 || rate > 1 {
			return nil, fmt.Errorf("perturbation rate out of range: %f", rate)
		}
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	e := &Engine{
		rows:         cfg.Rows,
		cols:         cfg.Cols,
		cur:          make([]Level, cfg.Rows*cfg.Cols),
		nxt:          make([]Level, cfg.Rows*cfg.Cols),
		rng:          rng,
		perturbation: rate,
	}
	e.fill()
	return e, nil
}

// Reset refills the grid from the random source and zeroes the generation.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fill()
}

func (e *Engine) fill() {
	for i := range e.cur {
		u := e.rng.Float64()
		switch {
		case u > highThreshold:
			e.cur[i] = High
		case u > mediumThreshold:
			e.cur[i] = Medium
		default:
			e.cur[i] = Low
		}
	}
	e.generation = 0
	e.stats = countLevels(e.cur)
}

// Step computes the next generation from the current buffer only, then swaps.
func (e *Engine) Step() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	for r := 0; r < e.rows; r++ {
		for c := 0; c < e.cols; c++ {
			idx := r*e.cols + c
			next := Transition(e.cur[idx], e.neighborAverage(r, c))
			if e.rng.Float64() < e.perturbation {
				next = Level(e.rng.Intn(3))
			}
			e.nxt[idx] = next
		}
	}
	e.cur, e.nxt = e.nxt, e.cur
	e.generation++
	e.stats = countLevels(e.cur)
	return e.stats
}

func (e *Engine) neighborAverage(r, c int) float64 {
	sum := 0
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			nr := (r + dr + e.rows) % e.rows
			nc := (c + dc + e.cols) % e.cols
			sum += int(e.cur[nr*e.cols+nc])
		}
	}
	return float64(sum) / 8
}

// Transition applies the neighbour-averaging rule to one cell.
func Transition(cell Level, avgNeighbor float64) Level {
	switch cell {
	case High:
		if avgNeighbor < 1.5 {
			return Medium
		}
	case Low:
		if avgNeighbor > 1.0 {
			return Medium
		}
	case Medium:
		if avgNeighbor > 1.5 {
			return High
		}
		if avgNeighbor < 0.8 {
			return Low
		}
	}
	return cell
}

func countLevels(cells []Level) Stats {
	var s Stats
	for _, v := range cells {
		switch v {
		case Low:
			s.Low++
		case Medium:
			s.Medium++
		case High:
			s.High++
		}
	}
	return s
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) Generation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

func (e *Engine) Size() (rows, cols int) {
	return e.rows, e.cols
}

// Cells returns a row-major copy of the current generation.
func (e *Engine) Cells() [][]Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]Level, e.rows)
	for r := 0; r < e.rows; r++ {
		out[r] = append([]Level(nil), e.cur[r*e.cols:(r+1)*e.cols]...)
	}
	return out
}

// SetCells replaces the current generation. Used to seed known patterns.
func (e *Engine) SetCells(cells [][]Level) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(cells) != e.rows {
		return fmt.Errorf("expected %d rows, got %d", e.rows, len(cells))
	}
	for r, row := range cells {
		if len(row) != e.cols {
			return fmt.Errorf("row %d: expected %d cols, got %d", r, e.cols, len(row))
		}
		for c, v := range row {
			if v > High {
				return fmt.Errorf("cell %d,%d: invalid level %d", r, c, v)
			}
			e.cur[r*e.cols+c] = v
		}
	}
	e.stats = countLevels(e.cur)
	return nil
}
