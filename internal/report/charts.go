package report

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/guptarohit/asciigraph"
	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"ventsim/internal/automaton"
	"ventsim/internal/model"
)

const (
	chartWidth  = 960
	chartHeight = 360
)

var (
	errEmptySeries = errors.New("nothing to plot")

	colorOrange = drawing.Color{R: 255, G: 165, B: 0, A: 255}
	colorBlue   = drawing.Color{R: 0, G: 116, B: 217, A: 255}
)

// RenderMetricsChart plots MAE and RMSE per tick as PNG.
func RenderMetricsChart(w io.Writer, history []model.Metrics) error {
	if len(history) == 0 {
		return errEmptySeries
	}
	mae := make([]float64, len(history))
	rmse := make([]float64, len(history))
	for i, m := range history {
		mae[i] = m.MAE
		rmse[i] = m.RMSE
	}
	xs := tickSeries(len(history))
	return renderLines(w, "Error per tick", "tick", "cmH2O", xs, []chart.Series{
		chart.ContinuousSeries{
			Name:    "MAE",
			XValues: xs,
			YValues: mae,
			Style:   chart.Style{StrokeColor: chart.ColorRed, StrokeWidth: 2.0},
		},
		chart.ContinuousSeries{
			Name:    "RMSE",
			XValues: xs,
			YValues: rmse,
			Style:   chart.Style{StrokeColor: colorOrange, StrokeWidth: 2.0},
		},
	}, mae, rmse)
}

// RenderCycleChart plots one breath: actual pressure when known, predicted
// pressure and the inspiratory control signal.
func RenderCycleChart(w io.Writer, obs []model.Observation) error {
	if len(obs) == 0 {
		return errEmptySeries
	}
	xs := tickSeries(len(obs))
	predicted := make([]float64, len(obs))
	uIn := make([]float64, len(obs))
	actual := make([]float64, 0, len(obs))
	for i, o := range obs {
		predicted[i] = o.Predicted
		uIn[i] = o.UIn
		if o.Actual != nil {
			actual = append(actual, *o.Actual)
		}
	}

	series := []chart.Series{
		chart.ContinuousSeries{
			Name:    "predicted",
			XValues: xs,
			YValues: predicted,
			Style:   chart.Style{StrokeColor: colorBlue, StrokeWidth: 2.0},
		},
		chart.ContinuousSeries{
			Name:    "u_in",
			XValues: xs,
			YValues: uIn,
			Style:   chart.Style{StrokeColor: chart.ColorGreen, StrokeWidth: 1.0, StrokeDashArray: []float64{4, 2}},
		},
	}
	ys := [][]float64{predicted, uIn}
	// Actual pressure is plotted only when every step carries it.
	if len(actual) == len(obs) {
		series = append([]chart.Series{chart.ContinuousSeries{
			Name:    "actual",
			XValues: xs,
			YValues: actual,
			Style:   chart.Style{StrokeColor: chart.ColorRed, StrokeWidth: 2.0},
		}}, series...)
		ys = append(ys, actual)
	}
	return renderLines(w, "Breath cycle", "step", "value", xs, series, ys...)
}

// RenderAutomatonChart plots the population of each level per generation.
func RenderAutomatonChart(w io.Writer, history []automaton.Stats) error {
	if len(history) == 0 {
		return errEmptySeries
	}
	low := make([]float64, len(history))
	medium := make([]float64, len(history))
	high := make([]float64, len(history))
	for i, st := range history {
		low[i] = float64(st.Low)
		medium[i] = float64(st.Medium)
		high[i] = float64(st.High)
	}
	xs := tickSeries(len(history))
	return renderLines(w, "Automaton population", "generation", "cells", xs, []chart.Series{
		chart.ContinuousSeries{Name: automaton.Low.String(), XValues: xs, YValues: low, Style: chart.Style{StrokeColor: chart.ColorGreen, StrokeWidth: 2.0}},
		chart.ContinuousSeries{Name: automaton.Medium.String(), XValues: xs, YValues: medium, Style: chart.Style{StrokeColor: colorOrange, StrokeWidth: 2.0}},
		chart.ContinuousSeries{Name: automaton.High.String(), XValues: xs, YValues: high, Style: chart.Style{StrokeColor: chart.ColorRed, StrokeWidth: 2.0}},
	}, low, medium, high)
}

func renderLines(w io.Writer, title, xName, yName string, xs []float64, series []chart.Series, ys ...[]float64) error {
	graph := chart.Chart{
		Title:  title,
		Width:  chartWidth,
		Height: chartHeight,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 20, Right: 20, Bottom: 20},
		},
		XAxis: chart.XAxis{
			Name:  xName,
			Style: chart.Style{FontSize: 10.0},
			ValueFormatter: func(v interface{}) string {
				return fmt.Sprintf("%d", int(v.(float64)))
			},
		},
		YAxis: chart.YAxis{
			Name:  yName,
			Style: chart.Style{FontSize: 10.0},
		},
		Series: series,
	}
	// go-chart rejects zero-width ranges, so flat series get explicit bounds.
	if len(xs) == 1 {
		graph.XAxis.Range = &chart.ContinuousRange{Min: xs[0] - 1, Max: xs[0] + 1}
	}
	if lo, hi := bounds(ys...); hi-lo < 1e-9 {
		graph.YAxis.Range = &chart.ContinuousRange{Min: lo - 1, Max: hi + 1}
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return graph.Render(chart.PNG, w)
}

func tickSeries(n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i + 1)
	}
	return xs
}

func bounds(series ...[]float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range series {
		for _, v := range s {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if math.IsInf(lo, 1) {
		return 0, 0
	}
	return lo, hi
}

// Sparkline renders a terminal plot of series. Empty input yields "".
func Sparkline(series []float64, caption string, height, width int) string {
	if len(series) == 0 {
		return ""
	}
	opts := []asciigraph.Option{asciigraph.Caption(caption)}
	if height > 0 {
		opts = append(opts, asciigraph.Height(height))
	}
	if width > 0 {
		opts = append(opts, asciigraph.Width(width))
	}
	return asciigraph.Plot(series, opts...)
}

// MAESeries extracts the MAE column of a metric history.
func MAESeries(history []model.Metrics) []float64 {
	out := make([]float64, len(history))
	for i, m := range history {
		out[i] = m.MAE
	}
	return out
}
