// Package stats computes per-metric summaries of a run and tracks ingest
// counters for the daemon status line.
package stats

import (
	"errors"
	"fmt"
	"math"

	"brickbench/reading"
)

// ErrEmptySet is returned when a summary is requested over no readings.
var ErrEmptySet = errors.New("stats: no readings to summarize")

// MetricSummary holds mean/min/max of one metric. Count is the number of
// readings that carried the metric; a zero Count means "not measured".
type MetricSummary struct {
	Count int
	Mean  float64
	Min   float64
	Max   float64
}

// Valid reports whether at least one reading contributed.
func (m MetricSummary) Valid() bool {
	return m.Count > 0
}

// Summary is a derived view over a run. It is never cached.
type Summary struct {
	Readings    int
	Temperature MetricSummary
	Pressure    MetricSummary
	Humidity    MetricSummary
}

// Metric returns the summary entry for m.
func (s Summary) Metric(m reading.Metric) MetricSummary {
	switch m {
	case reading.Temperature:
		return s.Temperature
	case reading.Pressure:
		return s.Pressure
	case reading.Humidity:
		return s.Humidity
	default:
		return MetricSummary{}
	}
}

// Summarize computes mean/min/max per metric over readings.
func Summarize(readings []reading.Reading) (Summary, error) {
	if len(readings) == 0 {
		return Summary{}, ErrEmptySet
	}
	out := Summary{Readings: len(readings)}
	for _, m := range reading.Metrics {
		acc := accumulate(readings, m)
		switch m {
		case reading.Temperature:
			out.Temperature = acc
		case reading.Pressure:
			out.Pressure = acc
		case reading.Humidity:
			out.Humidity = acc
		}
	}
	return out, nil
}

func accumulate(readings []reading.Reading, m reading.Metric) MetricSummary {
	var (
		acc MetricSummary
		sum float64
	)
	for _, r := range readings {
		v, ok := r.Value(m)
		if !ok {
			continue
		}
		if acc.Count == 0 || v < acc.Min {
			acc.Min = v
		}
		if acc.Count == 0 || v > acc.Max {
			acc.Max = v
		}
		sum += v
		acc.Count++
	}
	if acc.Count == 0 {
		return acc
	}
	acc.Mean = sum / float64(acc.Count)
	if math.IsInf(acc.Mean, 0) {
		// Finite inputs overflowed the sum; average pre-divided values instead.
		acc.Mean = scaledMean(readings, m, float64(acc.Count))
	}
	return acc
}

func scaledMean(readings []reading.Reading, m reading.Metric, n float64) float64 {
	var mean float64
	for _, r := range readings {
		if v, ok := r.Value(m); ok {
			mean += v / n
		}
	}
	return mean
}

// Lines renders the summary as an aligned text table.
func (s Summary) Lines() []string {
	lines := []string{
		fmt.Sprintf("%-18s %10s %10s %10s", "Metric", "Mean", "Min", "Max"),
	}
	for _, m := range reading.Metrics {
		ms := s.Metric(m)
		if !ms.Valid() {
			lines = append(lines, fmt.Sprintf("%-18s %10s %10s %10s", m.Label(), "n/a", "n/a", "n/a"))
			continue
		}
		lines = append(lines, fmt.Sprintf("%-18s %10.2f %10.2f %10.2f", m.Label(), ms.Mean, ms.Min, ms.Max))
	}
	return lines
}
