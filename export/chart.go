package export

import (
	"fmt"

	"brickbench/reading"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// ChartName is the bundle entry name for metric m.
func ChartName(m reading.Metric) string {
	return string(m) + "_graph.png"
}

// renderChart draws metric m against the sample number and saves it as PNG.
// Readings that do not carry the metric are skipped; an empty series renders
// a "no data" placeholder so the bundle layout never changes.
func renderChart(readings []reading.Reading, m reading.Metric, idx int, width, height vg.Length, path string) error {
	p := plot.New()
	p.Title.Text = m.Label()
	p.X.Label.Text = "Sample"
	p.Y.Label.Text = m.Label()
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, 0, len(readings))
	for i, r := range readings {
		v, ok := r.Value(m)
		if !ok {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(i + 1), Y: v})
	}

	if len(pts) == 0 {
		labels, err := plotter.NewLabels(plotter.XYLabels{
			XYs:    plotter.XYs{{X: 0.5, Y: 0.5}},
			Labels: []string{"no data"},
		})
		if err != nil {
			return fmt.Errorf("chart %s: %w", m, err)
		}
		p.Add(labels)
		p.X.Min, p.X.Max = 0, 1
		p.Y.Min, p.Y.Max = 0, 1
	} else {
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return fmt.Errorf("chart %s: %w", m, err)
		}
		line.Color = plotutil.Color(idx)
		points.Color = plotutil.Color(idx)
		points.Radius = vg.Points(1.5)
		p.Add(line, points)
	}

	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("chart %s: save: %w", m, err)
	}
	return nil
}
