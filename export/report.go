package export

import (
	"fmt"
	"time"

	"brickbench/reading"
	"brickbench/stats"

	"github.com/dustin/go-humanize"
	"github.com/go-pdf/fpdf"
)

type reportData struct {
	Title       string
	GeneratedAt time.Time
	RunID       string
	StartedAt   time.Time
	LastAt      time.Time
	Readings    []reading.Reading
	Summary     *stats.Summary
	Digest      string
	Charts      map[reading.Metric]string
	RowTable    bool
}

var (
	headerFill = [3]int{194, 152, 143}
	bodyFill   = [3]int{245, 227, 210}
	bodyText   = [3]int{90, 78, 65}
	gridColor  = [3]int{185, 145, 136}
)

const (
	rowHeight    = 7.0
	chartWidth   = 170.0
	tableFont    = "Helvetica"
	reportLayout = "02/01/2006 15:04:05"
)

// writeReport renders the PDF report: run header, summary table, optional
// full reading table (header repeated on each page) and the metric charts.
func writeReport(path string, data reportData) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(data.Title, true)
	pdf.SetCreator("brickbench", true)
	pdf.SetCreationDate(data.GeneratedAt)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont(tableFont, "B", 18)
	pdf.CellFormat(0, 12, tr(data.Title), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont(tableFont, "", 11)
	info := []string{
		"Generated: " + data.GeneratedAt.Format(reportLayout),
		"Run: " + data.RunID,
		"Samples: " + humanize.Comma(int64(len(data.Readings))),
	}
	if len(data.Readings) > 0 {
		info = append(info,
			"Started: "+data.StartedAt.Format(reportLayout),
			"Last sample: "+data.LastAt.Format(reportLayout),
			"Duration: "+data.LastAt.Sub(data.StartedAt).Round(time.Second).String(),
		)
	}
	info = append(info, "CSV digest (xxh3): "+data.Digest)
	for _, line := range info {
		pdf.CellFormat(0, 6, tr(line), "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	if data.Summary == nil {
		pdf.SetFont(tableFont, "I", 12)
		pdf.CellFormat(0, 8, tr("No data was collected during this run."), "", 1, "L", false, 0, "")
	} else {
		heading(pdf, tr, "Summary")
		widths := []float64{60, 40, 40, 40}
		tableHeader(pdf, tr, widths, []string{"Metric", "Mean", "Minimum", "Maximum"})
		for _, m := range reading.Metrics {
			ms := data.Summary.Metric(m)
			row := []string{m.Label(), "n/a", "n/a", "n/a"}
			if ms.Valid() {
				row[1], row[2], row[3] = formatValue(ms.Mean), formatValue(ms.Min), formatValue(ms.Max)
			}
			tableRow(pdf, tr, widths, row)
		}
		pdf.Ln(6)

		if data.RowTable {
			heading(pdf, tr, "Readings")
			widths := []float64{20, 50, 50, 50}
			header := []string{"No.", reading.Temperature.Label(), reading.Pressure.Label(), reading.Humidity.Label()}
			tableHeader(pdf, tr, widths, header)
			_, pageHeight := pdf.GetPageSize()
			_, _, _, bottom := pdf.GetMargins()
			for i, r := range data.Readings {
				if pdf.GetY()+rowHeight > pageHeight-bottom-15 {
					pdf.AddPage()
					tableHeader(pdf, tr, widths, header)
				}
				press := "-"
				if r.HasPressure {
					press = formatValue(r.Pressure)
				}
				tableRow(pdf, tr, widths, []string{
					fmt.Sprintf("%d", i+1),
					formatValue(r.Temperature),
					press,
					formatValue(r.Humidity),
				})
			}
			pdf.Ln(6)
		}
	}

	pdf.AddPage()
	heading(pdf, tr, "Charts")
	for _, m := range reading.Metrics {
		path, ok := data.Charts[m]
		if !ok {
			continue
		}
		pdf.SetFont(tableFont, "B", 11)
		pdf.CellFormat(0, 7, tr(m.Label()), "", 1, "C", false, 0, "")
		left, _, _, _ := pdf.GetMargins()
		pageWidth, _ := pdf.GetPageSize()
		x := left + (pageWidth-2*left-chartWidth)/2
		pdf.ImageOptions(path, x, 0, chartWidth, 0, true, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		pdf.Ln(4)
	}

	if err := pdf.OutputFileAndClose(path); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

func heading(pdf *fpdf.Fpdf, tr func(string) string, text string) {
	pdf.SetFont(tableFont, "B", 14)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 9, tr(text), "", 1, "L", false, 0, "")
}

func tableHeader(pdf *fpdf.Fpdf, tr func(string) string, widths []float64, cols []string) {
	pdf.SetFont(tableFont, "B", 11)
	pdf.SetFillColor(headerFill[0], headerFill[1], headerFill[2])
	pdf.SetDrawColor(gridColor[0], gridColor[1], gridColor[2])
	pdf.SetTextColor(255, 255, 255)
	for i, col := range cols {
		pdf.CellFormat(widths[i], rowHeight+1, tr(col), "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
}

func tableRow(pdf *fpdf.Fpdf, tr func(string) string, widths []float64, cols []string) {
	pdf.SetFont(tableFont, "", 10)
	pdf.SetFillColor(bodyFill[0], bodyFill[1], bodyFill[2])
	pdf.SetTextColor(bodyText[0], bodyText[1], bodyText[2])
	for i, col := range cols {
		pdf.CellFormat(widths[i], rowHeight, tr(col), "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
}
