// Package export turns a run snapshot into a ZIP bundle: data.csv, one PNG
// chart per metric and a PDF report. Intermediate files live in a scoped
// temporary directory and the bundle appears at its destination atomically.
package export

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"brickbench/buffer"
	"brickbench/reading"
	"brickbench/stats"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/xxh3"
	"gonum.org/v1/plot/vg"
)

const (
	CSVName    = "data.csv"
	ReportName = "report.pdf"
)

// ErrNoReadings reports that the exported run was empty. The bundle is still written.
var ErrNoReadings = errors.New("export: no readings collected")

// ExportError describes a failed (or empty) export.
type ExportError struct {
	Path string
	Op   string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

type Logger interface {
	Printf(format string, args ...any)
}

// Options tunes the bundle. Zero values fall back to defaults.
type Options struct {
	Title             string
	ChartWidthInches  float64
	ChartHeightInches float64
	// OmitRowTable drops the per-reading table from the PDF.
	OmitRowTable bool
	// WorkDir is the parent of the scoped temporary directory (os.TempDir when empty).
	WorkDir string
	Now     func() time.Time
	Logger  Logger
}

type Result struct {
	Path     string
	Readings int
	Bytes    int64
	// Digest is the xxh3-64 of data.csv, hex encoded.
	Digest  string
	Entries []string
}

// Entries lists the bundle members in archive order.
func Entries() []string {
	out := []string{CSVName}
	for _, m := range reading.Metrics {
		out = append(out, ChartName(m))
	}
	return append(out, ReportName)
}

// Export writes the bundle for snap to dest (".zip" appended when missing).
// An empty snapshot still yields a valid bundle; the returned error then wraps
// ErrNoReadings alongside a populated Result.
func Export(ctx context.Context, snap buffer.Snapshot, dest string, opts Options) (Result, error) {
	var result Result
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return result, &ExportError{Path: dest, Op: "destination", Err: errors.New("empty path")}
	}
	if !strings.EqualFold(filepath.Ext(dest), ".zip") {
		dest += ".zip"
	}
	fail := func(op string, err error) (Result, error) {
		return Result{}, &ExportError{Path: dest, Op: op, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail("start", err)
	}
	opts = withDefaults(opts)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fail("destination", err)
	}
	workDir, err := os.MkdirTemp(opts.WorkDir, "brickbench-export-*")
	if err != nil {
		return fail("workdir", err)
	}
	defer os.RemoveAll(workDir)

	digest, err := writeCSVFile(filepath.Join(workDir, CSVName), snap.Readings)
	if err != nil {
		return fail("csv", err)
	}

	charts := make(map[reading.Metric]string, len(reading.Metrics))
	width := vg.Length(opts.ChartWidthInches) * vg.Inch
	height := vg.Length(opts.ChartHeightInches) * vg.Inch
	for i, m := range reading.Metrics {
		if err := ctx.Err(); err != nil {
			return fail("chart", err)
		}
		path := filepath.Join(workDir, ChartName(m))
		if err := renderChart(snap.Readings, m, i, width, height, path); err != nil {
			return fail("chart", err)
		}
		charts[m] = path
	}

	data := reportData{
		Title:       opts.Title,
		GeneratedAt: opts.Now(),
		RunID:       snap.RunID,
		StartedAt:   snap.StartedAt,
		LastAt:      snap.LastAt,
		Readings:    snap.Readings,
		Digest:      digest,
		Charts:      charts,
		RowTable:    !opts.OmitRowTable,
	}
	if summary, err := stats.Summarize(snap.Readings); err == nil {
		data.Summary = &summary
	} else if !errors.Is(err, stats.ErrEmptySet) {
		return fail("summary", err)
	}
	if err := ctx.Err(); err != nil {
		return fail("report", err)
	}
	if err := writeReport(filepath.Join(workDir, ReportName), data); err != nil {
		return fail("report", err)
	}

	entries := Entries()
	size, err := writeZipAtomic(dest, workDir, entries, data.GeneratedAt)
	if err != nil {
		return fail("zip", err)
	}

	result = Result{
		Path:     dest,
		Readings: len(snap.Readings),
		Bytes:    size,
		Digest:   digest,
		Entries:  entries,
	}
	if opts.Logger != nil {
		opts.Logger.Printf("Export: wrote %s (%s, %s readings)", dest, humanize.Bytes(uint64(size)), humanize.Comma(int64(result.Readings)))
	}
	if result.Readings == 0 {
		return result, &ExportError{Path: dest, Op: "export", Err: ErrNoReadings}
	}
	return result, nil
}

func withDefaults(opts Options) Options {
	if strings.TrimSpace(opts.Title) == "" {
		opts.Title = "Brick Test Report"
	}
	if opts.ChartWidthInches <= 0 {
		opts.ChartWidthInches = 16
	}
	if opts.ChartHeightInches <= 0 {
		opts.ChartHeightInches = 9
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

func writeCSVFile(path string, readings []reading.Reading) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	hasher := xxh3.New()
	if err := WriteCSV(io.MultiWriter(f, hasher), readings); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", hasher.Sum64()), nil
}

// writeZipAtomic builds the archive in a temp file beside dest, then renames it.
func writeZipAtomic(dest, srcDir string, entries []string, modified time.Time) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	zw := zip.NewWriter(tmp)
	for _, name := range entries {
		if err := addZipEntry(zw, filepath.Join(srcDir, name), name, modified); err != nil {
			_ = zw.Close()
			cleanup()
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, err
	}
	info, err := tmp.Stat()
	if err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	return info.Size(), nil
}

func addZipEntry(zw *zip.Writer, path, name string, modified time.Time) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
