// Command bench_export rebuilds the export bundle of an archived run offline,
// or lists the runs held in the archive database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"brickbench/archive"
	"brickbench/buffer"
	"brickbench/config"
	"brickbench/export"
	"brickbench/reading"

	"github.com/dustin/go-humanize"
)

type options struct {
	configPath string
	dbPath     string
	runID      string
	out        string
	list       bool
	limit      int
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Bench config file or directory (export settings and archive path)")
	flag.StringVar(&opts.dbPath, "db", "", "Archive database (defaults to archive.db_path, then data/archive/bench.db)")
	flag.StringVar(&opts.runID, "run", "", "Run id to export (defaults to the newest run)")
	flag.StringVar(&opts.out, "out", "", "Output ZIP path (defaults to <export dir>/run-<id>-<start>.zip)")
	flag.BoolVar(&opts.list, "list", false, "List archived runs instead of exporting")
	flag.IntVar(&opts.limit, "limit", 20, "Number of runs to list")
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.LUTC)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	cfg := &config.Config{}
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	dbPath := opts.dbPath
	if dbPath == "" {
		dbPath = cfg.Archive.DBPath
	}
	if dbPath == "" {
		dbPath = filepath.Join("data", "archive", "bench.db")
	}
	// NewWriter would create an empty database; refuse instead.
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("archive database: %w", err)
	}

	archCfg := cfg.Archive
	archCfg.DBPath = dbPath
	if archCfg.BusyTimeoutMS == 0 {
		archCfg.BusyTimeoutMS = 1000
	}
	store, err := archive.NewWriter(archCfg)
	if err != nil {
		return err
	}
	defer store.Stop()

	if opts.list {
		return listRuns(store, opts.limit, out)
	}

	info, readings, err := loadRun(store, opts.runID)
	if err != nil {
		return err
	}
	dest := opts.out
	if dest == "" {
		exportDir := cfg.Export.Dir
		if exportDir == "" {
			exportDir = filepath.Join("data", "exports")
		}
		dest = filepath.Join(exportDir, defaultBundleName(info))
	}

	snap := buffer.Snapshot{RunID: info.ID, StartedAt: info.StartedAt, LastAt: info.LastAt, Readings: readings}
	result, err := export.Export(ctx, snap, dest, export.Options{
		Title:             cfg.Export.Title,
		ChartWidthInches:  cfg.Export.ChartWidthInches,
		ChartHeightInches: cfg.Export.ChartHeightInches,
		OmitRowTable:      opts.configPath != "" && !cfg.Export.RowTable(),
		Logger:            log.Default(),
	})
	if err != nil && !errors.Is(err, export.ErrNoReadings) {
		return err
	}
	if err != nil {
		log.Printf("Export: run %s has no readings; bundle contains headers only", info.ID)
	}
	fmt.Fprintf(out, "Wrote bundle: %s (%s readings, %s, digest %s)\n",
		result.Path, humanize.Comma(int64(result.Readings)), humanize.Bytes(uint64(result.Bytes)), result.Digest)
	return nil
}

func loadRun(store *archive.Writer, runID string) (archive.RunInfo, []reading.Reading, error) {
	if runID == "" {
		runs, err := store.Runs(1)
		if err != nil {
			return archive.RunInfo{}, nil, err
		}
		if len(runs) == 0 {
			return archive.RunInfo{}, nil, errors.New("archive holds no runs")
		}
		runID = runs[0].ID
	}
	return store.Load(runID)
}

func listRuns(store *archive.Writer, limit int, out io.Writer) error {
	runs, err := store.Runs(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No archived runs.")
		return nil
	}
	for _, r := range runs {
		state := "closed"
		if r.Open() {
			state = "open"
		}
		fmt.Fprintf(out, "%s  %s  %6s readings  %s\n", r.ID, r.StartedAt.Format(time.RFC3339), humanize.Comma(int64(r.Readings)), state)
	}
	return nil
}

func defaultBundleName(info archive.RunInfo) string {
	id := info.ID
	if i := strings.IndexByte(id, '-'); i > 0 {
		id = id[:i]
	}
	return fmt.Sprintf("run-%s-%s.zip", id, info.StartedAt.UTC().Format("20060102-150405"))
}
