package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"brickbench/config"
	"brickbench/reading"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"
)

var (
	// ErrRunNotFound is returned by Load for an unknown run id.
	ErrRunNotFound = errors.New("archive: run not found")
	errStopped     = errors.New("archive: writer stopped")
)

// Record is one reading as it arrived in a run.
type Record struct {
	RunID   string
	Seq     int
	At      time.Time
	Reading reading.Reading
}

// RunInfo describes an archived run.
type RunInfo struct {
	ID        string
	StartedAt time.Time
	// EndedAt is zero while the run is still open.
	EndedAt time.Time
	// LastAt is the timestamp of the newest archived reading, zero when empty.
	LastAt   time.Time
	Readings int
}

// Open reports whether the run has not been closed yet.
func (r RunInfo) Open() bool {
	return r.EndedAt.IsZero()
}

type closeRequest struct {
	runID   string
	endedAt time.Time
	done    chan error
}

type queueItem struct {
	record *Record
	close  *closeRequest
}

// Writer persists readings to SQLite asynchronously with age-based retention.
// The acquisition path never blocks on the writer; a full queue drops the
// archive write and counts it.
type Writer struct {
	cfg       config.ArchiveConfig
	db        *sql.DB
	queue     chan queueItem
	stop      chan struct{}
	finished  chan struct{}
	wg        sync.WaitGroup
	started   atomic.Bool
	stopOnce  sync.Once
	dropCount atomic.Uint64
	now       func() time.Time
}

// NewWriter initializes the SQLite database and returns a writer; call Start to begin processing.
func NewWriter(cfg config.ArchiveConfig) (*Writer, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("archive: db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	moved, err := preflight(cfg.DBPath, time.Duration(cfg.BusyTimeoutMS)*time.Millisecond*2, time.Now())
	if err != nil {
		return nil, err
	}
	if moved != "" {
		log.Printf("Archive: %s failed integrity check; moved to %s, starting a fresh archive", cfg.DBPath, moved)
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	// One connection keeps pragmas and the writer transaction on the same handle.
	db.SetMaxOpenConns(1)
	pragmas := fmt.Sprintf("pragma journal_mode=WAL; pragma synchronous=%s; pragma busy_timeout=%d",
		synchronousMode(cfg.Synchronous), cfg.BusyTimeoutMS)
	if _, err := db.Exec(pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	qsize := cfg.QueueSize
	if qsize <= 0 {
		qsize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.BatchIntervalMS <= 0 {
		cfg.BatchIntervalMS = 500
	}
	return &Writer{
		cfg:      cfg,
		db:       db,
		queue:    make(chan queueItem, qsize),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
		now:      time.Now,
	}, nil
}

func synchronousMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "off":
		return "OFF"
	case "full":
		return "FULL"
	default:
		return "NORMAL"
	}
}

// Start launches the insert and cleanup loops.
func (w *Writer) Start() {
	if w == nil || !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(2)
	go w.insertLoop()
	go w.cleanupLoop()
}

// Stop flushes queued readings, joins both loops and closes the database.
func (w *Writer) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() {
		close(w.stop)
		w.wg.Wait()
		if !w.started.Load() {
			w.flush(w.drain(nil))
		}
		close(w.finished)
		if drops := w.dropCount.Load(); drops > 0 {
			log.Printf("Archive: %s readings dropped (queue full)", humanize.Comma(int64(drops)))
		}
		_ = w.db.Close()
	})
}

// Enqueue attempts to queue a reading without blocking; drops on full queue.
func (w *Writer) Enqueue(rec Record) {
	if w == nil {
		return
	}
	select {
	case w.queue <- queueItem{record: &rec}:
	default:
		w.dropCount.Add(1)
	}
}

// Drops returns how many readings were not archived because the queue was full.
func (w *Writer) Drops() uint64 {
	if w == nil {
		return 0
	}
	return w.dropCount.Load()
}

// CloseRun marks a run as ended once every reading queued before it is stored.
func (w *Writer) CloseRun(runID string, endedAt time.Time) error {
	if w == nil {
		return nil
	}
	req := &closeRequest{runID: runID, endedAt: endedAt, done: make(chan error, 1)}
	if !w.started.Load() {
		return w.closeRun(runID, endedAt)
	}
	select {
	case w.queue <- queueItem{close: req}:
	case <-w.stop:
		return errStopped
	}
	select {
	case err := <-req.done:
		return err
	case <-w.finished:
		select {
		case err := <-req.done:
			return err
		default:
			return errStopped
		}
	}
}

func (w *Writer) insertLoop() {
	defer w.wg.Done()
	interval := time.Duration(w.cfg.BatchIntervalMS) * time.Millisecond
	batch := make([]Record, 0, w.cfg.BatchSize)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			batch = w.drain(batch)
			w.flush(batch)
			return
		case item := <-w.queue:
			batch = w.handle(item, batch)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(interval)
		}
	}
}

// handle appends a record to the batch, or flushes and applies a close request.
func (w *Writer) handle(item queueItem, batch []Record) []Record {
	if item.record != nil {
		return append(batch, *item.record)
	}
	if item.close != nil {
		w.flush(batch)
		item.close.done <- w.closeRun(item.close.runID, item.close.endedAt)
		return batch[:0]
	}
	return batch
}

func (w *Writer) drain(batch []Record) []Record {
	for {
		select {
		case item := <-w.queue:
			batch = w.handle(item, batch)
		default:
			return batch
		}
	}
}

func (w *Writer) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	tx, err := w.db.Begin()
	if err != nil {
		log.Printf("Archive: begin tx: %v", err)
		return
	}
	runStmt, err := tx.Prepare(`insert into runs(id, started_at) values(?, ?) on conflict(id) do nothing`)
	if err != nil {
		log.Printf("Archive: prepare run: %v", err)
		_ = tx.Rollback()
		return
	}
	defer runStmt.Close()
	stmt, err := tx.Prepare(`insert or replace into readings(run_id, seq, ts, temperature, pressure, has_pressure, humidity) values(?,?,?,?,?,?,?)`)
	if err != nil {
		log.Printf("Archive: prepare reading: %v", err)
		_ = tx.Rollback()
		return
	}
	defer stmt.Close()
	for _, rec := range batch {
		ts := rec.At.UTC().UnixMilli()
		if _, err := runStmt.Exec(rec.RunID, ts); err != nil {
			log.Printf("Archive: insert run failed: %v", err)
			continue
		}
		r := rec.Reading
		if _, err := stmt.Exec(rec.RunID, rec.Seq, ts, r.Temperature, r.Pressure, boolToInt(r.HasPressure), r.Humidity); err != nil {
			log.Printf("Archive: insert failed: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("Archive: commit: %v", err)
	}
}

func (w *Writer) closeRun(runID string, endedAt time.Time) error {
	_, err := w.db.Exec(`update runs set ended_at = ?, readings = (select count(*) from readings where run_id = ?) where id = ?`,
		endedAt.UTC().UnixMilli(), runID, runID)
	if err != nil {
		return fmt.Errorf("archive: close run: %w", err)
	}
	return nil
}

func (w *Writer) cleanupLoop() {
	defer w.wg.Done()
	interval := time.Duration(w.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.cleanupOnce()
		}
	}
}

// cleanupOnce removes closed runs that ended before the retention cutoff.
func (w *Writer) cleanupOnce() {
	if w.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := w.now().UTC().AddDate(0, 0, -w.cfg.RetentionDays).UnixMilli()
	tx, err := w.db.Begin()
	if err != nil {
		log.Printf("Archive: cleanup begin: %v", err)
		return
	}
	if _, err := tx.Exec(`delete from readings where run_id in (select id from runs where ended_at is not null and ended_at < ?)`, cutoff); err != nil {
		log.Printf("Archive: cleanup readings: %v", err)
		_ = tx.Rollback()
		return
	}
	res, err := tx.Exec(`delete from runs where ended_at is not null and ended_at < ?`, cutoff)
	if err != nil {
		log.Printf("Archive: cleanup runs: %v", err)
		_ = tx.Rollback()
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("Archive: cleanup commit: %v", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("Archive: retention removed %s runs older than %d days", humanize.Comma(n), w.cfg.RetentionDays)
	}
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists runs (
		id text primary key,
		started_at integer not null,
		ended_at integer,
		readings integer not null default 0
	);
	create table if not exists readings (
		run_id text not null,
		seq integer not null,
		ts integer not null,
		temperature real not null,
		pressure real not null,
		has_pressure integer not null,
		humidity real not null,
		primary key (run_id, seq)
	);
	create index if not exists idx_runs_started on runs(started_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("archive: schema: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Runs returns the most recent runs, newest first.
func (w *Writer) Runs(limit int) ([]RunInfo, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("archive: writer is nil")
	}
	if limit <= 0 {
		return []RunInfo{}, nil
	}
	rows, err := w.db.Query(`select r.id, r.started_at, r.ended_at,
		(select count(*) from readings where run_id = r.id), (select max(ts) from readings where run_id = r.id)
		from runs r order by r.started_at desc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query runs: %w", err)
	}
	defer rows.Close()

	results := make([]RunInfo, 0, limit)
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate runs: %w", err)
	}
	return results, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunInfo, error) {
	var (
		id      string
		started int64
		ended   sql.NullInt64
		count   int
		last    sql.NullInt64
	)
	if err := row.Scan(&id, &started, &ended, &count, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunInfo{}, ErrRunNotFound
		}
		return RunInfo{}, fmt.Errorf("archive: scan run: %w", err)
	}
	info := RunInfo{ID: id, StartedAt: time.UnixMilli(started).UTC(), Readings: count}
	if ended.Valid {
		info.EndedAt = time.UnixMilli(ended.Int64).UTC()
	}
	if last.Valid {
		info.LastAt = time.UnixMilli(last.Int64).UTC()
	}
	return info, nil
}

// Load returns an archived run and its readings in sequence order.
func (w *Writer) Load(runID string) (RunInfo, []reading.Reading, error) {
	if w == nil || w.db == nil {
		return RunInfo{}, nil, fmt.Errorf("archive: writer is nil")
	}
	info, err := scanRun(w.db.QueryRow(`select id, started_at, ended_at,
		(select count(*) from readings where run_id = ?), (select max(ts) from readings where run_id = ?)
		from runs where id = ?`, runID, runID, runID))
	if err != nil {
		return RunInfo{}, nil, err
	}
	rows, err := w.db.Query(`select temperature, pressure, has_pressure, humidity from readings where run_id = ? order by seq`, runID)
	if err != nil {
		return RunInfo{}, nil, fmt.Errorf("archive: query readings: %w", err)
	}
	defer rows.Close()

	out := make([]reading.Reading, 0, info.Readings)
	for rows.Next() {
		var (
			r           reading.Reading
			hasPressure int
		)
		if err := rows.Scan(&r.Temperature, &r.Pressure, &hasPressure, &r.Humidity); err != nil {
			return RunInfo{}, nil, fmt.Errorf("archive: scan reading: %w", err)
		}
		r.HasPressure = hasPressure > 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return RunInfo{}, nil, fmt.Errorf("archive: iterate readings: %w", err)
	}
	return info, out, nil
}
