// Package acquisition owns one bench run: the live buffer, the transports that
// feed it and the stores that mirror it (journal for crash recovery, archive
// for history). It is the only writer of the buffer.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"brickbench/archive"
	"brickbench/buffer"
	"brickbench/export"
	"brickbench/feed"
	"brickbench/internal/ratelimit"
	"brickbench/journal"
	"brickbench/reading"
	"brickbench/stats"
)

var (
	ErrCollecting    = errors.New("acquisition: already collecting")
	ErrNotCollecting = errors.New("acquisition: not collecting")
	ErrNoSources     = errors.New("acquisition: no sensor feeds configured")
	ErrNoArchive     = errors.New("acquisition: archive disabled")

	// ErrNoSetpointFeed means no attached feed has a command channel.
	ErrNoSetpointFeed = errors.New("acquisition: no feed accepts setpoints")
)

// Journal mirrors the live run for crash recovery.
type Journal interface {
	Append(seq int, at time.Time, r reading.Reading) error
	Reset(runID string) error
	Load() (string, []journal.Record, error)
}

// Archive stores readings of every run for later export.
type Archive interface {
	Enqueue(rec archive.Record)
	CloseRun(runID string, endedAt time.Time) error
	Runs(limit int) ([]archive.RunInfo, error)
	Drops() uint64
}

type Options struct {
	// ExportDir receives bundles when Export is called without a destination.
	ExportDir string
	Export    export.Options
	Journal   Journal
	Archive   Archive
	Tracker   *stats.Tracker
	// DropLogInterval throttles repeated journal failure logs.
	DropLogInterval time.Duration
	Now             func() time.Time
}

// SourceStatus pairs a feed name with its health.
type SourceStatus struct {
	Name   string
	Health feed.Health
}

// Status is a point-in-time view of the session for the console.
type Status struct {
	Collecting   bool
	RunID        string
	Readings     int
	StartedAt    time.Time
	LastAt       time.Time
	Sources      []SourceStatus
	ArchiveDrops uint64
}

type Session struct {
	opts    Options
	run     *buffer.Run
	tracker *stats.Tracker
	now     func() time.Time

	// ingestMu orders appends against clears across buffer, journal and archive.
	ingestMu      sync.Mutex
	journalErrors *ratelimit.Counter

	mu         sync.Mutex
	sources    []feed.Source
	collecting bool
}

func NewSession(opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ExportDir == "" {
		opts.ExportDir = filepath.Join("data", "exports")
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = stats.NewTracker()
	}
	return &Session{
		opts:          opts,
		run:           buffer.New(),
		tracker:       tracker,
		now:           opts.Now,
		journalErrors: ratelimit.NewCounter(opts.DropLogInterval),
	}
}

// Consumer returns the callback a transport named feedName delivers readings to.
func (s *Session) Consumer(feedName string) feed.Consumer {
	return func(r reading.Reading) {
		s.ingest(feedName, r)
	}
}

// Attach registers a transport. Sources are started and stopped together.
func (s *Session) Attach(src feed.Source) {
	if src == nil {
		return
	}
	s.mu.Lock()
	s.sources = append(s.sources, src)
	s.mu.Unlock()
}

func (s *Session) ingest(feedName string, r reading.Reading) {
	at := s.now().UTC()
	s.ingestMu.Lock()
	seq := s.run.AppendAt(r, at)
	runID := s.run.RunID()
	if s.opts.Journal != nil {
		if err := s.opts.Journal.Append(seq, at, r); err != nil {
			s.journalErrors.Logf(log.Printf, "Journal: append seq %d failed: %v", seq, err)
		}
	}
	if s.opts.Archive != nil {
		s.opts.Archive.Enqueue(archive.Record{RunID: runID, Seq: seq, At: at, Reading: r})
	}
	s.ingestMu.Unlock()
	s.tracker.IncrementReadings(feedName)
}

// Restore reloads an interrupted run from the journal and returns how many
// readings it recovered.
func (s *Session) Restore() (int, error) {
	if s.opts.Journal == nil {
		return 0, nil
	}
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	runID, records, err := s.opts.Journal.Load()
	if err != nil {
		return 0, err
	}
	if runID == "" {
		return 0, s.opts.Journal.Reset(s.run.RunID())
	}
	readings := make([]reading.Reading, len(records))
	var startedAt, lastAt time.Time
	for i, rec := range records {
		readings[i] = rec.Reading
	}
	if len(records) > 0 {
		startedAt, lastAt = records[0].At, records[len(records)-1].At
	}
	s.run.Restore(runID, readings, startedAt, lastAt)
	return len(readings), nil
}

// Start launches every attached source. If one fails, the ones already
// started are stopped again and the error is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collecting {
		return ErrCollecting
	}
	if len(s.sources) == 0 {
		return ErrNoSources
	}
	started := make([]feed.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if err := src.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(); stopErr != nil {
					log.Printf("Acquisition: rollback stop %s: %v", started[i].Name(), stopErr)
				}
			}
			return fmt.Errorf("acquisition: start %s: %w", src.Name(), err)
		}
		started = append(started, src)
	}
	s.collecting = true
	log.Printf("Acquisition: collecting run %s (%d feeds)", s.run.RunID(), len(started))
	return nil
}

// Stop stops every source and waits for their receive loops to exit.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.collecting {
		return ErrNotCollecting
	}
	var errs []error
	for _, src := range s.sources {
		if err := src.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("acquisition: stop %s: %w", src.Name(), err))
		}
	}
	s.collecting = false
	log.Printf("Acquisition: stopped, run %s holds %d readings", s.run.RunID(), s.run.Count())
	return errors.Join(errs...)
}

// Clear discards the current run and starts a new one. It is allowed while
// collecting. The previous run is closed in the archive and the journal is
// truncated. It returns the id of the new run.
func (s *Session) Clear() (string, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	prev := s.run.Clear()
	next := s.run.RunID()
	s.tracker.IncrementClears()

	var errs []error
	if s.opts.Journal != nil {
		if err := s.opts.Journal.Reset(next); err != nil {
			errs = append(errs, err)
		}
	}
	if s.opts.Archive != nil {
		if err := s.opts.Archive.CloseRun(prev, s.now().UTC()); err != nil {
			errs = append(errs, err)
		}
	}
	return next, errors.Join(errs...)
}

// SendSetpoint forwards sp to the first attached feed that can command the
// conditioning node. It works whether or not the session is collecting.
func (s *Session) SendSetpoint(ctx context.Context, sp feed.Setpoint) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	sources := append([]feed.Source(nil), s.sources...)
	s.mu.Unlock()
	for _, src := range sources {
		sender, ok := src.(feed.SetpointSender)
		if !ok {
			continue
		}
		err := sender.SendSetpoint(ctx, sp)
		if errors.Is(err, feed.ErrSetpointUnsupported) {
			continue
		}
		if err != nil {
			return fmt.Errorf("acquisition: setpoint via %s: %w", src.Name(), err)
		}
		return nil
	}
	return ErrNoSetpointFeed
}

// Summary computes statistics over the current run.
func (s *Session) Summary() (stats.Summary, error) {
	return stats.Summarize(s.run.Readings())
}

// Recent returns up to n of the newest readings, oldest first.
func (s *Session) Recent(n int) []reading.Reading {
	return s.run.Recent(n)
}

// Collecting reports whether the sources are running.
func (s *Session) Collecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collecting
}

// Export writes a bundle of the current run. An empty dest selects
// <export dir>/run-<timestamp>.zip.
func (s *Session) Export(ctx context.Context, dest string) (export.Result, error) {
	snap := s.run.Snapshot()
	if dest == "" {
		dest = s.DefaultExportPath()
	}
	res, err := export.Export(ctx, snap, dest, s.opts.Export)
	if err == nil || errors.Is(err, export.ErrNoReadings) {
		s.tracker.IncrementExports()
	}
	return res, err
}

// DefaultExportPath names a bundle after the current time.
func (s *Session) DefaultExportPath() string {
	return filepath.Join(s.opts.ExportDir, "run-"+s.now().Format("20060102-150405")+".zip")
}

// Runs lists archived runs, newest first.
func (s *Session) Runs(limit int) ([]archive.RunInfo, error) {
	if s.opts.Archive == nil {
		return nil, ErrNoArchive
	}
	return s.opts.Archive.Runs(limit)
}

func (s *Session) Status() Status {
	snap := s.run.Snapshot()
	st := Status{
		RunID:     snap.RunID,
		Readings:  len(snap.Readings),
		StartedAt: snap.StartedAt,
		LastAt:    snap.LastAt,
	}
	s.mu.Lock()
	st.Collecting = s.collecting
	for _, src := range s.sources {
		st.Sources = append(st.Sources, SourceStatus{Name: src.Name(), Health: src.Health()})
	}
	s.mu.Unlock()
	if s.opts.Archive != nil {
		st.ArchiveDrops = s.opts.Archive.Drops()
	}
	return st
}

// Tracker exposes the ingest counters for the status line.
func (s *Session) Tracker() *stats.Tracker {
	return s.tracker
}
