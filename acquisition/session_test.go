package acquisition

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"brickbench/archive"
	"brickbench/export"
	"brickbench/feed"
	"brickbench/journal"
	"brickbench/reading"
	"brickbench/stats"
)

type fakeSource struct {
	name     string
	startErr error

	mu      sync.Mutex
	running bool
	starts  int
	stops   int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return feed.ErrAlreadyRunning
	}
	f.running = true
	f.starts++
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.stops++
	}
	f.running = false
	return nil
}

func (f *fakeSource) Health() feed.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return feed.Health{Connected: f.running}
}

type fakeArchive struct {
	mu      sync.Mutex
	records []archive.Record
	closed  []string
}

func (a *fakeArchive) Enqueue(rec archive.Record) {
	a.mu.Lock()
	a.records = append(a.records, rec)
	a.mu.Unlock()
}

func (a *fakeArchive) CloseRun(runID string, _ time.Time) error {
	a.mu.Lock()
	a.closed = append(a.closed, runID)
	a.mu.Unlock()
	return nil
}

func (a *fakeArchive) Runs(limit int) ([]archive.RunInfo, error) {
	return []archive.RunInfo{{ID: "r1", Readings: 2}}, nil
}

func (a *fakeArchive) Drops() uint64 { return 7 }

func TestStartStopLifecycle(t *testing.T) {
	s := NewSession(Options{})
	if err := s.Start(context.Background()); !errors.Is(err, ErrNoSources) {
		t.Fatalf("expected ErrNoSources, got %v", err)
	}
	src := &fakeSource{name: "mqtt"}
	s.Attach(src)

	if err := s.Stop(); !errors.Is(err, ErrNotCollecting) {
		t.Fatalf("expected ErrNotCollecting, got %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !s.Collecting() {
		t.Fatalf("expected collecting")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrCollecting) {
		t.Fatalf("expected ErrCollecting, got %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if s.Collecting() || src.starts != 1 || src.stops != 1 {
		t.Fatalf("unexpected lifecycle: collecting=%v starts=%d stops=%d", s.Collecting(), src.starts, src.stops)
	}
}

func TestStartRollsBackOnFailure(t *testing.T) {
	s := NewSession(Options{})
	ok := &fakeSource{name: "serial"}
	broken := &fakeSource{name: "mqtt", startErr: &feed.TransportError{Feed: "mqtt", Address: "tcp://x:1883", Err: errors.New("refused")}}
	s.Attach(ok)
	s.Attach(broken)

	err := s.Start(context.Background())
	var transportErr *feed.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if s.Collecting() {
		t.Fatalf("session must not be collecting after a failed start")
	}
	if ok.stops != 1 {
		t.Fatalf("expected started source to be stopped again, stops=%d", ok.stops)
	}
}

func TestIngestMirrorsToStores(t *testing.T) {
	arch := &fakeArchive{}
	tracker := stats.NewTracker()
	s := NewSession(Options{Archive: arch, Tracker: tracker})
	consume := s.Consumer("serial")
	consume(reading.Reading{Temperature: 20, Humidity: 40})
	consume(reading.Reading{Temperature: 22, Humidity: 41})

	if got := s.Recent(10); len(got) != 2 || got[1].Temperature != 22 {
		t.Fatalf("unexpected buffer contents: %+v", got)
	}
	if len(arch.records) != 2 || arch.records[1].Seq != 2 || arch.records[0].RunID != s.Status().RunID {
		t.Fatalf("unexpected archive records: %+v", arch.records)
	}
	if tracker.GetReadingCounts()["serial"] != 2 {
		t.Fatalf("tracker not updated: %v", tracker.GetReadingCounts())
	}
	st := s.Status()
	if st.Readings != 2 || st.ArchiveDrops != 7 {
		t.Fatalf("unexpected status: %+v", st)
	}
	runs, err := s.Runs(5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("Runs() = %v, %v", runs, err)
	}
}

func TestSummaryMatchesBuffer(t *testing.T) {
	s := NewSession(Options{})
	if _, err := s.Summary(); !errors.Is(err, stats.ErrEmptySet) {
		t.Fatalf("expected ErrEmptySet, got %v", err)
	}
	consume := s.Consumer("mqtt")
	for _, temp := range []float64{20, 22, 24} {
		consume(reading.Reading{Temperature: temp, Humidity: 50})
	}
	sum, err := s.Summary()
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if sum.Temperature.Mean != 22 || sum.Temperature.Min != 20 || sum.Temperature.Max != 24 {
		t.Fatalf("unexpected temperature summary: %+v", sum.Temperature)
	}
}

func TestClearWhileCollecting(t *testing.T) {
	arch := &fakeArchive{}
	s := NewSession(Options{Archive: arch})
	s.Attach(&fakeSource{name: "mqtt"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer s.Stop()

	consume := s.Consumer("mqtt")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			consume(reading.Reading{Temperature: float64(i)})
		}
	}()
	first := s.Status().RunID
	next, err := s.Clear()
	if err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	wg.Wait()

	if next == first {
		t.Fatalf("expected a new run id")
	}
	if len(arch.closed) != 1 || arch.closed[0] != first {
		t.Fatalf("expected previous run closed, got %v", arch.closed)
	}
	// Every reading after the clear belongs to the new run with contiguous seqs.
	expected := 1
	for _, rec := range arch.records {
		if rec.RunID != next {
			continue
		}
		if rec.Seq != expected {
			t.Fatalf("new run seq %d, want %d", rec.Seq, expected)
		}
		expected++
	}
	if s.Status().Readings != expected-1 {
		t.Fatalf("buffer holds %d readings, archive saw %d for the new run", s.Status().Readings, expected-1)
	}
}

func TestRestoreFromJournal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := journal.Open(dir)
	if err != nil {
		t.Fatalf("journal.Open() error: %v", err)
	}
	first := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	clock := first
	s := NewSession(Options{Journal: j, Now: func() time.Time { return clock }})
	if n, err := s.Restore(); err != nil || n != 0 {
		t.Fatalf("Restore() on empty journal = %d, %v", n, err)
	}
	runID := s.Status().RunID
	consume := s.Consumer("serial")
	consume(reading.Reading{Temperature: 19.5, Humidity: 60})
	clock = first.Add(90 * time.Minute)
	consume(reading.Reading{Temperature: 19.75, Humidity: 61, Pressure: 1001, HasPressure: true})
	if err := j.Close(); err != nil {
		t.Fatalf("journal close: %v", err)
	}

	j, err = journal.Open(dir)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j.Close()
	restored := NewSession(Options{Journal: j, Now: func() time.Time { return first.Add(48 * time.Hour) }})
	n, err := restored.Restore()
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if n != 2 || restored.Status().RunID != runID {
		t.Fatalf("restored %d readings for run %s, want 2 for %s", n, restored.Status().RunID, runID)
	}
	st := restored.Status()
	if !st.StartedAt.Equal(first) || !st.LastAt.Equal(first.Add(90*time.Minute)) {
		t.Fatalf("restored run times start=%v last=%v, want the original arrival times", st.StartedAt, st.LastAt)
	}
	if _, err := restored.Clear(); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	gotRun, readings, err := j.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if gotRun != restored.Status().RunID || len(readings) != 0 {
		t.Fatalf("journal not reset on clear: run=%s readings=%d", gotRun, len(readings))
	}
}

func TestExportDefaultsDestination(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	tracker := stats.NewTracker()
	s := NewSession(Options{
		ExportDir: dir,
		Tracker:   tracker,
		Now:       func() time.Time { return now },
		Export:    export.Options{ChartWidthInches: 3, ChartHeightInches: 2, WorkDir: t.TempDir()},
	})
	s.Consumer("mqtt")(reading.Reading{Temperature: 21, Humidity: 45})

	res, err := s.Export(context.Background(), "")
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	want := filepath.Join(dir, "run-20260506-070809.zip")
	if res.Path != want {
		t.Fatalf("export path = %q, want %q", res.Path, want)
	}
	if tracker.Exports() != 1 {
		t.Fatalf("expected export counted")
	}

	if _, err := s.Clear(); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	_, err = s.Export(context.Background(), filepath.Join(dir, "empty"))
	if !errors.Is(err, export.ErrNoReadings) {
		t.Fatalf("expected ErrNoReadings for empty run, got %v", err)
	}
}

func TestRunsWithoutArchive(t *testing.T) {
	s := NewSession(Options{})
	if _, err := s.Runs(5); !errors.Is(err, ErrNoArchive) {
		t.Fatalf("expected ErrNoArchive, got %v", err)
	}
}

type commandSource struct {
	fakeSource
	err  error
	sent []feed.Setpoint
}

func (c *commandSource) SendSetpoint(_ context.Context, sp feed.Setpoint) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, sp)
	return nil
}

func TestSendSetpointRoutesToCommandFeed(t *testing.T) {
	s := NewSession(Options{})
	if err := s.SendSetpoint(context.Background(), feed.Setpoint{Temperature: 20}); !errors.Is(err, ErrNoSetpointFeed) {
		t.Fatalf("expected ErrNoSetpointFeed without feeds, got %v", err)
	}

	plain := &fakeSource{name: "serial"}
	noTopic := &commandSource{fakeSource: fakeSource{name: "mqtt-a"}, err: feed.ErrSetpointUnsupported}
	node := &commandSource{fakeSource: fakeSource{name: "mqtt-b"}}
	s.Attach(plain)
	s.Attach(noTopic)
	s.Attach(node)

	want := feed.Setpoint{Temperature: 28.5, WindSpeed: 2}
	if err := s.SendSetpoint(context.Background(), want); err != nil {
		t.Fatalf("SendSetpoint() error: %v", err)
	}
	if len(node.sent) != 1 || node.sent[0] != want {
		t.Fatalf("expected setpoint on mqtt-b, got %+v", node.sent)
	}
	if len(noTopic.sent) != 0 {
		t.Fatalf("feed without command topic must not record setpoints")
	}
}

func TestSendSetpointReportsFeedErrors(t *testing.T) {
	s := NewSession(Options{})
	refused := &feed.TransportError{Feed: "mqtt", Address: "tcp://x:1883", Err: errors.New("refused")}
	s.Attach(&commandSource{fakeSource: fakeSource{name: "mqtt"}, err: refused})

	err := s.SendSetpoint(context.Background(), feed.Setpoint{Temperature: 20, WindSpeed: 1})
	var transportErr *feed.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if err := s.SendSetpoint(context.Background(), feed.Setpoint{WindSpeed: -1}); err == nil || errors.As(err, &transportErr) {
		t.Fatalf("expected validation error for negative wind speed, got %v", err)
	}
}
