package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"brickbench/acquisition"
	"brickbench/config"
	"brickbench/feed"
	"brickbench/stats"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bench.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadBenchConfigPrefersFlagOverEnv(t *testing.T) {
	flagDir := filepath.Join(t.TempDir(), "flag")
	envDir := filepath.Join(t.TempDir(), "env")
	writeConfig(t, flagDir, "bench:\n  name: from-flag\n  allow_no_feeds: true\n")
	writeConfig(t, envDir, "bench:\n  name: from-env\n  allow_no_feeds: true\n")
	t.Setenv(envConfigPath, envDir)

	cfg, source, err := loadBenchConfig(flagDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bench.Name != "from-flag" || source != flagDir {
		t.Fatalf("expected flag config, got name=%q source=%q", cfg.Bench.Name, source)
	}

	cfg, source, err = loadBenchConfig("")
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if cfg.Bench.Name != "from-env" || source != envDir {
		t.Fatalf("expected env config, got name=%q source=%q", cfg.Bench.Name, source)
	}
}

func TestLoadBenchConfigFallsThroughMissingPaths(t *testing.T) {
	root := t.TempDir()
	chdirForTest(t, root)
	writeConfig(t, filepath.Join(root, defaultConfigPath), "bench:\n  name: default\n  allow_no_feeds: true\n")
	t.Setenv(envConfigPath, filepath.Join(root, "missing"))

	cfg, source, err := loadBenchConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bench.Name != "default" || source != defaultConfigPath {
		t.Fatalf("expected default config, got name=%q source=%q", cfg.Bench.Name, source)
	}
}

func TestLoadBenchConfigStopsOnInvalidConfig(t *testing.T) {
	root := t.TempDir()
	chdirForTest(t, root)
	bad := filepath.Join(root, "bad")
	writeConfig(t, bad, "mqtt:\n  enabled: true\n  broker: \"\"\n")
	writeConfig(t, filepath.Join(root, defaultConfigPath), "bench:\n  allow_no_feeds: true\n")

	if _, _, err := loadBenchConfig(bad); err == nil {
		t.Fatalf("expected invalid config to fail instead of falling back")
	}
}

func TestLoadBenchConfigReportsAllCandidates(t *testing.T) {
	chdirForTest(t, t.TempDir())
	t.Setenv(envConfigPath, "")
	_, _, err := loadBenchConfig("nowhere")
	if err == nil {
		t.Fatalf("expected error when no candidate exists")
	}
	if !strings.Contains(err.Error(), "nowhere") || !strings.Contains(err.Error(), defaultConfigPath) {
		t.Fatalf("expected candidates in error, got %v", err)
	}
}

func TestAttachFeedsOnlyEnabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Serial.Enabled = true
	cfg.Serial.Name = "serial"
	cfg.Serial.Device = "/dev/null-bench"
	session := acquisition.NewSession(acquisition.Options{ExportDir: t.TempDir()})
	attachFeeds(cfg, session)

	st := session.Status()
	if len(st.Sources) != 1 || st.Sources[0].Name != "serial" {
		t.Fatalf("expected only the serial feed, got %+v", st.Sources)
	}
}

func TestFormatStatsLine(t *testing.T) {
	tracker := stats.NewTracker()
	for i := 0; i < 1500; i++ {
		tracker.IncrementReadings("mqtt")
	}
	tracker.IncrementExports()
	st := acquisition.Status{
		Collecting: true,
		RunID:      "0f8fad5b-d9cb-469f-a165-70867728950e",
		Readings:   1500,
		Sources: []acquisition.SourceStatus{
			{Name: "mqtt", Health: feed.Health{Messages: 1502, Readings: 1500, ParseErrors: 2}},
		},
		ArchiveDrops: 3,
	}

	line := formatStatsLine(st, tracker, 1000)
	for _, want := range []string{
		"Stats: collecting run=0f8fad5b readings=1,500 (+500)",
		"mqtt 1,500/1,502 bad=2",
		"exports=1 clears=0",
		"archive_drops=3",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

// chdirForTest changes the working directory for the duration of the test
// and restores it on cleanup (equivalent to testing.T.Chdir, Go 1.24+).
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Errorf("restore working directory: %v", err)
		}
	})
}
