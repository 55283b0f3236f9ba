// Command brickbench is the headless acquisition daemon for the brick test
// bench: it collects readings from the configured MQTT/serial feeds, keeps the
// current run (journaled and archived), and takes operator commands on stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"brickbench/acquisition"
	"brickbench/archive"
	"brickbench/commands"
	"brickbench/config"
	"brickbench/export"
	"brickbench/journal"
	"brickbench/mqttfeed"
	"brickbench/serialfeed"

	"golang.org/x/term"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "BENCH_CONFIG_PATH"
)

// Version will be set at build time
var Version = "dev"

// Purpose: Resolve and load the bench configuration.
// Key aspects: -config wins, then BENCH_CONFIG_PATH, then data/config.
// Missing candidates fall through; invalid ones fail immediately.
// Upstream: main startup.
// Downstream: config.Load.
func loadBenchConfig(flagPath string) (*config.Config, string, error) {
	candidates := make([]string, 0, 3)
	if p := strings.TrimSpace(flagPath); p != "" {
		candidates = append(candidates, p)
	}
	if p := strings.TrimSpace(os.Getenv(envConfigPath)); p != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, defaultConfigPath)

	var lastErr error
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if os.IsNotExist(err) {
				lastErr = err
				continue
			}
			return nil, path, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	return nil, "", errors.New("unable to load config; tried " + strings.Join(candidates, ", ") + " (last error: " + lastErr.Error() + ")")
}

// Purpose: Build the transports for every enabled feed and attach them.
// Key aspects: Each transport delivers into the session's consumer for its name.
// Upstream: main startup.
// Downstream: mqttfeed.NewListener, serialfeed.NewListener, Session.Attach.
func attachFeeds(cfg *config.Config, session *acquisition.Session) {
	if cfg.MQTT.Enabled {
		opts := mqttfeed.Options{
			Name:            cfg.MQTT.Name,
			Broker:          cfg.MQTT.Broker,
			Port:            cfg.MQTT.Port,
			Topic:           cfg.MQTT.Topic,
			ClientID:        cfg.MQTT.ClientID,
			QoS:             byte(cfg.MQTT.QoS),
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			ConnectTimeout:  cfg.MQTT.ConnectTimeout(),
			MaxPayloadBytes: cfg.MQTT.MaxPayloadBytes,
			QueueSize:       cfg.MQTT.QueueSize,
			ControlTopic:    cfg.MQTT.ControlTopic,
			StartCommand:    cfg.MQTT.StartCommand,
			StopCommand:     cfg.MQTT.StopCommand,
			CommandTopic:    cfg.MQTT.CommandTopic,
		}
		session.Attach(mqttfeed.NewListener(opts, session.Consumer(cfg.MQTT.Name)))
	}
	if cfg.Serial.Enabled {
		opts := serialfeed.Options{
			Name:         cfg.Serial.Name,
			Device:       cfg.Serial.Device,
			BaudRate:     cfg.Serial.BaudRate,
			StartCommand: cfg.Serial.StartCommand,
			StopCommand:  cfg.Serial.StopCommand,
			SettleDelay:  cfg.Serial.SettleDelay(),
			ReadTimeout:  cfg.Serial.ReadTimeout(),
		}
		session.Attach(serialfeed.NewListener(opts, session.Consumer(cfg.Serial.Name)))
	}
}

func main() {
	configFlag := flag.String("config", "", "config file or directory (overrides "+envConfigPath+")")
	flag.Parse()

	cfg, configSource, err := loadBenchConfig(*configFlag)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	// Sinks add their own timestamps.
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Warning: file logging disabled: %v", logErr)
	}

	log.Printf("brickbench v%s starting (%s)", Version, cfg.Bench.Name)
	log.Printf("Loaded configuration from %s", configSource)
	cfg.Print()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionOpts := acquisition.Options{
		ExportDir: cfg.Export.Dir,
		Export: export.Options{
			Title:             cfg.Export.Title,
			ChartWidthInches:  cfg.Export.ChartWidthInches,
			ChartHeightInches: cfg.Export.ChartHeightInches,
			OmitRowTable:      !cfg.Export.RowTable(),
			Logger:            log.Default(),
		},
		DropLogInterval: cfg.Logging.DropLogInterval(),
	}

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		jnl, err = journal.Open(cfg.Journal.Dir)
		if err != nil {
			log.Fatalf("Journal: %v", err)
		}
		sessionOpts.Journal = jnl
	}
	var arch *archive.Writer
	if cfg.Archive.Enabled {
		arch, err = archive.NewWriter(cfg.Archive)
		if err != nil {
			log.Fatalf("Archive: %v", err)
		}
		arch.Start()
		sessionOpts.Archive = arch
		log.Printf("Archive: writing runs to %s", cfg.Archive.DBPath)
	}

	session := acquisition.NewSession(sessionOpts)
	attachFeeds(cfg, session)
	if n, err := session.Restore(); err != nil {
		log.Printf("Journal: restore failed: %v", err)
	} else if n > 0 {
		log.Printf("Journal: restored %d readings of run %s", n, session.Status().RunID)
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	startFeedHealthMonitor(ctx, session,
		time.Duration(cfg.Stats.HealthCheckSeconds)*time.Second,
		time.Duration(cfg.Stats.IdleThresholdSeconds)*time.Second)
	emit := func(line string) { log.Print(line) }
	if interactive {
		emit = fanout.WriteFileOnly
	}
	go displayStats(ctx, time.Duration(cfg.Stats.DisplayIntervalSeconds)*time.Second, session, emit)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	consoleDone := make(chan bool, 1)
	processor := commands.NewProcessor(session)
	go func() {
		consoleDone <- runConsole(ctx, os.Stdin, os.Stdout, processor, interactive)
	}()

	log.Println("Bench is ready. Type HELP for commands, Ctrl+C to stop.")
	log.Println("---")

	waiting := true
	for waiting {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal: %v", sig)
			waiting = false
		case bye := <-consoleDone:
			if bye || interactive {
				waiting = false
				continue
			}
			// Piped commands are done; keep collecting until signalled.
			log.Println("Console input closed; running until SIGINT/SIGTERM")
			consoleDone = nil
		}
	}

	log.Println("Shutting down gracefully...")
	cancel()
	if session.Collecting() {
		if err := session.Stop(); err != nil {
			log.Printf("Acquisition: stop: %v", err)
		}
	}
	// The live run stays open in the archive; the journal resumes it on restart.
	if arch != nil {
		arch.Stop()
	}
	if jnl != nil {
		if err := jnl.Close(); err != nil {
			log.Printf("Journal: close: %v", err)
		}
	}
	log.Println("Shutdown complete")
}
