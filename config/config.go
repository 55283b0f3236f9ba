package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete bench configuration
type Config struct {
	Bench   BenchConfig   `yaml:"bench"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Serial  SerialConfig  `yaml:"serial"`
	Export  ExportConfig  `yaml:"export"`
	Archive ArchiveConfig `yaml:"archive"`
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
	Stats   StatsConfig   `yaml:"stats"`

	// LoadedFrom records the file or directory the config was read from.
	LoadedFrom string `yaml:"-"`
}

// BenchConfig contains general bench settings
type BenchConfig struct {
	Name         string `yaml:"name"`
	AllowNoFeeds bool   `yaml:"allow_no_feeds"`
}

// MQTTConfig contains the MQTT sensor feed settings
type MQTTConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Name                  string `yaml:"name"`
	Broker                string `yaml:"broker"`
	Port                  int    `yaml:"port"`
	Topic                 string `yaml:"topic"`
	ClientID              string `yaml:"client_id"`
	QoS                   int    `yaml:"qos"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	MaxPayloadBytes       int    `yaml:"max_payload_bytes"`
	QueueSize             int    `yaml:"queue_size"`
	// ControlTopic receives StartCommand/StopCommand when acquisition starts
	// and stops; empty disables remote start/stop.
	ControlTopic string `yaml:"control_topic"`
	StartCommand string `yaml:"start_command"`
	StopCommand  string `yaml:"stop_command"`
	// CommandTopic receives SETPOINT payloads; empty disables setpoints.
	CommandTopic string `yaml:"command_topic"`
}

// ConnectTimeout returns the broker connect timeout as a duration.
func (c MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// SerialConfig contains the serial-line sensor feed settings
type SerialConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Name         string `yaml:"name"`
	Device       string `yaml:"device"`
	BaudRate     int    `yaml:"baud_rate"`
	StartCommand string `yaml:"start_command"`
	StopCommand  string `yaml:"stop_command"`
	// SettleDelayMS is a pointer so an explicit 0 disables the wait.
	SettleDelayMS *int `yaml:"settle_delay_ms"`
	ReadTimeoutMS int  `yaml:"read_timeout_ms"`
}

// SettleDelay returns the post-open wait before START is written.
func (c SerialConfig) SettleDelay() time.Duration {
	if c.SettleDelayMS == nil {
		return 0
	}
	return time.Duration(*c.SettleDelayMS) * time.Millisecond
}

// ReadTimeout returns the per-read timeout on the serial port.
func (c SerialConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMS) * time.Millisecond
}

// ExportConfig controls where bundles go and how they look.
type ExportConfig struct {
	Dir               string  `yaml:"dir"`
	Title             string  `yaml:"title"`
	ChartWidthInches  float64 `yaml:"chart_width_inches"`
	ChartHeightInches float64 `yaml:"chart_height_inches"`
	IncludeRowTable   *bool   `yaml:"include_row_table"`
}

// RowTable reports whether the PDF should list every reading.
func (c ExportConfig) RowTable() bool {
	return c.IncludeRowTable == nil || *c.IncludeRowTable
}

// ArchiveConfig controls the optional SQLite run archive.
type ArchiveConfig struct {
	Enabled                bool   `yaml:"enabled"`
	DBPath                 string `yaml:"db_path"`
	QueueSize              int    `yaml:"queue_size"`
	BatchSize              int    `yaml:"batch_size"`
	BatchIntervalMS        int    `yaml:"batch_interval_ms"`
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
	// RetentionDays of 0 keeps runs forever.
	RetentionDays int    `yaml:"retention_days"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	Synchronous   string `yaml:"synchronous"`
}

// JournalConfig controls crash recovery of the live run.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	// DropLogIntervalSeconds throttles repeated drop/parse-error logs.
	DropLogIntervalSeconds *int `yaml:"drop_log_interval_seconds"`
}

// DropLogInterval returns the throttle window for noisy feed logs.
func (c LoggingConfig) DropLogInterval() time.Duration {
	if c.DropLogIntervalSeconds == nil {
		return 0
	}
	return time.Duration(*c.DropLogIntervalSeconds) * time.Second
}

// StatsConfig controls the periodic status line and feed health checks.
type StatsConfig struct {
	DisplayIntervalSeconds int `yaml:"display_interval_seconds"`
	HealthCheckSeconds     int `yaml:"health_check_seconds"`
	IdleThresholdSeconds   int `yaml:"idle_threshold_seconds"`
}

// Load reads configuration from a YAML file, or from every *.yaml/*.yml file in
// a directory merged in name order, then applies defaults and validates.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no YAML files found in %s", path)
		}
	}

	var cfg Config
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(file), err)
		}
	}
	cfg.LoadedFrom = path
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func intPtr(v int) *int { return &v }

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Bench.Name) == "" {
		c.Bench.Name = "brickbench"
	}

	if c.MQTT.Name == "" {
		c.MQTT.Name = "mqtt"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "esp32/sensor"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "brickbench"
	}
	if c.MQTT.ConnectTimeoutSeconds == 0 {
		c.MQTT.ConnectTimeoutSeconds = 10
	}
	if c.MQTT.MaxPayloadBytes == 0 {
		c.MQTT.MaxPayloadBytes = 4096
	}
	if c.MQTT.QueueSize == 0 {
		c.MQTT.QueueSize = 256
	}
	if c.MQTT.StartCommand == "" {
		c.MQTT.StartCommand = "START"
	}
	if c.MQTT.StopCommand == "" {
		c.MQTT.StopCommand = "STOP"
	}

	if c.Serial.Name == "" {
		c.Serial.Name = "serial"
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 9600
	}
	if c.Serial.StartCommand == "" {
		c.Serial.StartCommand = "START"
	}
	if c.Serial.StopCommand == "" {
		c.Serial.StopCommand = "STOP"
	}
	if c.Serial.SettleDelayMS == nil {
		c.Serial.SettleDelayMS = intPtr(2000)
	}
	if c.Serial.ReadTimeoutMS == 0 {
		c.Serial.ReadTimeoutMS = 1000
	}

	if c.Export.Dir == "" {
		c.Export.Dir = "data/exports"
	}
	if c.Export.Title == "" {
		c.Export.Title = "Brick Test Report"
	}
	if c.Export.ChartWidthInches == 0 {
		c.Export.ChartWidthInches = 16
	}
	if c.Export.ChartHeightInches == 0 {
		c.Export.ChartHeightInches = 9
	}

	if c.Archive.DBPath == "" {
		c.Archive.DBPath = "data/archive/bench.db"
	}
	if c.Archive.QueueSize == 0 {
		c.Archive.QueueSize = 10000
	}
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = 256
	}
	if c.Archive.BatchIntervalMS == 0 {
		c.Archive.BatchIntervalMS = 500
	}
	if c.Archive.CleanupIntervalSeconds == 0 {
		c.Archive.CleanupIntervalSeconds = 3600
	}
	if c.Archive.BusyTimeoutMS == 0 {
		c.Archive.BusyTimeoutMS = 1000
	}
	if c.Archive.Synchronous == "" {
		c.Archive.Synchronous = "normal"
	}
	c.Archive.Synchronous = strings.ToLower(strings.TrimSpace(c.Archive.Synchronous))

	if c.Journal.Dir == "" {
		c.Journal.Dir = "data/journal"
	}

	if c.Logging.Dir == "" {
		c.Logging.Dir = "data/logs"
	}
	if c.Logging.RetentionDays == 0 {
		c.Logging.RetentionDays = 7
	}
	if c.Logging.DropLogIntervalSeconds == nil {
		c.Logging.DropLogIntervalSeconds = intPtr(60)
	}

	if c.Stats.DisplayIntervalSeconds == 0 {
		c.Stats.DisplayIntervalSeconds = 30
	}
	if c.Stats.HealthCheckSeconds == 0 {
		c.Stats.HealthCheckSeconds = 5
	}
	if c.Stats.IdleThresholdSeconds == 0 {
		c.Stats.IdleThresholdSeconds = 60
	}
}

func (c *Config) validate() error {
	if !c.MQTT.Enabled && !c.Serial.Enabled && !c.Bench.AllowNoFeeds {
		return errors.New("no sensor feed enabled: enable mqtt or serial (or set bench.allow_no_feeds)")
	}
	// A run is one sensor position; a second node needs its own bench instance.
	if c.MQTT.Enabled && c.Serial.Enabled {
		return errors.New("mqtt and serial are both enabled: a run records one sensor node, run one bench per node")
	}
	if c.MQTT.Enabled {
		if strings.TrimSpace(c.MQTT.Broker) == "" {
			return errors.New("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS)
		}
	}
	if c.MQTT.ConnectTimeoutSeconds < 0 || c.MQTT.MaxPayloadBytes < 0 || c.MQTT.QueueSize < 0 {
		return errors.New("mqtt timeouts and sizes must not be negative")
	}
	if c.Serial.Enabled && strings.TrimSpace(c.Serial.Device) == "" {
		return errors.New("serial.device is required when serial is enabled")
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate %d must be positive", c.Serial.BaudRate)
	}
	if *c.Serial.SettleDelayMS < 0 || c.Serial.ReadTimeoutMS < 0 {
		return errors.New("serial delays must not be negative")
	}
	if c.Export.ChartWidthInches < 0 || c.Export.ChartHeightInches < 0 {
		return errors.New("export chart size must not be negative")
	}
	switch c.Archive.Synchronous {
	case "off", "normal", "full":
	default:
		return fmt.Errorf("archive.synchronous %q must be off, normal or full", c.Archive.Synchronous)
	}
	if c.Archive.RetentionDays < 0 || c.Archive.QueueSize < 0 || c.Archive.BatchSize < 0 {
		return errors.New("archive sizes and retention must not be negative")
	}
	if *c.Logging.DropLogIntervalSeconds < 0 {
		return fmt.Errorf("logging.drop_log_interval_seconds %d must not be negative", *c.Logging.DropLogIntervalSeconds)
	}
	if c.Logging.RetentionDays < 0 {
		return fmt.Errorf("logging.retention_days %d must not be negative", c.Logging.RetentionDays)
	}
	return nil
}

// Print displays the configuration
func (c *Config) Print() {
	fmt.Printf("Bench: %s\n", c.Bench.Name)
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s:%d (topic: %s, qos %d)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.Topic, c.MQTT.QoS)
		if c.MQTT.ControlTopic != "" {
			fmt.Printf("MQTT control: %s (%s/%s)\n", c.MQTT.ControlTopic, c.MQTT.StartCommand, c.MQTT.StopCommand)
		}
		if c.MQTT.CommandTopic != "" {
			fmt.Printf("MQTT setpoints: %s\n", c.MQTT.CommandTopic)
		}
	}
	if c.Serial.Enabled {
		fmt.Printf("Serial: %s @ %d baud\n", c.Serial.Device, c.Serial.BaudRate)
	}
	fmt.Printf("Exports: %s\n", c.Export.Dir)
	if c.Archive.Enabled {
		retention := "forever"
		if c.Archive.RetentionDays > 0 {
			retention = fmt.Sprintf("%d days", c.Archive.RetentionDays)
		}
		fmt.Printf("Archive: %s (retention %s)\n", c.Archive.DBPath, retention)
	}
	if c.Journal.Enabled {
		fmt.Printf("Journal: %s\n", c.Journal.Dir)
	}
}
