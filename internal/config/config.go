package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CaptureConfig holds the live capture settings.
type CaptureConfig struct {
	Interface   string `yaml:"interface"`
	SnapLen     int32  `yaml:"snap_len"`
	Promiscuous bool   `yaml:"promiscuous"`
	BPFFilter   string `yaml:"bpf_filter"`
	ReadTimeout string `yaml:"read_timeout"`
	StopTimeout string `yaml:"stop_timeout"`
}

// ChunkConfig controls how captured packets are cut into chunk files.
type ChunkConfig struct {
	Size               int    `yaml:"size"`
	Dir                string `yaml:"dir"`
	FlushPartialOnStop bool   `yaml:"flush_partial_on_stop"`
}

// DispatcherConfig sizes the chunk processing worker pool.
type DispatcherConfig struct {
	NumWorkers   int    `yaml:"num_workers"`
	QueueSize    int    `yaml:"queue_size"`
	DrainTimeout string `yaml:"drain_timeout"`
	// BlockWhenFull makes chunk submission wait for queue space instead of
	// dropping the chunk. Only suitable for file replays.
	BlockWhenFull bool `yaml:"block_when_full"`
}

// ExtractorConfig describes how the external flow extraction tool is invoked.
type ExtractorConfig struct {
	Command    []string `yaml:"command"`
	OutputDir  string   `yaml:"output_dir"`
	OutputName string   `yaml:"output_name"`
	Timeout    string   `yaml:"timeout"`
}

// ScoringConfig points at the model artifacts.
type ScoringConfig struct {
	ModelDir     string   `yaml:"model_dir"`
	DefaultModel string   `yaml:"default_model"`
	Models       []string `yaml:"models"`
}

// AlertingConfig selects the alert policy applied to anomalous batches.
type AlertingConfig struct {
	Policy            string `yaml:"policy"`
	MaxAlertsPerBatch int    `yaml:"max_alerts_per_batch"`
}

// SQLiteConfig holds the embedded store settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// ClickHouseConfig holds the connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// NATSConfig holds the NATS publisher settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Encoding      string `yaml:"encoding"`
}

// SMTPConfig holds the settings for the SMTP server used by the email notifier.
type SMTPConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Host          string  `yaml:"host"`
	Port          int     `yaml:"port"`
	Username      string  `yaml:"username"`
	Password      string  `yaml:"password"`
	From          string  `yaml:"from"`
	To            string  `yaml:"to"`
	RatePerMinute float64 `yaml:"rate_per_minute"`
	Burst         int     `yaml:"burst"`
}

// NotificationConfig groups all event publishers.
type NotificationConfig struct {
	BufferSize int        `yaml:"buffer_size"`
	NATS       NATSConfig `yaml:"nats"`
	SMTP       SMTPConfig `yaml:"smtp"`
}

// APIConfig holds the listen addresses of the control surfaces.
type APIConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	GRPCHealthAddr string `yaml:"grpc_health_addr"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Capture      CaptureConfig      `yaml:"capture"`
	Chunk        ChunkConfig        `yaml:"chunk"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Extractor    ExtractorConfig    `yaml:"extractor"`
	Scoring      ScoringConfig      `yaml:"scoring"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Store        StoreConfig        `yaml:"store"`
	Notification NotificationConfig `yaml:"notification"`
	API          APIConfig          `yaml:"api"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// Default returns a configuration with every field set to its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Capture.SnapLen <= 0 {
		c.Capture.SnapLen = 65535
	}
	if c.Capture.ReadTimeout == "" {
		c.Capture.ReadTimeout = "500ms"
	}
	if c.Capture.StopTimeout == "" {
		c.Capture.StopTimeout = "5s"
	}

	if c.Chunk.Size <= 0 {
		c.Chunk.Size = 5000
	}
	if c.Chunk.Dir == "" {
		c.Chunk.Dir = "data/pcap_splits"
	}

	if c.Dispatcher.NumWorkers <= 0 {
		c.Dispatcher.NumWorkers = 4
	}
	if c.Dispatcher.QueueSize <= 0 {
		c.Dispatcher.QueueSize = 64
	}
	if c.Dispatcher.DrainTimeout == "" {
		c.Dispatcher.DrainTimeout = "2m"
	}

	if len(c.Extractor.Command) == 0 {
		c.Extractor.Command = []string{"cfm", "{input}", "{output_dir}"}
	}
	if c.Extractor.OutputDir == "" {
		c.Extractor.OutputDir = "data/csv_cicflowmeter"
	}
	if c.Extractor.OutputName == "" {
		c.Extractor.OutputName = "{base}_Flow.csv"
	}
	if c.Extractor.Timeout == "" {
		c.Extractor.Timeout = "120s"
	}

	if c.Scoring.ModelDir == "" {
		c.Scoring.ModelDir = "Model"
	}
	if c.Scoring.DefaultModel == "" {
		c.Scoring.DefaultModel = "kmeans"
	}

	if c.Alerting.Policy == "" {
		c.Alerting.Policy = "batch"
	}
	if c.Alerting.MaxAlertsPerBatch <= 0 {
		c.Alerting.MaxAlertsPerBatch = 100
	}

	if c.Store.Type == "" {
		c.Store.Type = "sqlite"
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "data/ids.sqlite"
	}
	if c.Store.ClickHouse.Port == 0 {
		c.Store.ClickHouse.Port = 9000
	}
	if c.Store.ClickHouse.Database == "" {
		c.Store.ClickHouse.Database = "default"
	}

	if c.Notification.BufferSize <= 0 {
		c.Notification.BufferSize = 1024
	}
	if c.Notification.NATS.URL == "" {
		c.Notification.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.Notification.NATS.SubjectPrefix == "" {
		c.Notification.NATS.SubjectPrefix = "ids.events"
	}
	if c.Notification.NATS.Encoding == "" {
		c.Notification.NATS.Encoding = "json"
	}
	if c.Notification.SMTP.RatePerMinute <= 0 {
		c.Notification.SMTP.RatePerMinute = 6
	}
	if c.Notification.SMTP.Burst <= 0 {
		c.Notification.SMTP.Burst = 3
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":5000"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	durations := map[string]string{
		"capture.read_timeout":     c.Capture.ReadTimeout,
		"capture.stop_timeout":     c.Capture.StopTimeout,
		"dispatcher.drain_timeout": c.Dispatcher.DrainTimeout,
		"extractor.timeout":        c.Extractor.Timeout,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}

	switch c.Alerting.Policy {
	case "batch", "flow":
	default:
		return fmt.Errorf("alerting.policy: unknown policy %q", c.Alerting.Policy)
	}

	switch c.Store.Type {
	case "memory", "sqlite", "clickhouse":
	default:
		return fmt.Errorf("store.type: unknown store %q", c.Store.Type)
	}
	if c.Store.Type == "clickhouse" && c.Store.ClickHouse.Host == "" {
		return fmt.Errorf("store.clickhouse.host is required")
	}

	switch c.Notification.NATS.Encoding {
	case "json", "proto":
	default:
		return fmt.Errorf("notification.nats.encoding: unknown encoding %q", c.Notification.NATS.Encoding)
	}
	if c.Notification.SMTP.Enabled && (c.Notification.SMTP.Host == "" || c.Notification.SMTP.To == "") {
		return fmt.Errorf("notification.smtp: host and to are required when enabled")
	}

	if !strings.Contains(strings.Join(c.Extractor.Command, " "), "{input}") {
		return fmt.Errorf("extractor.command must reference {input}")
	}
	return nil
}

// Duration parses a duration that has already been validated.
func Duration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}
