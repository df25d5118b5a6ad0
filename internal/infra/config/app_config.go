// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BatcherConfig sizes the label batcher and the worker pool running its fetches.
type BatcherConfig struct {
	BatchSize     int           `yaml:"batchSize"`
	DelayInterval time.Duration `yaml:"delayInterval"`
	Workers       WorkerSetting `yaml:"workers"`
	QueueSize     int           `yaml:"queueSize"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize   int `yaml:"bufferSize"`
	DataCapBytes int `yaml:"dataCapBytes"`
}

// LabelsConfig configures the label endpoint client and its cache.
type LabelsConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	MaxRetries        uint          `yaml:"maxRetries"`
	CacheSize         int           `yaml:"cacheSize"`
}

// APIServerConfig configures the HTTP control surface.
//
// OriginPatterns lists the browser origins (host patterns, path.Match syntax) allowed to open
// the event stream websocket. Empty means same-origin only.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	OriginPatterns  []string      `yaml:"originPatterns"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// AppConfig is the unified platform configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Batcher     BatcherConfig   `yaml:"batcher"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Labels      LabelsConfig    `yaml:"labels"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns a configuration suitable for local development.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Batcher: BatcherConfig{
			BatchSize:     100,
			DelayInterval: 20 * time.Millisecond,
			QueueSize:     64,
		},
		Eventbus: EventbusConfig{
			BufferSize:   64,
			DataCapBytes: 100 * 1024,
		},
		Labels: LabelsConfig{
			Endpoint:          "http://localhost:10214/rest/data/rdf/utils/getLabelsForRdfValue",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 20,
			Burst:             5,
			MaxRetries:        3,
			CacheSize:         10000,
		},
		APIServer: APIServerConfig{
			Addr:            ":8880",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "http://localhost:4318",
			ServiceName:  "platformd",
			OTLPInsecure: true,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file. Sections missing from
// the file keep their defaults.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes YAML over the defaults, then normalises and validates the result.
func Parse(data []byte) (AppConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath when it exists. A blank path or a missing file yields the
// defaults and loaded=false.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), false, nil
	}
	cfg, err := Load(ctx, configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), false, nil
		}
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	patterns := c.APIServer.OriginPatterns[:0]
	for _, pattern := range c.APIServer.OriginPatterns {
		if pattern = strings.TrimSpace(pattern); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	c.APIServer.OriginPatterns = patterns
	c.Labels.Endpoint = strings.TrimSpace(c.Labels.Endpoint)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Encoding = strings.ToLower(strings.TrimSpace(c.Logging.Encoding))

	if c.Batcher.QueueSize < 0 {
		c.Batcher.QueueSize = 0
	}
	if c.Labels.Burst <= 0 {
		c.Labels.Burst = 1
	}
	if c.Eventbus.DataCapBytes < 0 {
		c.Eventbus.DataCapBytes = 0
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Batcher.BatchSize <= 0 {
		return fmt.Errorf("batcher batchSize must be >0")
	}
	if c.Batcher.DelayInterval <= 0 {
		return fmt.Errorf("batcher delayInterval must be >0")
	}
	if c.Batcher.Workers.Count() <= 0 {
		return fmt.Errorf("batcher workers must be >0")
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}

	if c.Labels.Endpoint == "" {
		return fmt.Errorf("labels endpoint required")
	}
	if !strings.HasPrefix(c.Labels.Endpoint, "http://") && !strings.HasPrefix(c.Labels.Endpoint, "https://") {
		return fmt.Errorf("labels endpoint must be an http(s) URL")
	}
	if c.Labels.Timeout <= 0 {
		return fmt.Errorf("labels timeout must be >0")
	}
	if c.Labels.RequestsPerSecond < 0 {
		return fmt.Errorf("labels requestsPerSecond must be >=0")
	}
	if c.Labels.CacheSize < 0 {
		return fmt.Errorf("labels cacheSize must be >=0")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		return fmt.Errorf("apiServer shutdownTimeout must be >0")
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logging encoding must be json or console")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
