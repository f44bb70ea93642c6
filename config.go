package jrpc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file configuration of a server process. Zero values fall back to the defaults
// of the corresponding options.
type Config struct {
	Listen           string        `yaml:"listen"`
	Framing          string        `yaml:"framing"`
	MaxMessageSize   int           `yaml:"max_message_size"`
	WriteQueueDepth  int           `yaml:"write_queue_depth"`
	MaxConnections   int           `yaml:"max_connections"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	DeliveryTimeout  time.Duration `yaml:"delivery_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	HTTP             HTTPConfig    `yaml:"http"`
	Log              LogConfig     `yaml:"log"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	CatalogDirectory string        `yaml:"catalog_directory"`
}

// HTTPConfig configures the optional HTTP listener serving the SSE and WebSocket transports
// and the metrics endpoint.
type HTTPConfig struct {
	Listen      string `yaml:"listen"`
	SSE         bool   `yaml:"sse"`
	WebSocket   bool   `yaml:"websocket"`
	Metrics     bool   `yaml:"metrics"`
	MetricsPath string `yaml:"metrics_path"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envPrefix prefixes every environment variable read by LoadConfig.
const envPrefix = "JRPC_"

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:7070",
		Framing:         FramingNewline.String(),
		MaxMessageSize:  DefaultMaxMessageSize,
		WriteQueueDepth: DefaultWriteQueueDepth,
		SendTimeout:     defaultServerSendTimeout,
		DeliveryTimeout: defaultDeliveryTimeout,
		ShutdownTimeout: 10 * time.Second,
		HTTP: HTTPConfig{
			MetricsPath: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads the YAML file at path over DefaultConfig, applies the JRPC_* environment
// overrides and validates the result. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		bs, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(bs, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field of the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" && c.HTTP.Listen == "" {
		errs = append(errs, errors.New("listen or http.listen is required"))
	}
	if _, err := ParseFraming(c.Framing); err != nil {
		errs = append(errs, err)
	}
	if c.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("max_message_size must not be negative, got %d", c.MaxMessageSize))
	}
	if c.WriteQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("write_queue_depth must not be negative, got %d", c.WriteQueueDepth))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("max_connections must not be negative, got %d", c.MaxConnections))
	}
	if c.HTTP.Listen == "" && (c.HTTP.SSE || c.HTTP.WebSocket || c.HTTP.Metrics) {
		errs = append(errs, errors.New("http.listen is required when an HTTP endpoint is enabled"))
	}
	if c.HTTP.Metrics && !strings.HasPrefix(c.HTTP.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("http.metrics_path must start with '/', got %q", c.HTTP.MetricsPath))
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// TransportOptions returns the transport options described by the configuration.
func (c Config) TransportOptions(logger *slog.Logger) []TransportOption {
	// Validate already rejected unknown framings.
	framing, _ := ParseFraming(c.Framing)
	opts := []TransportOption{WithFraming(framing)}
	if c.MaxMessageSize > 0 {
		opts = append(opts, WithMaxMessageSize(c.MaxMessageSize))
	}
	if c.WriteQueueDepth > 0 {
		opts = append(opts, WithWriteQueueDepth(c.WriteQueueDepth))
	}
	if logger != nil {
		opts = append(opts, WithTransportLogger(logger))
	}
	return opts
}

// ServerOptions returns the server options described by the configuration.
func (c Config) ServerOptions(logger *slog.Logger) []ServerOption {
	var opts []ServerOption
	if c.MaxConnections > 0 {
		opts = append(opts, WithMaxConnections(c.MaxConnections))
	}
	if c.SendTimeout > 0 {
		opts = append(opts, WithServerSendTimeout(c.SendTimeout))
	}
	if c.DeliveryTimeout > 0 {
		opts = append(opts, WithServerDeliveryTimeout(c.DeliveryTimeout))
	}
	if logger != nil {
		opts = append(opts, WithServerLogger(logger))
	}
	return opts
}

// NewLogger builds the process logger described by the configuration.
func (c LogConfig) NewLogger() (*slog.Logger, error) {
	level, err := parseLogLevel(c.Level)
	if err != nil {
		return nil, err
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, hOpts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hOpts)), nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err))
			return
		}
		*dst = n
	}
	dur := func(name string, dst *time.Duration) {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err))
			return
		}
		*dst = d
	}
	flag := func(name string, dst *bool) {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err))
			return
		}
		*dst = b
	}

	str("LISTEN", &c.Listen)
	str("FRAMING", &c.Framing)
	num("MAX_MESSAGE_SIZE", &c.MaxMessageSize)
	num("WRITE_QUEUE_DEPTH", &c.WriteQueueDepth)
	num("MAX_CONNECTIONS", &c.MaxConnections)
	dur("SEND_TIMEOUT", &c.SendTimeout)
	dur("DELIVERY_TIMEOUT", &c.DeliveryTimeout)
	dur("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	dur("TICK_INTERVAL", &c.TickInterval)
	str("CATALOG_DIRECTORY", &c.CatalogDirectory)
	str("HTTP_LISTEN", &c.HTTP.Listen)
	flag("HTTP_SSE", &c.HTTP.SSE)
	flag("HTTP_WEBSOCKET", &c.HTTP.WebSocket)
	flag("HTTP_METRICS", &c.HTTP.Metrics)
	str("HTTP_METRICS_PATH", &c.HTTP.MetricsPath)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func parseLogLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
