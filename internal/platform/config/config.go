package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Values come from an optional YAML file,
// then environment variables (optionally seeded from .env), then CLI flags.
type Config struct {
	Listen  string        `yaml:"listen"`
	Logging LoggingConfig `yaml:"logging"`
	Source  SourceConfig  `yaml:"source"`
	Buffer  BufferConfig  `yaml:"buffer"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SourceConfig struct {
	URL            string            `yaml:"url"`
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	ReadTimeout    time.Duration     `yaml:"read_timeout"`
}

// BufferConfig mirrors timeshift.Config. Zero values leave the buffer's
// built-in defaults in place; a negative StallTimeout disables stall rewinds.
type BufferConfig struct {
	Root               string        `yaml:"root"`
	Storage            string        `yaml:"storage"`
	PoolSlots          int           `yaml:"pool_slots"`
	MaxWindow          string        `yaml:"max_window"`
	MaxChunks          int           `yaml:"max_chunks"`
	QueueDepth         int           `yaml:"queue_depth"`
	EnqueueTimeout     time.Duration `yaml:"enqueue_timeout"`
	MinReadyChunks     int           `yaml:"min_ready_chunks"`
	InitialWait        time.Duration `yaml:"initial_wait"`
	LiveEdgeWait       time.Duration `yaml:"live_edge_wait"`
	ResumeMarginChunks int           `yaml:"resume_margin_chunks"`
	ResumeWait         time.Duration `yaml:"resume_wait"`
	PreloadInterval    time.Duration `yaml:"preload_interval"`
	PreloadPercent     int           `yaml:"preload_percent"`
	StallTimeout       time.Duration `yaml:"stall_timeout"`
	ReconnectMax       int           `yaml:"reconnect_max"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	ReconnectJitter    time.Duration `yaml:"reconnect_jitter"`
	SwitchIdleWait     time.Duration `yaml:"switch_idle_wait"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	SeekStride         int           `yaml:"seek_stride"`
	SampleWindow       time.Duration `yaml:"sample_window"`
	DefaultBitrate     int           `yaml:"default_bitrate_kbps"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen: ":8080",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Source: SourceConfig{
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    30 * time.Second,
		},
		Buffer: BufferConfig{
			Root:           "timeshift",
			Storage:        "block",
			PoolSlots:      16,
			MaxWindow:      "512M",
			QueueDepth:     4,
			MinReadyChunks: 1,
			InitialWait:    5 * time.Second,
			LiveEdgeWait:   15 * time.Second,
			ReconnectMax:   5,
			ReconnectDelay: time.Second,
			DefaultBitrate: 128,
		},
	}
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// LoadFile overlays the YAML file at path on top of base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}

	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse yaml: %w", err)
	}

	return cfg, nil
}

// FromEnv overlays environment variables on top of base.
func FromEnv(base Config) Config {
	cfg := base
	cfg.Listen = GetEnv("LISTEN", cfg.Listen)
	cfg.Logging.Level = GetEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = GetEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Source.URL = GetEnv("STREAM_URL", cfg.Source.URL)
	cfg.Source.UserAgent = GetEnv("STREAM_USER_AGENT", cfg.Source.UserAgent)
	cfg.Source.ConnectTimeout = GetEnvDuration("STREAM_CONNECT_TIMEOUT", cfg.Source.ConnectTimeout)
	cfg.Source.ReadTimeout = GetEnvDuration("STREAM_READ_TIMEOUT", cfg.Source.ReadTimeout)
	cfg.Buffer.Root = GetEnv("TIMESHIFT_ROOT", cfg.Buffer.Root)
	cfg.Buffer.Storage = GetEnv("TIMESHIFT_STORAGE", cfg.Buffer.Storage)
	cfg.Buffer.PoolSlots = GetEnvInt("TIMESHIFT_POOL_SLOTS", cfg.Buffer.PoolSlots)
	cfg.Buffer.MaxWindow = GetEnv("TIMESHIFT_MAX_WINDOW", cfg.Buffer.MaxWindow)
	cfg.Buffer.MaxChunks = GetEnvInt("TIMESHIFT_MAX_CHUNKS", cfg.Buffer.MaxChunks)
	cfg.Buffer.QueueDepth = GetEnvInt("TIMESHIFT_QUEUE_DEPTH", cfg.Buffer.QueueDepth)
	cfg.Buffer.EnqueueTimeout = GetEnvDuration("TIMESHIFT_ENQUEUE_TIMEOUT", cfg.Buffer.EnqueueTimeout)
	cfg.Buffer.MinReadyChunks = GetEnvInt("TIMESHIFT_MIN_READY_CHUNKS", cfg.Buffer.MinReadyChunks)
	cfg.Buffer.InitialWait = GetEnvDuration("TIMESHIFT_INITIAL_WAIT", cfg.Buffer.InitialWait)
	cfg.Buffer.LiveEdgeWait = GetEnvDuration("TIMESHIFT_LIVE_EDGE_WAIT", cfg.Buffer.LiveEdgeWait)
	cfg.Buffer.ResumeMarginChunks = GetEnvInt("TIMESHIFT_RESUME_MARGIN_CHUNKS", cfg.Buffer.ResumeMarginChunks)
	cfg.Buffer.ResumeWait = GetEnvDuration("TIMESHIFT_RESUME_WAIT", cfg.Buffer.ResumeWait)
	cfg.Buffer.PreloadInterval = GetEnvDuration("TIMESHIFT_PRELOAD_INTERVAL", cfg.Buffer.PreloadInterval)
	cfg.Buffer.PreloadPercent = GetEnvInt("TIMESHIFT_PRELOAD_PERCENT", cfg.Buffer.PreloadPercent)
	cfg.Buffer.StallTimeout = GetEnvDuration("TIMESHIFT_STALL_TIMEOUT", cfg.Buffer.StallTimeout)
	cfg.Buffer.ReconnectMax = GetEnvInt("TIMESHIFT_RECONNECT_MAX", cfg.Buffer.ReconnectMax)
	cfg.Buffer.ReconnectDelay = GetEnvDuration("TIMESHIFT_RECONNECT_DELAY", cfg.Buffer.ReconnectDelay)
	cfg.Buffer.ReconnectJitter = GetEnvDuration("TIMESHIFT_RECONNECT_JITTER", cfg.Buffer.ReconnectJitter)
	cfg.Buffer.SwitchIdleWait = GetEnvDuration("TIMESHIFT_SWITCH_IDLE_WAIT", cfg.Buffer.SwitchIdleWait)
	cfg.Buffer.ShutdownTimeout = GetEnvDuration("TIMESHIFT_SHUTDOWN_TIMEOUT", cfg.Buffer.ShutdownTimeout)
	cfg.Buffer.SeekStride = GetEnvInt("TIMESHIFT_SEEK_STRIDE", cfg.Buffer.SeekStride)
	cfg.Buffer.SampleWindow = GetEnvDuration("TIMESHIFT_SAMPLE_WINDOW", cfg.Buffer.SampleWindow)
	cfg.Buffer.DefaultBitrate = GetEnvInt("TIMESHIFT_DEFAULT_BITRATE_KBPS", cfg.Buffer.DefaultBitrate)
	return cfg
}

// MaxWindowBytes parses Buffer.MaxWindow ("512M", "1G", ...).
func (c Config) MaxWindowBytes() (int64, error) {
	if strings.TrimSpace(c.Buffer.MaxWindow) == "" {
		return 0, nil
	}
	n, err := bytefmt.ToBytes(c.Buffer.MaxWindow)
	if err != nil {
		return 0, fmt.Errorf("max window %q: %w", c.Buffer.MaxWindow, err)
	}
	return int64(n), nil
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named
// by key ("1500ms", "5s"), or fallback if unset or invalid.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}
