package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/codewiresh/sfp/internal/transport"
)

// DefaultMaxFrameSize is the soft cap the command applies unless configured.
const DefaultMaxFrameSize = 16 * 1024 * 1024 // 16 MB

// Config is the top-level configuration loaded from sfp.toml or sfp.yaml.
type Config struct {
	// Server URIs, e.g. "tcp://0.0.0.0:10000" or "unix://run/sfp.sock".
	Listen []string `toml:"listen" yaml:"listen"`
	// Client URI used by ping and send when none is given on the command line.
	Connect string `toml:"connect" yaml:"connect"`
	// Largest accepted payload in bytes. 0 disables the cap.
	MaxFrameSize uint32   `toml:"max_frame_size" yaml:"max_frame_size"`
	DialTimeout  Duration `toml:"dial_timeout" yaml:"dial_timeout"`

	Ping    PingConfig    `toml:"ping" yaml:"ping"`
	Log     LogConfig     `toml:"log" yaml:"log"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// PingConfig drives the ping command. Count 0 pings until interrupted.
type PingConfig struct {
	Interval Duration `toml:"interval" yaml:"interval"`
	Count    int      `toml:"count" yaml:"count"`
}

// LogConfig selects level, format and an optional rotated log file.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
	// "auto" picks console output on a terminal and JSON otherwise.
	Format     string `toml:"format" yaml:"format"`
	File       string `toml:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
}

// MetricsConfig controls the prometheus endpoint of the serve command.
type MetricsConfig struct {
	// HTTP address for /metrics, e.g. "127.0.0.1:9100". Empty disables it.
	Listen string `toml:"listen,omitempty" yaml:"listen,omitempty"`
}

// Duration is a time.Duration written as "1s", "250ms" in config files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a time.ParseDuration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats d with time.Duration.String.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Listen:       []string{"tcp://localhost"},
		Connect:      "tcp://localhost",
		MaxFrameSize: DefaultMaxFrameSize,
		DialTimeout:  Duration{5 * time.Second},
		Ping: PingConfig{
			Interval: Duration{time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads path, applies environment variable overrides, and validates
// the result. The decoder follows the file extension (.toml, .yaml, .yml).
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := decodeFile(path, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .toml, .yaml or .yml)", ext)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SFP_LISTEN"); v != "" {
		cfg.Listen = splitList(v)
	}
	if v := os.Getenv("SFP_CONNECT"); v != "" {
		cfg.Connect = v
	}
	if v := os.Getenv("SFP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SFP_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("SFP_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that every configured URI resolves on this platform.
func (c *Config) Validate() error {
	for _, uri := range c.Listen {
		if _, err := transport.Resolve(uri); err != nil {
			return fmt.Errorf("listen %q: %w", uri, err)
		}
	}
	if c.Connect != "" {
		if _, err := transport.Resolve(c.Connect); err != nil {
			return fmt.Errorf("connect %q: %w", c.Connect, err)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "auto", "console", "json":
	default:
		return fmt.Errorf("log format must be auto, console or json, got: %q", c.Log.Format)
	}
	if c.DialTimeout.Duration < 0 || c.Ping.Interval.Duration < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Save writes c as TOML to path, creating the directory if necessary.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return nil
}
