// Package config provides configuration management for xferd.
// It supports defaults, a TOML file and environment variable overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/opd-ai/xferd/file"
	"github.com/opd-ai/xferd/limits"
)

// Duration is a time.Duration that decodes from strings such as "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	ReadBufferSize    int      `toml:"read_buffer_size"`
	KeepAlive         bool     `toml:"keepalive"`
	KeepAliveIdle     Duration `toml:"keepalive_idle"`
	KeepAliveInterval Duration `toml:"keepalive_interval"`
	KeepAliveCount    int      `toml:"keepalive_count"`
}

// StorageConfig locates the storage root.
type StorageConfig struct {
	Dir    string `toml:"dir"`
	Create bool   `toml:"create"`
}

// TransferConfig tunes the transfer handlers.
type TransferConfig struct {
	ChunkSize          int   `toml:"chunk_size"`
	CheckpointInterval int64 `toml:"checkpoint_interval"`
	MaxCommandLine     int   `toml:"max_command_line"`
}

// ResumeConfig controls the resume-record store.
type ResumeConfig struct {
	Key          string   `toml:"key"`
	MaxAge       Duration `toml:"max_age"`
	ReapInterval Duration `toml:"reap_interval"`
	ClearOnClose bool     `toml:"clear_on_close"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Transfer TransferConfig `toml:"transfer"`
	Resume   ResumeConfig   `toml:"resume"`
	Log      LogConfig      `toml:"log"`
}

// Default returns configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              3000,
			ReadBufferSize:    limits.DefaultReadBufferSize,
			KeepAlive:         true,
			KeepAliveIdle:     Duration{30 * time.Second},
			KeepAliveInterval: Duration{10 * time.Second},
			KeepAliveCount:    3,
		},
		Storage: StorageConfig{
			Dir:    "./storage",
			Create: true,
		},
		Transfer: TransferConfig{
			ChunkSize:          limits.DefaultChunkSize,
			CheckpointInterval: limits.DefaultCheckpointInterval,
			MaxCommandLine:     limits.MaxCommandLine,
		},
		Resume: ResumeConfig{
			Key:          "ip",
			MaxAge:       Duration{time.Hour},
			ReapInterval: Duration{5 * time.Minute},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the TOML file at path (when
// path is not empty) and the environment, in that order, and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the TOML file at path. Keys missing from the file keep
// their current values; unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config load failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv applies XFERD_* environment variable overrides.
func (c *Config) ApplyEnv() error {
	envMap := map[string]func(string) error{
		"XFERD_HOST": func(v string) error {
			c.Server.Host = v
			return nil
		},
		"XFERD_PORT": func(v string) error {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid XFERD_PORT: %w", err)
			}
			c.Server.Port = port
			return nil
		},
		"XFERD_STORAGE_DIR": func(v string) error {
			c.Storage.Dir = v
			return nil
		},
		"XFERD_LOG_LEVEL": func(v string) error {
			c.Log.Level = v
			return nil
		},
		"XFERD_LOG_FORMAT": func(v string) error {
			c.Log.Format = v
			return nil
		},
		"XFERD_RESUME_KEY": func(v string) error {
			c.Resume.Key = v
			return nil
		},
		"XFERD_RESUME_MAX_AGE": func(v string) error {
			if err := c.Resume.MaxAge.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid XFERD_RESUME_MAX_AGE: %w", err)
			}
			return nil
		},
		"XFERD_CHUNK_SIZE": func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid XFERD_CHUNK_SIZE: %w", err)
			}
			c.Transfer.ChunkSize = n
			return nil
		},
	}

	for key, apply := range envMap {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		if err := apply(v); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ReadBufferSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("server.read_buffer_size must be positive"))
	}
	if c.Server.KeepAlive && c.Server.KeepAliveCount < 0 {
		result = multierror.Append(result, fmt.Errorf("server.keepalive_count must not be negative"))
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		result = multierror.Append(result, fmt.Errorf("storage.dir is required"))
	}
	if err := limits.ValidateChunkSize(c.Transfer.ChunkSize); err != nil {
		result = multierror.Append(result, fmt.Errorf("transfer.chunk_size: %w", err))
	}
	if c.Transfer.CheckpointInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("transfer.checkpoint_interval must be positive"))
	}
	if c.Transfer.MaxCommandLine <= 0 {
		result = multierror.Append(result, fmt.Errorf("transfer.max_command_line must be positive"))
	}
	if _, err := file.ParseKeyPolicy(c.Resume.Key); err != nil {
		result = multierror.Append(result, fmt.Errorf("resume.key: %w", err))
	}
	if c.Resume.MaxAge.Duration <= 0 {
		result = multierror.Append(result, fmt.Errorf("resume.max_age must be positive"))
	}
	if c.Resume.ReapInterval.Duration < 0 {
		result = multierror.Append(result, fmt.Errorf("resume.reap_interval must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.level: %w", err))
	}
	if _, err := newFormatter(c.Log.Format); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.format: %w", err))
	}

	return result.ErrorOrNil()
}

// ListenAddr returns the host:port the server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// KeyPolicy returns the parsed resume key policy.
func (c *Config) KeyPolicy() file.KeyPolicy {
	p, _ := file.ParseKeyPolicy(c.Resume.Key)
	return p
}
