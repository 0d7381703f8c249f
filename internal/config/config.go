package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Rhymond/go-money"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable tally reads.
const EnvPrefix = "TALLY"

// Conflict defaults, used when a session conflict arises without a terminal
// to ask on.
const (
	ConflictClaim      = "claim"
	ConflictRelinquish = "relinquish"
)

// Config holds runtime settings for the tally CLI and daemon.
type Config struct {
	StorePath        string        `mapstructure:"store_path"`
	ServerURL        string        `mapstructure:"server_url"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	BroadcastAddr    string        `mapstructure:"broadcast_addr"`
	ConflictDefault  string        `mapstructure:"conflict_default"`
	Currency         string        `mapstructure:"currency"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Dir returns the directory holding tally's config file and default store.
func Dir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tally")
	}
	return ".tally"
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StorePath:        filepath.Join(Dir(), "tally.db"),
		ServerURL:        "http://127.0.0.1:7410",
		DebounceInterval: 2 * time.Second,
		SyncInterval:     5 * time.Minute,
		RequestTimeout:   30 * time.Second,
		RetryAttempts:    0,
		BroadcastAddr:    "127.0.0.1:7420",
		ConflictDefault:  ConflictClaim,
		Currency:         money.USD,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Options selects the sources Load reads.
type Options struct {
	// ConfigFile is an explicit config path. When empty, DefaultPath is used
	// and a missing file is not an error.
	ConfigFile string
	// EnvFile is the dotenv file to load. Empty means ".env".
	EnvFile string
	// Flags, when set, overrides values with any flag the user changed. A
	// key such as "log.level" binds to the flag "log-level".
	Flags *pflag.FlagSet
}

// Load builds a Config from defaults, file, dotenv, environment and flags, in
// that order, and validates it.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	path := opts.ConfigFile
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for _, key := range v.AllKeys() {
			name := strings.NewReplacer(".", "-", "_", "-").Replace(key)
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.StorePath = expandHome(cfg.StorePath)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store_path", d.StorePath)
	v.SetDefault("server_url", d.ServerURL)
	v.SetDefault("debounce_interval", d.DebounceInterval)
	v.SetDefault("sync_interval", d.SyncInterval)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("retry_attempts", d.RetryAttempts)
	v.SetDefault("broadcast_addr", d.BroadcastAddr)
	v.SetDefault("conflict_default", d.ConflictDefault)
	v.SetDefault("currency", d.Currency)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store_path must not be empty")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must not be empty")
	}
	if c.DebounceInterval <= 0 {
		return fmt.Errorf("debounce_interval must be positive, got %s", c.DebounceInterval)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive, got %s", c.SyncInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must not be negative, got %d", c.RetryAttempts)
	}
	switch c.ConflictDefault {
	case ConflictClaim, ConflictRelinquish:
	default:
		return fmt.Errorf("conflict_default must be %q or %q, got %q",
			ConflictClaim, ConflictRelinquish, c.ConflictDefault)
	}
	if money.GetCurrency(c.Currency) == nil {
		return fmt.Errorf("unknown currency %q", c.Currency)
	}
	return nil
}

// fileConfig is the on-disk shape written by Write. Durations are strings so
// the file stays readable.
type fileConfig struct {
	StorePath        string  `toml:"store_path"`
	ServerURL        string  `toml:"server_url"`
	DebounceInterval string  `toml:"debounce_interval"`
	SyncInterval     string  `toml:"sync_interval"`
	RequestTimeout   string  `toml:"request_timeout"`
	RetryAttempts    int     `toml:"retry_attempts"`
	BroadcastAddr    string  `toml:"broadcast_addr"`
	ConflictDefault  string  `toml:"conflict_default"`
	Currency         string  `toml:"currency"`
	Log              fileLog `toml:"log"`
}

type fileLog struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Encode writes cfg as TOML.
func (c *Config) Encode(w io.Writer) error {
	fc := fileConfig{
		StorePath:        c.StorePath,
		ServerURL:        c.ServerURL,
		DebounceInterval: c.DebounceInterval.String(),
		SyncInterval:     c.SyncInterval.String(),
		RequestTimeout:   c.RequestTimeout.String(),
		RetryAttempts:    c.RetryAttempts,
		BroadcastAddr:    c.BroadcastAddr,
		ConflictDefault:  c.ConflictDefault,
		Currency:         c.Currency,
		Log: fileLog{
			Level:      c.Log.Level,
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
		},
	}
	if err := toml.NewEncoder(w).Encode(fc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Write saves cfg to path, creating parent directories. An existing file is
// replaced.
func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := cfg.Encode(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close config file: %w", err)
	}
	return nil
}
