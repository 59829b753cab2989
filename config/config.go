package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"peerpresence/logging"
	"peerpresence/registry"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerpresence"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERPRESENCE_DATA_DIR"
	// EnvPrefix prefixes environment overrides, e.g. PEERPRESENCE_BACKEND_URL.
	EnvPrefix = "PEERPRESENCE"

	DefaultBackendURL       = "http://127.0.0.1:8787"
	DefaultBackendTimeoutMS = 10000
	DefaultPollIntervalMS   = 30000
	DefaultListenAddress    = "127.0.0.1:8787"
	DefaultDatabaseDriver   = DriverSQLite
	DefaultRateLimitPerSec  = 20
	DefaultRateBurst        = 40
	DefaultEventRetention   = 30

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

var validate = validator.New()

// Config is the persisted local configuration.
type Config struct {
	PeerID         string        `mapstructure:"peer_id" json:"peer_id" validate:"required,max=255"`
	DeviceName     string        `mapstructure:"device_name" json:"device_name" validate:"max=255"`
	DeviceType     string        `mapstructure:"device_type" json:"device_type" validate:"max=64"`
	Backend        BackendConfig `mapstructure:"backend" json:"backend"`
	PollIntervalMS int           `mapstructure:"poll_interval_ms" json:"poll_interval_ms" validate:"gt=0"`
	Server         ServerConfig  `mapstructure:"server" json:"server"`
	Logging        LoggingConfig `mapstructure:"logging" json:"logging"`
}

// BackendConfig locates the presence function.
type BackendConfig struct {
	URL       string `mapstructure:"url" json:"url" validate:"omitempty,url"`
	Function  string `mapstructure:"function" json:"function"`
	APIKey    string `mapstructure:"api_key" json:"api_key"`
	TimeoutMS int    `mapstructure:"timeout_ms" json:"timeout_ms" validate:"gte=0"`
	// MDNS locates the backend on the LAN instead of using URL.
	MDNS bool `mapstructure:"mdns" json:"mdns"`
}

// ServerConfig configures the bundled backend.
type ServerConfig struct {
	Listen          string         `mapstructure:"listen" json:"listen" validate:"required"`
	Database        DatabaseConfig `mapstructure:"database" json:"database"`
	RateLimitPerSec float64        `mapstructure:"rate_limit_per_sec" json:"rate_limit_per_sec" validate:"gte=0"`
	RateBurst       int            `mapstructure:"rate_burst" json:"rate_burst" validate:"gte=0"`
	Advertise       bool           `mapstructure:"advertise" json:"advertise"`
}

// DatabaseConfig selects the backend store.
type DatabaseConfig struct {
	Driver             string `mapstructure:"driver" json:"driver" validate:"oneof=sqlite postgres"`
	DSN                string `mapstructure:"dsn" json:"dsn"`
	EventRetentionDays int    `mapstructure:"event_retention_days" json:"event_retention_days" validate:"gte=0"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" json:"format" validate:"oneof=console json"`
	FilePath   string `mapstructure:"file_path" json:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days" validate:"gte=0"`
}

// PollInterval returns the discovery interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// BackendTimeout returns the per-call timeout. Zero means none.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutMS) * time.Millisecond
}

// EventRetention returns the presence history horizon.
func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.Server.Database.EventRetentionDays) * 24 * time.Hour
}

// LoggingOptions converts the logging section for logging.New.
func (c *Config) LoggingOptions(component, version string) logging.Options {
	return logging.Options{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		FilePath:   c.Logging.FilePath,
		Component:  component,
		Version:    version,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config: %s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Server.Database.Driver == DriverPostgres && strings.TrimSpace(c.Server.Database.DSN) == "" {
		return errors.New("invalid config: server.database.dsn is required for postgres")
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERPRESENCE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("peer_id", "")
	v.SetDefault("device_name", "")
	v.SetDefault("device_type", "")
	v.SetDefault("backend.url", DefaultBackendURL)
	v.SetDefault("backend.function", registry.DefaultFunctionName)
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.timeout_ms", DefaultBackendTimeoutMS)
	v.SetDefault("backend.mdns", false)
	v.SetDefault("poll_interval_ms", DefaultPollIntervalMS)
	v.SetDefault("server.listen", DefaultListenAddress)
	v.SetDefault("server.database.driver", DefaultDatabaseDriver)
	v.SetDefault("server.database.dsn", "")
	v.SetDefault("server.database.event_retention_days", DefaultEventRetention)
	v.SetDefault("server.rate_limit_per_sec", DefaultRateLimitPerSec)
	v.SetDefault("server.rate_burst", DefaultRateBurst)
	v.SetDefault("server.advertise", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logging.FormatConsole)
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
}

// Load merges defaults, config.json and PEERPRESENCE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data dir, then behaves like LoadOrCreateIn.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn ensures the directory and config exist, then returns both.
// Environment overrides apply to the returned config but are never persisted.
func LoadOrCreateIn(dataDir string) (*Config, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	stored, inFile, err := readFile(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		stored = defaultConfig()
		if err := Save(cfgPath, stored); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(stored, inFile) {
		if err := Save(cfgPath, stored); err != nil {
			return nil, "", err
		}
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// readFile decodes config.json without defaults or env overrides. The returned
// func reports whether a key was written in the file, so explicit zero values
// can be told apart from missing ones.
func readFile(path string) (*Config, func(key string) bool, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, v.InConfig, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, func(string) bool { return false })
	return cfg
}

// normalizeDefaults fills missing settings. Keys where zero is meaningful
// (no call timeout, no rate limit) are only filled when absent from the file.
func normalizeDefaults(cfg *Config, inFile func(key string) bool) bool {
	updated := false
	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.PeerID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.Backend.URL, DefaultBackendURL)
	setString(&cfg.Backend.Function, registry.DefaultFunctionName)
	setInt(&cfg.PollIntervalMS, DefaultPollIntervalMS)
	setString(&cfg.Server.Listen, DefaultListenAddress)
	setString(&cfg.Server.Database.Driver, DefaultDatabaseDriver)
	setInt(&cfg.Server.Database.EventRetentionDays, DefaultEventRetention)
	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.Format, logging.FormatConsole)

	if !inFile("backend.timeout_ms") {
		cfg.Backend.TimeoutMS = DefaultBackendTimeoutMS
		updated = true
	}
	if !inFile("server.rate_limit_per_sec") {
		cfg.Server.RateLimitPerSec = DefaultRateLimitPerSec
		updated = true
	}
	if !inFile("server.rate_burst") {
		cfg.Server.RateBurst = DefaultRateBurst
		updated = true
	}

	return updated
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Peer Presence Device"
}
