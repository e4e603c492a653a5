package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	OriginURL      string      `mapstructure:"origin_url" validate:"required,origin"`
	CatalogDir     string      `mapstructure:"catalog_dir" validate:"required,dir"`
	StateDir       string      `mapstructure:"state_dir"`
	Store          StoreConfig `mapstructure:"store"`
	Sync           SyncConfig  `mapstructure:"sync"`
	IgnorePatterns []string    `mapstructure:"ignore_patterns"`
}

// StoreConfig selects and configures the sync state store backend
type StoreConfig struct {
	Backend  string         `mapstructure:"backend" validate:"oneof=file postgres"`
	Database DatabaseConfig `mapstructure:"database"`
}

// DatabaseConfig holds connection settings for the postgres backend
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Schema   string `mapstructure:"schema"`
	SSLMode  string `mapstructure:"sslmode"`
}

// SyncConfig holds adapter call behavior settings
type SyncConfig struct {
	RequestTimeoutMs int `mapstructure:"request_timeout_ms"`
	RetryAttempts    int `mapstructure:"retry_attempts"`
	RetryDelayMs     int `mapstructure:"retry_delay_ms"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
	)
	if d.Schema != "" {
		connStr += "&search_path=" + d.Schema + ",public"
	}
	return connStr
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		OriginURL: "http://localhost:8787",
		Store: StoreConfig{
			Backend: "file",
			Database: DatabaseConfig{
				Port:    5432,
				SSLMode: "require",
			},
		},
		Sync: SyncConfig{
			RequestTimeoutMs: 10000,
			RetryAttempts:    2,
			RetryDelayMs:     500,
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	defaults := DefaultConfig()
	v.SetDefault("origin_url", defaults.OriginURL)
	v.SetDefault("store.backend", defaults.Store.Backend)
	v.SetDefault("store.database.port", defaults.Store.Database.Port)
	v.SetDefault("store.database.sslmode", defaults.Store.Database.SSLMode)
	v.SetDefault("sync.request_timeout_ms", defaults.Sync.RequestTimeoutMs)
	v.SetDefault("sync.retry_attempts", defaults.Sync.RetryAttempts)
	v.SetDefault("sync.retry_delay_ms", defaults.Sync.RetryDelayMs)

	// Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config in standard locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	// Enable environment variable substitution
	v.AutomaticEnv()
	v.SetEnvPrefix("CARDFED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	// Unmarshal into struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in password
	cfg.Store.Database.Password = os.ExpandEnv(cfg.Store.Database.Password)

	// Expand paths
	cfg.CatalogDir = expandPath(cfg.CatalogDir)
	cfg.OriginURL = strings.TrimRight(cfg.OriginURL, "/")
	if cfg.StateDir == "" {
		cfg.StateDir = getConfigDir()
	} else {
		cfg.StateDir = expandPath(cfg.StateDir)
	}

	// Validate
	validate := validator.New()

	// Register custom validation for directory existence
	validate.RegisterValidation("dir", func(fl validator.FieldLevel) bool {
		path := fl.Field().String()
		if path == "" {
			return false
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		return info.IsDir()
	})

	// Origin must be an absolute http(s) URL; it is the prefix of every
	// federated identifier this instance mints.
	validate.RegisterValidation("origin", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}
		return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	})

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Store.Backend == "postgres" {
		db := cfg.Store.Database
		if db.Host == "" || db.User == "" || db.Database == "" {
			return nil, fmt.Errorf("postgres backend requires store.database host, user and database")
		}
	}

	return cfg, nil
}

// SettingsPath returns the fixed location of the federation settings
// snapshot inside the state directory.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.StateDir, "federation.json")
}

// SyncStatePath returns the location of the file store snapshot.
func (c *Config) SyncStatePath() string {
	return filepath.Join(c.StateDir, "sync-state.json")
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "cardfed")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "cardfed")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "cardfed")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "cardfed")
	}
}

// GetStateDir returns the directory for storing state files
func GetStateDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}
