package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database  DatabaseConfig
	Blob      BlobConfig
	Server    ServerConfig
	Auth      AuthConfig
	Selection SelectionConfig
	Log       LogConfig
	UI        UIConfig
}

// DatabaseConfig holds sqlite settings. An empty Migrations path uses the
// migrations compiled into the binary.
type DatabaseConfig struct {
	Path       string
	Migrations string
}

// BlobConfig points at the blob root and the base URL blobs are served from.
type BlobConfig struct {
	Root          string
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// ServerConfig holds the blob server listen address.
type ServerConfig struct {
	Addr string
}

// AuthConfig selects how the current admin identity is resolved.
type AuthConfig struct {
	Mode   string // static | token
	UID    string
	Email  string
	Token  string
	Secret string
}

// SelectionConfig picks the activation strategy for exclusive selections.
type SelectionConfig struct {
	Strategy string // atomic | best_effort
}

// LogConfig holds log sink settings. An empty Path logs to stderr.
type LogConfig struct {
	Path       string
	Level      string
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
}

// UIConfig holds presentation settings.
type UIConfig struct {
	CurrencySymbol string `mapstructure:"currency_symbol"`
}

// DefaultPath is where the config file lives when none is given.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "beatadmin", "config.toml")
}

// LoadFile reads configuration from cfgPath and env (prefix BEATADMIN_). An
// empty path falls back to DefaultPath. A file that does not exist yet yields the defaults so that it
// can be written with SaveTo.
func LoadFile(cfgPath string) (Config, error) {
	v := viper.New()

	dataDir := filepath.Join(os.Getenv("HOME"), ".local", "share", "beatadmin")
	v.SetDefault("database.path", filepath.Join(dataDir, "beatadmin.db"))
	v.SetDefault("database.migrations", "")
	v.SetDefault("blob.root", filepath.Join(dataDir, "blobs"))
	v.SetDefault("blob.public_base_url", "http://localhost:8787")
	v.SetDefault("server.addr", ":8787")
	v.SetDefault("auth.mode", "static")
	v.SetDefault("auth.uid", os.Getenv("USER"))
	v.SetDefault("auth.email", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("selection.strategy", "atomic")
	v.SetDefault("log.path", filepath.Join(dataDir, "beatadmin.log"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("ui.currency_symbol", "$")

	v.SetConfigType("toml")

	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "beatadmin"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("BEATADMIN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects enum values the rest of the app cannot act on.
func (c Config) Validate() error {
	switch c.Auth.Mode {
	case "static", "token":
	default:
		return fmt.Errorf("config: unknown auth.mode %q", c.Auth.Mode)
	}
	switch c.Selection.Strategy {
	case "atomic", "best_effort":
	default:
		return fmt.Errorf("config: unknown selection.strategy %q", c.Selection.Strategy)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("config: database.path is required")
	}
	return nil
}

// SaveTo writes cfg to path as TOML, creating the parent directory if needed.
// The token secret is written in plain text; prefer BEATADMIN_AUTH_SECRET.
func SaveTo(path string, cfg Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("database.path", cfg.Database.Path)
	v.Set("database.migrations", cfg.Database.Migrations)
	v.Set("blob.root", cfg.Blob.Root)
	v.Set("blob.public_base_url", cfg.Blob.PublicBaseURL)
	v.Set("server.addr", cfg.Server.Addr)
	v.Set("auth.mode", cfg.Auth.Mode)
	v.Set("auth.uid", cfg.Auth.UID)
	v.Set("auth.email", cfg.Auth.Email)
	v.Set("auth.secret", cfg.Auth.Secret)
	v.Set("selection.strategy", cfg.Selection.Strategy)
	v.Set("log.path", cfg.Log.Path)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.Set("log.max_backups", cfg.Log.MaxBackups)
	v.Set("ui.currency_symbol", cfg.UI.CurrencySymbol)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
