package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"photofs/internal/artifacts"
	"photofs/internal/common"
)

// homeDir returns the photofs home directory without surfacing lookup
// errors; startup paths call common.EnsureHomeDir first and fail there.
func homeDir() string {
	dir, _ := common.HomeDir()
	return dir
}

// ConfigPath returns the configuration file path.
func ConfigPath() string {
	return filepath.Join(homeDir(), "config.yaml")
}

// IndexPath returns the library index database path.
func IndexPath() string {
	return filepath.Join(homeDir(), "library.db")
}

// SocketPath returns the control socket path.
func SocketPath() string {
	return filepath.Join(homeDir(), "daemon.sock")
}

// PidPath returns the PID file path.
func PidPath() string {
	return filepath.Join(homeDir(), "daemon.pid")
}

// LockPath returns the instance lock file path.
func LockPath() string {
	return filepath.Join(homeDir(), "daemon.lock")
}

// LogPath returns the daemon log file path.
// PHOTOFS_DAEMON_LOG overrides it.
func LogPath() string {
	if envPath := os.Getenv("PHOTOFS_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(homeDir(), "daemon.log")
}

// InitHome creates the home directory and writes the default config
// file if none exists yet.
func InitHome() error {
	if _, err := common.EnsureHomeDir(); err != nil {
		return fmt.Errorf("failed to create home directory: %w", err)
	}
	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, artifacts.DefaultConfig, 0600); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
	}
	return nil
}

// Config is the daemon configuration from <home>/config.yaml.
// Durations are plain integers with the unit in the field name so the
// YAML stays obvious.
type Config struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	CacheBudgetMB int `yaml:"cache_budget_mb"`

	StalenessSeconds      int `yaml:"staleness_seconds"`
	NetworkTimeoutSeconds int `yaml:"network_timeout_seconds"`
	PageSize              int `yaml:"page_size"`

	AlbumsRefreshHours int `yaml:"albums_refresh_hours"`
	MediaRefreshHours  int `yaml:"media_refresh_hours"`

	ExcludeAlbums []string `yaml:"exclude_albums"`

	AttrTTLSeconds  int `yaml:"attr_ttl_seconds"`
	EntryTTLSeconds int `yaml:"entry_ttl_seconds"`

	NFSExport  bool   `yaml:"nfs_export"`
	NFSAddress string `yaml:"nfs_address"`

	LogLevel string `yaml:"log_level"`

	DaemonBusyTimeout int `yaml:"daemon_busy_timeout"`
	CLIBusyTimeout    int `yaml:"cli_busy_timeout"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.CacheBudgetMB == 0 {
		cfg.CacheBudgetMB = 256
	}
	if cfg.StalenessSeconds == 0 {
		cfg.StalenessSeconds = 3600
	}
	if cfg.NetworkTimeoutSeconds == 0 {
		cfg.NetworkTimeoutSeconds = 30
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 50
	}
	if cfg.AttrTTLSeconds == 0 {
		cfg.AttrTTLSeconds = 60
	}
	if cfg.EntryTTLSeconds == 0 {
		cfg.EntryTTLSeconds = 60
	}
	if cfg.NFSAddress == "" {
		cfg.NFSAddress = "127.0.0.1:0"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// CacheBudget returns the content cache budget in bytes.
func (cfg *Config) CacheBudget() int64 {
	return int64(cfg.CacheBudgetMB) << 20
}

// Staleness returns the index staleness threshold.
func (cfg *Config) Staleness() time.Duration {
	return time.Duration(cfg.StalenessSeconds) * time.Second
}

// NetworkTimeout returns the per-call remote timeout.
func (cfg *Config) NetworkTimeout() time.Duration {
	return time.Duration(cfg.NetworkTimeoutSeconds) * time.Second
}

// AlbumsRefresh returns the album refresh interval, zero when disabled.
func (cfg *Config) AlbumsRefresh() time.Duration {
	return time.Duration(cfg.AlbumsRefreshHours) * time.Hour
}

// MediaRefresh returns the media refresh interval, zero when disabled.
func (cfg *Config) MediaRefresh() time.Duration {
	return time.Duration(cfg.MediaRefreshHours) * time.Hour
}

// AttrTTL returns how long the kernel may cache attributes.
func (cfg *Config) AttrTTL() time.Duration {
	return time.Duration(cfg.AttrTTLSeconds) * time.Second
}

// EntryTTL returns how long the kernel may cache directory entries.
func (cfg *Config) EntryTTL() time.Duration {
	return time.Duration(cfg.EntryTTLSeconds) * time.Second
}

// EffectiveLogLevel returns the normalized (lowercase) log level,
// honoring the PHOTOFS_LOG_LEVEL override.
func (cfg *Config) EffectiveLogLevel() string {
	if env := os.Getenv("PHOTOFS_LOG_LEVEL"); env != "" {
		return strings.ToLower(env)
	}
	return strings.ToLower(cfg.LogLevel)
}

// LoggingEnabled returns whether daemon logging is enabled.
func (cfg *Config) LoggingEnabled() bool {
	level := cfg.EffectiveLogLevel()
	return level != "" && level != "off" && level != "none"
}

// defaultConfig parses the embedded default configuration.
func defaultConfig() *Config {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.DefaultConfig, &cfg); err != nil {
		panic("failed to parse embedded default config: " + err.Error())
	}
	cfg.ApplyDefaults()
	return &cfg
}

// LoadConfig loads the configuration from <home>/config.yaml, falling
// back to embedded defaults when the file does not exist.
func LoadConfig() (*Config, error) {
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ConfigPath(), err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// SaveConfig writes the configuration back to <home>/config.yaml.
func SaveConfig(cfg *Config) error {
	if _, err := common.EnsureHomeDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := []byte("# photofs configuration\n# See: photofs --help\n\n")
	return os.WriteFile(ConfigPath(), append(header, data...), 0600)
}
