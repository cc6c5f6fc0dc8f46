package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	ClientQBittorrent  = "qbittorrent"
	ClientTransmission = "transmission"
)

var dotenvOnce sync.Once

// Load loads the configuration from file, the environment and an optional .env
func Load(configPath string) (*Config, error) {
	dotenvOnce.Do(func() {
		// a missing .env is normal
		_ = godotenv.Load()
	})

	v := viper.New()

	// Set default values
	setDefaults(v)

	v.SetEnvPrefix("MAMLARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".mamlarr"))
		}
		v.AddConfigPath("/etc/mamlarr/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// without an explicit path, defaults plus environment are a valid setup
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("tracker.url", "https://www.myanonamouse.net")
	v.SetDefault("tracker.session_id", "")
	v.SetDefault("tracker.download_path", "/torrents.php?action=download&id={id}")
	v.SetDefault("tracker.timeout", "30s")

	v.SetDefault("client.type", ClientQBittorrent)
	v.SetDefault("client.category", "mamlarr")
	v.SetDefault("client.tags", []string{})
	v.SetDefault("client.remote_path_prefix", "")
	v.SetDefault("client.local_path_prefix", "")
	v.SetDefault("client.timeout", "30s")
	v.SetDefault("client.qbittorrent.url", "http://localhost:8080")
	v.SetDefault("client.qbittorrent.username", "")
	v.SetDefault("client.qbittorrent.password", "")
	v.SetDefault("client.transmission.url", "http://localhost:9091/transmission/rpc")
	v.SetDefault("client.transmission.username", "")
	v.SetDefault("client.transmission.password", "")
	v.SetDefault("client.transmission.download_dir", "")

	v.SetDefault("seeding.target_hours", 72)
	v.SetDefault("seeding.ratio_limit", 0)

	v.SetDefault("postprocess.output_dir", "./library")
	v.SetDefault("postprocess.tmp_dir", filepath.Join(os.TempDir(), "mamlarr"))
	v.SetDefault("postprocess.ffmpeg_path", "ffmpeg")
	v.SetDefault("postprocess.enable_merge", true)
	v.SetDefault("postprocess.timeout", "30m")
	v.SetDefault("postprocess.max_attempts", 5)
	v.SetDefault("postprocess.finalize_workers", 2)
	v.SetDefault("postprocess.temp_max_age", "1h")

	v.SetDefault("monitor.poll_interval", "60s")
	v.SetDefault("monitor.retry_interval", "1h")
	v.SetDefault("monitor.retry_batch", 5)
	v.SetDefault("monitor.recheck_after", "72h")
	v.SetDefault("monitor.search_limit", 40)
	v.SetDefault("monitor.candidate_filter", "")
	v.SetDefault("monitor.filter_cache_size", 16)
	v.SetDefault("monitor.orphan_interval", "15m")
	v.SetDefault("monitor.cleanup_interval", "15m")
	v.SetDefault("monitor.temp_interval", "1h")

	v.SetDefault("database.path", "./data/mamlarr.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.color", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	if cfg.Tracker.URL == "" {
		return fmt.Errorf("tracker.url is required")
	}

	switch cfg.Client.Type {
	case ClientQBittorrent:
		if cfg.Client.QBittorrent.URL == "" {
			return fmt.Errorf("client.qbittorrent.url is required")
		}
	case ClientTransmission:
		if cfg.Client.Transmission.URL == "" {
			return fmt.Errorf("client.transmission.url is required")
		}
	default:
		return fmt.Errorf("invalid client.type: %s (must be '%s' or '%s')", cfg.Client.Type, ClientQBittorrent, ClientTransmission)
	}

	if cfg.Seeding.TargetHours < 0 {
		return fmt.Errorf("seeding.target_hours must not be negative")
	}
	if cfg.Seeding.RatioLimit < 0 {
		return fmt.Errorf("seeding.ratio_limit must not be negative")
	}

	if cfg.PostProcess.OutputDir == "" {
		return fmt.Errorf("postprocess.output_dir is required")
	}
	if cfg.PostProcess.MaxAttempts < 0 {
		return fmt.Errorf("postprocess.max_attempts must not be negative")
	}
	if cfg.PostProcess.FinalizeWorkers < 1 {
		return fmt.Errorf("postprocess.finalize_workers must be at least 1")
	}
	if cfg.PostProcess.Timeout <= 0 {
		return fmt.Errorf("postprocess.timeout must be positive")
	}

	if cfg.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if cfg.Monitor.RetryBatch < 1 {
		return fmt.Errorf("monitor.retry_batch must be at least 1")
	}

	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	// Validate logging format
	validFormats := map[string]bool{
		"console": true,
		"json":    true,
	}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid logging format: %s", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// Provider hands out a freshly read configuration on every call.
type Provider struct {
	path   string
	static bool
	logger zerolog.Logger

	mu   sync.Mutex
	last *Config
}

// NewProvider seeds the provider with an already loaded configuration.
func NewProvider(path string, initial *Config, logger zerolog.Logger) *Provider {
	return &Provider{
		path:   path,
		last:   initial,
		logger: logger.With().Str("component", "config").Logger(),
	}
}

// Current re-reads the configuration. On a read or validation error the last good
// configuration is returned.
func (p *Provider) Current() *Config {
	if p.static {
		return p.last
	}

	cfg, err := Load(p.path)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to reload configuration, using last good settings")
		return p.last
	}
	p.last = cfg
	return cfg
}

// Static returns a provider that always yields cfg. Used by tests and one-shot commands.
func Static(cfg *Config) *Provider {
	return &Provider{last: cfg, logger: zerolog.Nop(), static: true}
}

// Defaults returns the built-in configuration without reading files or the environment.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}
