package config

import "time"

// Config represents the complete configuration structure
type Config struct {
	Tracker     TrackerConfig     `mapstructure:"tracker"`
	Client      ClientConfig      `mapstructure:"client"`
	Seeding     SeedingConfig     `mapstructure:"seeding"`
	PostProcess PostProcessConfig `mapstructure:"postprocess"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// TrackerConfig holds MyAnonamouse connection details
type TrackerConfig struct {
	URL       string `mapstructure:"url"`
	SessionID string `mapstructure:"session_id"`
	// DownloadPath is tried after the dl_hash endpoint; {id} is replaced with the torrent id.
	DownloadPath string        `mapstructure:"download_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ClientConfig selects and configures the torrent client
type ClientConfig struct {
	Type             string             `mapstructure:"type"`
	Category         string             `mapstructure:"category"`
	Tags             []string           `mapstructure:"tags"`
	RemotePathPrefix string             `mapstructure:"remote_path_prefix"`
	LocalPathPrefix  string             `mapstructure:"local_path_prefix"`
	Timeout          time.Duration      `mapstructure:"timeout"`
	QBittorrent      QBittorrentConfig  `mapstructure:"qbittorrent"`
	Transmission     TransmissionConfig `mapstructure:"transmission"`
}

// QBittorrentConfig holds qBittorrent WebUI connection details
type QBittorrentConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// TransmissionConfig holds Transmission RPC connection details
type TransmissionConfig struct {
	URL         string `mapstructure:"url"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	DownloadDir string `mapstructure:"download_dir"`
}

// SeedingConfig controls retention before a torrent is retired
type SeedingConfig struct {
	TargetHours float64 `mapstructure:"target_hours"`
	// RatioLimit of zero means no ratio target.
	RatioLimit float64 `mapstructure:"ratio_limit"`
}

// PostProcessConfig controls the library pipeline
type PostProcessConfig struct {
	OutputDir       string        `mapstructure:"output_dir"`
	TmpDir          string        `mapstructure:"tmp_dir"`
	FFmpegPath      string        `mapstructure:"ffmpeg_path"`
	EnableMerge     bool          `mapstructure:"enable_merge"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	FinalizeWorkers int           `mapstructure:"finalize_workers"`
	TempMaxAge      time.Duration `mapstructure:"temp_max_age"`
}

// MonitorConfig contains the background loop intervals
type MonitorConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	RetryBatch      int           `mapstructure:"retry_batch"`
	RecheckAfter    time.Duration `mapstructure:"recheck_after"`
	SearchLimit     int           `mapstructure:"search_limit"`
	CandidateFilter string        `mapstructure:"candidate_filter"`
	FilterCacheSize int           `mapstructure:"filter_cache_size"`
	OrphanInterval  time.Duration `mapstructure:"orphan_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	TempInterval    time.Duration `mapstructure:"temp_interval"`
}

// DatabaseConfig locates the sqlite file
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Color  bool   `mapstructure:"color"`
}

// MetricsConfig exposes the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}
