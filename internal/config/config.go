// Package config loads and validates worker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	XScraper  XScraperConfig  `mapstructure:"xscraper"`
	Inference InferenceConfig `mapstructure:"inference"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// ServerConfig controls the ops HTTP endpoint (metrics, health).
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs the per-job pipeline.
type CrawlerConfig struct {
	Workers            int    `mapstructure:"workers"`
	UserAgent          string `mapstructure:"user_agent"`
	ProbeTimeoutSec    int    `mapstructure:"probe_timeout_seconds"`
	JobTimeoutSec      int    `mapstructure:"job_timeout_seconds"`
	DownloadMaxMB      int    `mapstructure:"download_max_mb"`
	FullPageArchive    bool   `mapstructure:"full_page_archive"`
	FullPageScreenshot bool   `mapstructure:"full_page_screenshot"`
}

// BrowserConfig configures the pooled remote-browser subsystem. An empty
// endpoint disables pooling entirely; jobs then degrade to plain fetches.
type BrowserConfig struct {
	Endpoint             string `mapstructure:"endpoint"`
	ConnectOnDemand      bool   `mapstructure:"connect_on_demand"`
	MaxContexts          int    `mapstructure:"max_contexts"`
	IdleTTLSec           int    `mapstructure:"idle_ttl_seconds"`
	NavTimeoutSec        int    `mapstructure:"nav_timeout_seconds"`
	ScreenshotTimeoutSec int    `mapstructure:"screenshot_timeout_seconds"`
	ViewportWidth        int    `mapstructure:"viewport_width"`
	ViewportHeight       int    `mapstructure:"viewport_height"`
	AdblockEnabled       bool   `mapstructure:"adblock_enabled"`
	ReconnectMaxAttempts int    `mapstructure:"reconnect_max_attempts"`
}

// XScraperConfig configures the enhanced social-scraper path.
type XScraperConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Token               string `mapstructure:"token"`
	ActorID             string `mapstructure:"actor_id"`
	BaseURL             string `mapstructure:"base_url"`
	RunTimeoutSec       int    `mapstructure:"run_timeout_seconds"`
	DatasetRetries      int    `mapstructure:"dataset_retries"`
	DatasetRetryDelayMs int    `mapstructure:"dataset_retry_delay_ms"`
}

// InferenceConfig governs the enrichment batch collector.
type InferenceConfig struct {
	BatchSize       int `mapstructure:"batch_size"`
	BatchTimeoutSec int `mapstructure:"batch_timeout_seconds"`
	MaxRetries      int `mapstructure:"max_retries"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// StorageConfig selects and configures the asset store provider.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// QueueConfig selects and configures the downstream queue provider.
type QueueConfig struct {
	Provider    string `mapstructure:"provider"`
	ProjectID   string `mapstructure:"project_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	Depth       int    `mapstructure:"depth"`
}

// ArchiveConfig configures the full-page archival subprocess.
type ArchiveConfig struct {
	Binary     string `mapstructure:"binary"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.user_agent", "karakeep-crawler/1.0")
	v.SetDefault("crawler.probe_timeout_seconds", 5)
	v.SetDefault("crawler.job_timeout_seconds", 120)
	v.SetDefault("crawler.download_max_mb", 50)
	v.SetDefault("crawler.full_page_archive", false)
	v.SetDefault("crawler.full_page_screenshot", false)
	v.SetDefault("browser.connect_on_demand", false)
	v.SetDefault("browser.max_contexts", 5)
	v.SetDefault("browser.idle_ttl_seconds", 300)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.screenshot_timeout_seconds", 10)
	v.SetDefault("browser.viewport_width", 1440)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("browser.reconnect_max_attempts", 10)
	v.SetDefault("xscraper.base_url", "https://api.apify.com")
	v.SetDefault("xscraper.run_timeout_seconds", 60)
	v.SetDefault("xscraper.dataset_retries", 5)
	v.SetDefault("xscraper.dataset_retry_delay_ms", 2000)
	v.SetDefault("inference.batch_size", 20)
	v.SetDefault("inference.batch_timeout_seconds", 30)
	v.SetDefault("inference.max_retries", 3)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.depth", 256)
	v.SetDefault("archive.binary", "monolith")
	v.SetDefault("archive.timeout_seconds", 60)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Browser.Endpoint != "" && c.Browser.MaxContexts <= 0 {
		return fmt.Errorf("browser.max_contexts must be > 0 when an endpoint is set")
	}
	if c.XScraper.Enabled && c.XScraper.ActorID == "" {
		return fmt.Errorf("xscraper.actor_id must be set when xscraper is enabled")
	}
	if c.Inference.BatchSize <= 0 {
		return fmt.Errorf("inference.batch_size must be > 0")
	}
	switch c.Storage.Provider {
	case "memory", "gcs", "local":
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when provider is gcs")
	}
	if c.Storage.Provider == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set when provider is local")
	}
	switch c.Queue.Provider {
	case "memory", "pubsub":
	default:
		return fmt.Errorf("unknown queue provider: %s", c.Queue.Provider)
	}
	if c.Queue.Provider == "pubsub" && c.Queue.ProjectID == "" {
		return fmt.Errorf("queue.project_id must be set when provider is pubsub")
	}
	return nil
}

// Duration helpers keep time math out of call sites.

// ProbeTimeout returns the content-type probe budget.
func (c CrawlerConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}

// JobTimeout returns the overall per-job budget.
func (c CrawlerConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSec) * time.Second
}

// NavTimeout returns the page-navigation budget.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}

// ScreenshotTimeout returns the screenshot capture budget.
func (c BrowserConfig) ScreenshotTimeout() time.Duration {
	return time.Duration(c.ScreenshotTimeoutSec) * time.Second
}

// IdleTTL returns how long an idle pooled context may live.
func (c BrowserConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLSec) * time.Second
}

// BatchTimeout returns the collector flush window.
func (c InferenceConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutSec) * time.Second
}

// DatasetRetryDelay returns the fixed delay between dataset polls.
func (c XScraperConfig) DatasetRetryDelay() time.Duration {
	return time.Duration(c.DatasetRetryDelayMs) * time.Millisecond
}

// RunTimeout returns the actor-run budget.
func (c XScraperConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSec) * time.Second
}

// Timeout returns the archival subprocess budget.
func (c ArchiveConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}
