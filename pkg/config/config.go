package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the Telegram scraper
type Config struct {
	// Telegram API settings
	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`

	// Channels to scrape in continuous mode
	Channels []string `yaml:"channels" json:"channels"`

	// Rate limiting for page fetches
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Batch commit settings
	Batch BatchConfig `yaml:"batch" json:"batch"`

	// Media download settings
	Download DownloadConfig `yaml:"download" json:"download"`

	// Output locations
	Output OutputConfig `yaml:"output" json:"output"`

	// Continuous mode settings
	Continuous ContinuousConfig `yaml:"continuous" json:"continuous"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// TelegramConfig holds Telegram API configuration
type TelegramConfig struct {
	APIBaseURL string        `yaml:"api_base_url" json:"api_base_url"`
	Token      string        `yaml:"token" json:"token"`
	UserAgent  string        `yaml:"user_agent" json:"user_agent"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	PageSize   int           `yaml:"page_size" json:"page_size"`
}

// RateLimitConfig holds rate limiting configuration for API page fetches
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	// PageRetries bounds retries of a failed page fetch before the run is
	// aborted. Rate-limit pauses do not count against it.
	PageRetries int `yaml:"page_retries" json:"page_retries"`
}

// BatchConfig holds batched storage commit configuration
type BatchConfig struct {
	// Size is the number of messages committed per storage transaction
	Size int `yaml:"size" json:"size"`
	// CheckpointEvery forces an out-of-band flush after this many processed
	// messages, bounding re-work after a crash
	CheckpointEvery int `yaml:"checkpoint_every" json:"checkpoint_every"`
	// FlushRetries bounds retries of a failed flush before the run is aborted
	FlushRetries int `yaml:"flush_retries" json:"flush_retries"`
}

// DownloadConfig holds media download configuration
type DownloadConfig struct {
	Workers      int           `yaml:"workers" json:"workers"`
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	BaseDelay    time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	JitterFactor float64       `yaml:"jitter_factor" json:"jitter_factor"`
	SkipMedia    bool          `yaml:"skip_media" json:"skip_media"`
	DrainGrace   time.Duration `yaml:"drain_grace" json:"drain_grace"`
}

// OutputConfig holds output location configuration
type OutputConfig struct {
	// DataDir holds the database, checkpoints and per-channel media folders
	DataDir      string `yaml:"data_dir" json:"data_dir"`
	DatabaseFile string `yaml:"database_file" json:"database_file"`
}

// ContinuousConfig holds continuous (tail) mode configuration
type ContinuousConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// FromLatest starts a channel with no checkpoint at the live edge
	// instead of backfilling history
	FromLatest bool `yaml:"from_latest" json:"from_latest"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			APIBaseURL: "https://api.telegram.org",
			UserAgent:  "telegram-scraper/1.0",
			Timeout:    30 * time.Second,
			PageSize:   100,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			PageRetries:       3,
		},
		Batch: BatchConfig{
			Size:            100,
			CheckpointEvery: 50,
			FlushRetries:    3,
		},
		Download: DownloadConfig{
			Workers:      3,
			MaxAttempts:  5,
			Timeout:      60 * time.Second,
			BaseDelay:    1 * time.Second,
			MaxDelay:     30 * time.Second,
			JitterFactor: 0.2,
			SkipMedia:    false,
			DrainGrace:   60 * time.Second,
		},
		Output: OutputConfig{
			DataDir:      "./data",
			DatabaseFile: "messages.db",
		},
		Continuous: ContinuousConfig{
			PollInterval: 300 * time.Second,
			FromLatest:   false,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if token := os.Getenv("TGSCRAPER_TOKEN"); token != "" {
		c.Telegram.Token = token
	}
	if baseURL := os.Getenv("TGSCRAPER_API_BASE_URL"); baseURL != "" {
		c.Telegram.APIBaseURL = baseURL
	}
	if channels := os.Getenv("TGSCRAPER_CHANNELS"); channels != "" {
		c.Channels = splitList(channels)
	}
	if rpm := os.Getenv("TGSCRAPER_REQUESTS_PER_MINUTE"); rpm != "" {
		if val, err := strconv.Atoi(rpm); err == nil && val > 0 {
			c.RateLimit.RequestsPerMinute = val
		}
	}
	if size := os.Getenv("TGSCRAPER_BATCH_SIZE"); size != "" {
		if val, err := strconv.Atoi(size); err == nil && val > 0 {
			c.Batch.Size = val
		}
	}
	if workers := os.Getenv("TGSCRAPER_DOWNLOAD_WORKERS"); workers != "" {
		if val, err := strconv.Atoi(workers); err == nil && val > 0 {
			c.Download.Workers = val
		}
	}
	if dataDir := os.Getenv("TGSCRAPER_DATA_DIR"); dataDir != "" {
		c.Output.DataDir = dataDir
	}
	if interval := os.Getenv("SCRAPE_INTERVAL"); interval != "" {
		if secs, err := strconv.Atoi(interval); err == nil && secs > 0 {
			c.Continuous.PollInterval = time.Duration(secs) * time.Second
		}
	}
	if logLevel := os.Getenv("TGSCRAPER_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".tgscraper.yaml",
		".tgscraper.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "telegram-scraper", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "telegram-scraper", "config.yml"),
		filepath.Join(os.Getenv("HOME"), ".tgscraper.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Telegram.APIBaseURL == "" {
		errs = append(errs, errors.New("API base URL is required"))
	}
	if c.Telegram.PageSize <= 0 {
		errs = append(errs, errors.New("page size must be positive"))
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}
	if c.RateLimit.PageRetries < 0 {
		errs = append(errs, errors.New("page retries cannot be negative"))
	}

	if c.Batch.Size <= 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	if c.Batch.CheckpointEvery <= 0 {
		errs = append(errs, errors.New("checkpoint interval must be positive"))
	}

	if c.Download.Workers <= 0 {
		errs = append(errs, errors.New("download workers must be positive"))
	}
	if c.Download.Workers > 10 {
		errs = append(errs, errors.New("download workers should not exceed 10"))
	}
	if c.Download.MaxAttempts <= 0 {
		errs = append(errs, errors.New("download max attempts must be positive"))
	}
	if c.Download.Timeout <= 0 {
		errs = append(errs, errors.New("download timeout must be positive"))
	}
	if c.Download.JitterFactor < 0 || c.Download.JitterFactor > 1 {
		errs = append(errs, errors.New("jitter factor must be between 0 and 1"))
	}

	if c.Output.DataDir == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	if c.Output.DatabaseFile == "" {
		errs = append(errs, errors.New("database file is required"))
	}

	if c.Continuous.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// DatabasePath returns the full path of the SQLite database file
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Output.DataDir, c.Output.DatabaseFile)
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if token, ok := flags["token"].(string); ok && token != "" {
		c.Telegram.Token = token
	}
	if dataDir, ok := flags["data-dir"].(string); ok && dataDir != "" {
		c.Output.DataDir = dataDir
	}
	if batchSize, ok := flags["batch-size"].(int); ok && batchSize > 0 {
		c.Batch.Size = batchSize
	}
	if workers, ok := flags["workers"].(int); ok && workers > 0 {
		c.Download.Workers = workers
	}
	if skipMedia, ok := flags["skip-media"].(bool); ok {
		c.Download.SkipMedia = skipMedia
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".tgscraper.env"))

	// Start with defaults
	config := DefaultConfig()

	// Load from config file
	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Override with environment variables (includes values from .env)
	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Override with command line flags
	config.MergeCommandLineFlags(flags)

	// Validate final configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
