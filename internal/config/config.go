// Package config loads the clipsync TOML configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/subculture-collective/clipper/clipsync/internal/api"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/sync"
	"github.com/subculture-collective/clipper/clipsync/internal/sync/conflict"
	"github.com/subculture-collective/clipper/clipsync/internal/sync/queue"
)

//go:embed sample_config.toml
var sampleConfig string

// TokenEnv overrides api.token.
const TokenEnv = "CLIPSYNC_API_TOKEN"

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
}

// API contains Clipper API connection settings.
type API struct {
	BaseURL        string  `toml:"base_url"`
	Token          string  `toml:"token"`
	RequestTimeout int     `toml:"request_timeout"` // seconds
	RatePerSecond  float64 `toml:"rate_per_second"`
	Burst          int     `toml:"burst"`
	UserAgent      string  `toml:"user_agent"`
}

// Sync contains sync manager timing, in seconds.
type Sync struct {
	Interval      int `toml:"interval"`
	ProbeInterval int `toml:"probe_interval"`
	PurgeInterval int `toml:"purge_interval"`
}

// Queue contains operation queue limits and retry policy.
type Queue struct {
	MaxAttempts    int `toml:"max_attempts"`
	RetryBaseDelay int `toml:"retry_base_delay"` // seconds
	RetryMaxDelay  int `toml:"retry_max_delay"`  // seconds
	MaxSize        int `toml:"max_size"`
}

// Cache contains entity lifetimes, in seconds.
type Cache struct {
	ClipTTL        int `toml:"clip_ttl"`
	CommentTTL     int `toml:"comment_ttl"`
	FeedTTL        int `toml:"feed_ttl"`
	StaleRetention int `toml:"stale_retention"`
}

// Conflict selects resolution strategies per queue target.
type Conflict struct {
	Default    string            `toml:"default"`
	Strategies map[string]string `toml:"strategies"`
}

// Server contains the local status API settings.
type Server struct {
	Bind          string   `toml:"bind"`
	EmbedParents  []string `toml:"embed_parents"`
	CheckoutHosts []string `toml:"checkout_hosts"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Config encapsulates all configuration values for clipsync.
//
// Configuration sections by subsystem:
//   - Paths: data directory holding the database and lock file
//   - API: Clipper API endpoint, credentials and client-side rate limit
//   - Sync: periodic sync, connectivity probe and cache purge intervals
//   - Queue: retry policy and size bound of the operation queue
//   - Cache: entity lifetimes and how long expired rows stay readable
//   - Conflict: resolution strategy per queue target
//   - Server: local status API bind address and widget settings
//   - Logging: log level, format and file rotation
type Config struct {
	Paths    Paths    `toml:"paths"`
	API      API      `toml:"api"`
	Sync     Sync     `toml:"sync"`
	Queue    Queue    `toml:"queue"`
	Cache    Cache    `toml:"cache"`
	Conflict Conflict `toml:"conflict"`
	Server   Server   `toml:"server"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// SampleConfig returns the commented sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. A missing file
// yields the defaults. It returns the resolved path and whether it existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = defaultConfigPath
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %q is a directory", expanded)
	}
	return expanded, true, nil
}

// EnsureDirectories creates the data directory and the log directory.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath returns the file locked by the running daemon.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "clipsync.lock")
}

// =====================================================
// Component settings
// =====================================================

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// APIConfig returns the REST client settings.
func (c *Config) APIConfig() api.Config {
	return api.Config{
		BaseURL:        c.API.BaseURL,
		Token:          c.API.Token,
		RequestTimeout: seconds(c.API.RequestTimeout),
		RatePerSecond:  c.API.RatePerSecond,
		Burst:          c.API.Burst,
		UserAgent:      c.API.UserAgent,
	}
}

// QueueConfig returns the operation queue settings.
func (c *Config) QueueConfig() *queue.Config {
	return &queue.Config{
		MaxAttempts:    c.Queue.MaxAttempts,
		RetryBaseDelay: seconds(c.Queue.RetryBaseDelay),
		RetryMaxDelay:  seconds(c.Queue.RetryMaxDelay),
		MaxSize:        c.Queue.MaxSize,
	}
}

// TTLs returns the cache lifetimes.
func (c *Config) TTLs() sync.TTLs {
	return sync.TTLs{
		Clip:    seconds(c.Cache.ClipTTL),
		Comment: seconds(c.Cache.CommentTTL),
		Feed:    seconds(c.Cache.FeedTTL),
	}
}

// StaleRetention returns how long expired rows are kept.
func (c *Config) StaleRetention() time.Duration {
	return seconds(c.Cache.StaleRetention)
}

// SyncConfig returns the sync manager settings.
func (c *Config) SyncConfig() sync.Config {
	return sync.Config{
		Interval:       seconds(c.Sync.Interval),
		PurgeInterval:  seconds(c.Sync.PurgeInterval),
		RequestTimeout: seconds(c.API.RequestTimeout),
		TTLs:           c.TTLs(),
	}
}

// ProbeInterval returns the connectivity probe interval.
func (c *Config) ProbeInterval() time.Duration {
	return seconds(c.Sync.ProbeInterval)
}

// Resolver builds the conflict resolver. Validate has already checked the
// strategy names.
func (c *Config) Resolver() *conflict.Resolver {
	strategies := make(map[string]conflict.Strategy, len(c.Conflict.Strategies))
	for target, name := range c.Conflict.Strategies {
		strategies[target] = conflict.Strategy(name)
	}
	return conflict.NewResolver(strategies, conflict.Strategy(c.Conflict.Default))
}

// LoggingOptions returns the logger settings.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      logging.ParseLevel(c.Logging.Level),
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
