package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.normalizeSync()
	c.normalizeCache()
	c.normalizeConflict()
	c.normalizeServer()
	return c.normalizeLogging()
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	if value, ok := os.LookupEnv(TokenEnv); ok && strings.TrimSpace(value) != "" {
		c.API.Token = strings.TrimSpace(value)
	}
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	if c.API.BaseURL == "" {
		c.API.BaseURL = defaultAPIBaseURL
	}
	if c.API.RequestTimeout <= 0 {
		c.API.RequestTimeout = defaultRequestTimeout
	}
	if strings.TrimSpace(c.API.UserAgent) == "" {
		c.API.UserAgent = defaultUserAgent
	}
}

func (c *Config) normalizeSync() {
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = defaultSyncInterval
	}
	if c.Sync.ProbeInterval <= 0 {
		c.Sync.ProbeInterval = defaultProbeInterval
	}
	if c.Sync.PurgeInterval <= 0 {
		c.Sync.PurgeInterval = defaultPurgeInterval
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = defaultMaxAttempts
	}
}

func (c *Config) normalizeCache() {
	if c.Cache.ClipTTL <= 0 {
		c.Cache.ClipTTL = defaultClipTTL
	}
	if c.Cache.CommentTTL <= 0 {
		c.Cache.CommentTTL = defaultCommentTTL
	}
	if c.Cache.FeedTTL <= 0 {
		c.Cache.FeedTTL = defaultFeedTTL
	}
	if c.Cache.StaleRetention <= 0 {
		c.Cache.StaleRetention = defaultStaleRetention
	}
}

func (c *Config) normalizeConflict() {
	c.Conflict.Default = strings.ToLower(strings.TrimSpace(c.Conflict.Default))
	if c.Conflict.Default == "" {
		c.Conflict.Default = defaultConflictStrategy
	}
	normalized := make(map[string]string, len(c.Conflict.Strategies))
	for target, strategy := range c.Conflict.Strategies {
		normalized[strings.TrimSpace(target)] = strings.ToLower(strings.TrimSpace(strategy))
	}
	c.Conflict.Strategies = normalized
}

func (c *Config) normalizeServer() {
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	if c.Server.Bind == "" {
		c.Server.Bind = defaultServerBind
	}
	if len(c.Server.EmbedParents) == 0 {
		c.Server.EmbedParents = []string{defaultEmbedParentDomain}
	}
}

func (c *Config) normalizeLogging() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.File != "" {
		var err error
		if c.Logging.File, err = expandPath(c.Logging.File); err != nil {
			return fmt.Errorf("logging.file: %w", err)
		}
	}
	return nil
}
