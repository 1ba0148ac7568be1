package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/subculture-collective/clipper/clipsync/internal/models"
	"github.com/subculture-collective/clipper/clipsync/internal/sync/conflict"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateConflict(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateAPI() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL)
	}
	if c.API.RatePerSecond < 0 {
		return errors.New("api.rate_per_second must not be negative")
	}
	if c.API.Burst < 0 {
		return errors.New("api.burst must not be negative")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.RetryBaseDelay < 0 || c.Queue.RetryMaxDelay < 0 {
		return errors.New("queue retry delays must not be negative")
	}
	if c.Queue.RetryMaxDelay > 0 && c.Queue.RetryBaseDelay > c.Queue.RetryMaxDelay {
		return errors.New("queue.retry_base_delay must not exceed queue.retry_max_delay")
	}
	if c.Queue.MaxSize < 0 {
		return errors.New("queue.max_size must not be negative")
	}
	return nil
}

var conflictTargets = map[string]bool{
	models.TargetClipVote:    true,
	models.TargetCommentVote: true,
	models.TargetComment:     true,
	models.TargetFavorite:    true,
	models.TargetSubmission:  true,
}

func (c *Config) validateConflict() error {
	if _, err := conflict.ParseStrategy(c.Conflict.Default); err != nil {
		return fmt.Errorf("conflict.default: %w", err)
	}
	for target, strategy := range c.Conflict.Strategies {
		if !conflictTargets[target] {
			return fmt.Errorf("conflict.strategies: unknown target %q", target)
		}
		if _, err := conflict.ParseStrategy(strategy); err != nil {
			return fmt.Errorf("conflict.strategies.%s: %w", target, err)
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("server.bind: %w", err)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "auto", "json", "text":
	default:
		return fmt.Errorf("logging.format must be auto, json or text, got %q", c.Logging.Format)
	}
	return nil
}
