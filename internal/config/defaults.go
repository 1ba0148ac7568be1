package config

const (
	defaultConfigPath        = "~/.config/clipsync/config.toml"
	defaultDataDir           = "~/.local/share/clipsync"
	defaultAPIBaseURL        = "https://clpr.tv"
	defaultRequestTimeout    = 30
	defaultRatePerSecond     = 10
	defaultBurst             = 20
	defaultUserAgent         = "clipsync/dev"
	defaultSyncInterval      = 30
	defaultProbeInterval     = 15
	defaultPurgeInterval     = 3600
	defaultMaxAttempts       = 5
	defaultRetryBaseDelay    = 2
	defaultRetryMaxDelay     = 300
	defaultClipTTL           = 300
	defaultCommentTTL        = 120
	defaultFeedTTL           = 60
	defaultStaleRetention    = 86400
	defaultConflictStrategy  = "server-wins"
	defaultServerBind        = "127.0.0.1:7788"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultLogMaxSizeMB      = 20
	defaultLogMaxBackups     = 3
	defaultLogMaxAgeDays     = 14
	defaultEmbedParentDomain = "localhost"
)

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
		},
		API: API{
			BaseURL:        defaultAPIBaseURL,
			RequestTimeout: defaultRequestTimeout,
			RatePerSecond:  defaultRatePerSecond,
			Burst:          defaultBurst,
			UserAgent:      defaultUserAgent,
		},
		Sync: Sync{
			Interval:      defaultSyncInterval,
			ProbeInterval: defaultProbeInterval,
			PurgeInterval: defaultPurgeInterval,
		},
		Queue: Queue{
			MaxAttempts:    defaultMaxAttempts,
			RetryBaseDelay: defaultRetryBaseDelay,
			RetryMaxDelay:  defaultRetryMaxDelay,
		},
		Cache: Cache{
			ClipTTL:        defaultClipTTL,
			CommentTTL:     defaultCommentTTL,
			FeedTTL:        defaultFeedTTL,
			StaleRetention: defaultStaleRetention,
		},
		Conflict: Conflict{
			Default:    defaultConflictStrategy,
			Strategies: map[string]string{},
		},
		Server: Server{
			Bind:         defaultServerBind,
			EmbedParents: []string{defaultEmbedParentDomain},
		},
		Logging: Logging{
			Level:      defaultLogLevel,
			Format:     defaultLogFormat,
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
	}
}
