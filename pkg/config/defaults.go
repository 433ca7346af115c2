package config

import "time"

// Default values applied when brain.yaml omits a field.
const (
	DefaultScanInterval     = 1 * time.Second
	DefaultMaxEventDuration = 2700 * time.Second
	DefaultGraceSeconds     = 60 * time.Second
	DefaultGraceExtension   = 120 * time.Second
	DefaultIdleReprocess    = 240 * time.Second
	DefaultCleanupInterval  = 5 * time.Minute

	DefaultDispatchTimeout = 10 * time.Minute
	DefaultSelectionWait   = 5 * time.Second

	DefaultMaxToolChains = 8
	DefaultMaxTokens     = 8192

	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisRetention = 7 * 24 * time.Hour

	DefaultHTTPPort = "8080"
)

// defaultConfig returns a Config with every default populated. User YAML is
// merged over this.
func defaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			ScanInterval:     DefaultScanInterval,
			MaxEventDuration: DefaultMaxEventDuration,
			GraceSeconds:     DefaultGraceSeconds,
			GraceExtension:   DefaultGraceExtension,
			IdleReprocess:    DefaultIdleReprocess,
			CleanupInterval:  DefaultCleanupInterval,
		},
		Dispatch: DispatchConfig{
			DefaultTimeout: DefaultDispatchTimeout,
			SelectionWait:  DefaultSelectionWait,
			RoleTimeouts: map[string]time.Duration{
				"developer:implement": 15 * time.Minute,
			},
		},
		LLM: LLMConfig{
			APIKeyEnv:     "ANTHROPIC_API_KEY",
			Model:         "claude-sonnet-4-5",
			MaxTokens:     DefaultMaxTokens,
			MaxToolChains: DefaultMaxToolChains,
		},
		Redis: RedisConfig{
			Addr:      DefaultRedisAddr,
			Retention: DefaultRedisRetention,
		},
		Slack: SlackConfig{
			TokenEnv: "SLACK_BOT_TOKEN",
		},
		HTTP: HTTPConfig{
			Port: DefaultHTTPPort,
		},
	}
}
