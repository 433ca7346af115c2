// Package config loads and validates brain configuration from brain.yaml
// plus environment variables.
package config

import "time"

// Config is the fully resolved brain configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	LLM       LLMConfig       `yaml:"llm"`
	Redis     RedisConfig     `yaml:"redis"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Slack     SlackConfig     `yaml:"slack"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// SchedulerConfig holds the event-loop timing knobs.
type SchedulerConfig struct {
	// ScanInterval is the minimum pause between full scheduler passes.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// MaxEventDuration is the hard event timeout before force-close.
	MaxEventDuration time.Duration `yaml:"max_event_duration"`

	// GraceSeconds: an agent-result turn appended within this window of now
	// grants the event a grace extension before force-close.
	GraceSeconds time.Duration `yaml:"grace_seconds"`

	// GraceExtension is the extra time granted on grace.
	GraceExtension time.Duration `yaml:"grace_extension"`

	// IdleReprocess is the idle safety-net interval: an event with no unread
	// turns is still re-processed when untouched this long.
	IdleReprocess time.Duration `yaml:"idle_reprocess"`

	// CleanupInterval is how often the hard-ceiling force-close sweep runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DispatchConfig holds agent-dispatch behavior.
type DispatchConfig struct {
	// DefaultTimeout bounds a dispatched task when no role override applies.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// RoleTimeouts overrides the task deadline per role. The key
	// "developer:implement" narrows the developer override to implement mode.
	RoleTimeouts map[string]time.Duration `yaml:"role_timeouts"`

	// SelectionWait bounds how long the dispatcher waits for a worker of the
	// requested role to become available before failing retryable.
	SelectionWait time.Duration `yaml:"selection_wait"`

	// ForbiddenPatterns extends the built-in security pre-check patterns.
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
}

// LLMConfig configures the chat adapter.
type LLMConfig struct {
	APIKeyEnv   string  `yaml:"api_key_env"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// MaxToolChains caps consecutive tool-call cycles per LLM send.
	MaxToolChains int `yaml:"max_tool_chains"`
}

// RedisConfig configures the blackboard store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Retention is how long a closed event document is kept on the
	// blackboard before the retention sweep removes it (post-archive).
	Retention time.Duration `yaml:"retention"`
}

// ArchiveConfig configures the Postgres archive of closed events.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// SlackConfig configures the user notification side channel.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port             string   `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// TaskTimeout resolves the dispatch deadline for a role and mode.
// Lookup order: "role:mode", "role", default.
func (c *DispatchConfig) TaskTimeout(role, mode string) time.Duration {
	if mode != "" {
		if d, ok := c.RoleTimeouts[role+":"+mode]; ok {
			return d
		}
	}
	if d, ok := c.RoleTimeouts[role]; ok {
		return d
	}
	return c.DefaultTimeout
}
