package config

import "regexp"

// validate checks cross-field constraints. It collects all problems rather
// than stopping at the first.
func validate(cfg *Config) error {
	errs := &ValidationErrors{}

	if cfg.Scheduler.ScanInterval <= 0 {
		errs.add("scheduler.scan_interval must be positive, got %s", cfg.Scheduler.ScanInterval)
	}
	if cfg.Scheduler.MaxEventDuration <= 0 {
		errs.add("scheduler.max_event_duration must be positive, got %s", cfg.Scheduler.MaxEventDuration)
	}
	if cfg.Scheduler.GraceExtension < 0 || cfg.Scheduler.GraceSeconds < 0 {
		errs.add("scheduler grace settings must not be negative")
	}
	if cfg.Scheduler.IdleReprocess <= cfg.Scheduler.ScanInterval {
		errs.add("scheduler.idle_reprocess (%s) must exceed scan_interval (%s)",
			cfg.Scheduler.IdleReprocess, cfg.Scheduler.ScanInterval)
	}

	if cfg.Dispatch.DefaultTimeout <= 0 {
		errs.add("dispatch.default_timeout must be positive, got %s", cfg.Dispatch.DefaultTimeout)
	}
	for _, p := range cfg.Dispatch.ForbiddenPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs.add("dispatch.forbidden_patterns: invalid pattern %q: %v", p, err)
		}
	}

	if cfg.LLM.MaxToolChains <= 0 {
		errs.add("llm.max_tool_chains must be positive, got %d", cfg.LLM.MaxToolChains)
	}
	if cfg.LLM.Model == "" {
		errs.add("llm.model must not be empty")
	}

	if cfg.Redis.Addr == "" {
		errs.add("redis.addr must not be empty")
	}
	if cfg.Archive.Enabled && cfg.Archive.DSN == "" {
		errs.add("archive.dsn is required when archive.enabled is true")
	}
	if cfg.Slack.Enabled && cfg.Slack.Channel == "" {
		errs.add("slack.channel is required when slack.enabled is true")
	}

	if len(errs.Problems) > 0 {
		return errs
	}
	return nil
}
