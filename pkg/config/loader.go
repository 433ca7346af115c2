package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFileName is the single YAML file the brain reads from the config
// directory. A missing file is not an error; defaults apply.
const configFileName = "brain.yaml"

// Initialize loads, merges, and validates configuration. Primary entry
// point, called once from main.
//
// Steps:
//  1. Read brain.yaml from configDir (optional)
//  2. Expand environment variables
//  3. Unmarshal and merge over defaults
//  4. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := defaultConfig()

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("No brain.yaml found, using defaults", "path", path)
	case err != nil:
		return nil, NewLoadError(configFileName, err)
	default:
		var user Config
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, NewLoadError(configFileName, err)
		}
		// User values override defaults; zero values keep the default.
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"scan_interval", cfg.Scheduler.ScanInterval,
		"max_event_duration", cfg.Scheduler.MaxEventDuration,
		"redis_addr", cfg.Redis.Addr,
		"archive_enabled", cfg.Archive.Enabled,
		"slack_enabled", cfg.Slack.Enabled)

	return cfg, nil
}
