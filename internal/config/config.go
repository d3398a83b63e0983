// Package config loads metronome configuration with viper: defaults, then
// the optional config.yaml inside the state dir, then METRONOME_* environment
// variables, highest wins.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/hkonno/metronome/internal/model"
)

// Load reads configuration for the given state dir (the .metronome
// directory). A missing config file is not an error; everything has a
// default.
func Load(stateDir string) (model.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(stateDir)

	v.SetEnvPrefix("METRONOME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return model.Config{}, fmt.Errorf("read config %s: %w", filepath.Join(stateDir, "config.yaml"), err)
		}
	}

	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.tmux_session", "metronome")
	v.SetDefault("session.tmux_window", "main")
	v.SetDefault("session.capture_lines", 50)
	v.SetDefault("session.reset_command", "/clear")
	v.SetDefault("session.submit_delay_ms", 500)

	v.SetDefault("scheduler.poll_interval_sec", 5)
	v.SetDefault("scheduler.idle_sleep_sec", 10)
	v.SetDefault("scheduler.inter_cycle_delay_sec", 3)
	v.SetDefault("scheduler.default_timeout_sec", 1800)
	v.SetDefault("scheduler.completion_markers", []string{"TASK COMPLETE", "Task completed"})
	v.SetDefault("scheduler.reset_before_dispatch", true)
	v.SetDefault("scheduler.default_priority", 5)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_retry_delay_sec", 60)
	v.SetDefault("retry.max_retry_delay_sec", 3600)
	v.SetDefault("retry.auto_pause_on_permanent_fail", true)

	v.SetDefault("backoff.base_cooldown_sec", 300)
	v.SetDefault("backoff.factor", 1.5)
	v.SetDefault("backoff.max_wait_sec", 14400)
	v.SetDefault("backoff.min_wait_sec", 60)
	v.SetDefault("backoff.min_timed_wait_sec", 300)

	v.SetDefault("queue.priority_aging_sec", 0)
	v.SetDefault("queue.backup_retention_days", 7)
	v.SetDefault("queue.save_retries", 3)

	v.SetDefault("daemon.scan_interval_sec", 10)
	v.SetDefault("daemon.shutdown_timeout_sec", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
}

// Validate rejects configurations that would make the scheduler misbehave
// rather than silently clamping them.
func Validate(cfg model.Config) error {
	if cfg.Scheduler.DefaultPriority < 1 || cfg.Scheduler.DefaultPriority > 10 {
		return fmt.Errorf("scheduler.default_priority must be 1-10, got %d", cfg.Scheduler.DefaultPriority)
	}
	if cfg.Backoff.Factor <= 1 {
		return fmt.Errorf("backoff.factor must be > 1, got %v", cfg.Backoff.Factor)
	}
	if cfg.Backoff.MinWaitSec > cfg.Backoff.MaxWaitSec {
		return fmt.Errorf("backoff.min_wait_sec %d exceeds max_wait_sec %d",
			cfg.Backoff.MinWaitSec, cfg.Backoff.MaxWaitSec)
	}
	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", cfg.Retry.MaxRetries)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	return nil
}
