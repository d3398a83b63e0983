// Package model defines the data structures for metronome's configuration,
// queue document, and backoff state.
package model

type Config struct {
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Backoff   BackoffConfig   `yaml:"backoff" mapstructure:"backoff"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Daemon    DaemonConfig    `yaml:"daemon" mapstructure:"daemon"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

type SessionConfig struct {
	// TmuxSession is the tmux session name hosting the interactive process.
	TmuxSession string `yaml:"tmux_session" mapstructure:"tmux_session"`
	// TmuxWindow is the window name inside the session.
	TmuxWindow string `yaml:"tmux_window" mapstructure:"tmux_window"`
	// CaptureLines is how many lines RecentOutput reads from the pane bottom.
	CaptureLines int `yaml:"capture_lines" mapstructure:"capture_lines"`
	// ResetCommand is sent before each dispatch when ResetBeforeDispatch is on.
	ResetCommand string `yaml:"reset_command" mapstructure:"reset_command"`
	// SubmitDelayMs is the pause between pasting a command and sending Enter.
	SubmitDelayMs int `yaml:"submit_delay_ms" mapstructure:"submit_delay_ms"`
}

type SchedulerConfig struct {
	PollIntervalSec      int      `yaml:"poll_interval_sec" mapstructure:"poll_interval_sec"`
	IdleSleepSec         int      `yaml:"idle_sleep_sec" mapstructure:"idle_sleep_sec"`
	InterCycleDelaySec   int      `yaml:"inter_cycle_delay_sec" mapstructure:"inter_cycle_delay_sec"`
	DefaultTimeoutSec    int      `yaml:"default_timeout_sec" mapstructure:"default_timeout_sec"`
	CompletionMarkers    []string `yaml:"completion_markers" mapstructure:"completion_markers"`
	ResetBeforeDispatch  bool     `yaml:"reset_before_dispatch" mapstructure:"reset_before_dispatch"`
	DefaultPriority      int      `yaml:"default_priority" mapstructure:"default_priority"`
}

type RetryConfig struct {
	MaxRetries                int  `yaml:"max_retries" mapstructure:"max_retries"`
	BaseRetryDelaySec         int  `yaml:"base_retry_delay_sec" mapstructure:"base_retry_delay_sec"`
	MaxRetryDelaySec          int  `yaml:"max_retry_delay_sec" mapstructure:"max_retry_delay_sec"`
	AutoPauseOnPermanentFail  bool `yaml:"auto_pause_on_permanent_fail" mapstructure:"auto_pause_on_permanent_fail"`
}

type BackoffConfig struct {
	BaseCooldownSec int     `yaml:"base_cooldown_sec" mapstructure:"base_cooldown_sec"`
	Factor          float64 `yaml:"factor" mapstructure:"factor"`
	MaxWaitSec      int     `yaml:"max_wait_sec" mapstructure:"max_wait_sec"`
	MinWaitSec      int     `yaml:"min_wait_sec" mapstructure:"min_wait_sec"`
	// MinTimedWaitSec floors waits derived from explicit resume times, so a
	// stale or already-past timestamp still yields a real pause.
	MinTimedWaitSec int `yaml:"min_timed_wait_sec" mapstructure:"min_timed_wait_sec"`
}

type QueueConfig struct {
	PriorityAgingSec    int `yaml:"priority_aging_sec" mapstructure:"priority_aging_sec"`
	BackupRetentionDays int `yaml:"backup_retention_days" mapstructure:"backup_retention_days"`
	SaveRetries         int `yaml:"save_retries" mapstructure:"save_retries"`
}

type DaemonConfig struct {
	ScanIntervalSec    int `yaml:"scan_interval_sec" mapstructure:"scan_interval_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec" mapstructure:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}
