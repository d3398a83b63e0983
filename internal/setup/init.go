// Package setup handles metronome state directory initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hkonno/metronome/internal/model"
	atomicyaml "github.com/hkonno/metronome/internal/yaml"
)

const stateDirName = ".metronome"

// defaultConfig is the commented config written by init. Values match the
// built-in defaults; editing the file is optional.
const defaultConfig = `# metronome configuration
# Values shown are the defaults. Environment variables (METRONOME_*) override.

session:
  tmux_session: metronome
  tmux_window: main
  capture_lines: 50
  reset_command: /clear
  submit_delay_ms: 500

scheduler:
  poll_interval_sec: 5
  idle_sleep_sec: 10
  inter_cycle_delay_sec: 3
  default_timeout_sec: 1800
  completion_markers:
    - "TASK COMPLETE"
    - "Task completed"
  reset_before_dispatch: true
  default_priority: 5

retry:
  max_retries: 3
  base_retry_delay_sec: 60
  max_retry_delay_sec: 3600
  auto_pause_on_permanent_fail: true

backoff:
  base_cooldown_sec: 300
  factor: 1.5
  max_wait_sec: 14400
  min_wait_sec: 60
  min_timed_wait_sec: 300

queue:
  priority_aging_sec: 0
  backup_retention_days: 7
  save_retries: 3

daemon:
  scan_interval_sec: 10
  shutdown_timeout_sec: 30

logging:
  level: info
  max_size_mb: 10
  max_backups: 5
  max_age_days: 14
`

// Run initializes the .metronome/ directory structure in the given project
// directory.
func Run(projectDir string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, stateDirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"queue",
		"state",
		"backups",
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := os.WriteFile(filepath.Join(base, "config.yaml"), []byte(defaultConfig), 0644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}

	if err := atomicyaml.AtomicWrite(filepath.Join(base, "queue", "tasks.yaml"), model.NewQueueDocument()); err != nil {
		return "", fmt.Errorf("write tasks.yaml: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return "", fmt.Errorf("create daemon.lock: %w", err)
	}

	return base, nil
}
