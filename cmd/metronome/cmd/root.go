package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hkonno/metronome/internal/config"
	"github.com/hkonno/metronome/internal/lock"
	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/model"
	"github.com/hkonno/metronome/internal/store"
	"github.com/hkonno/metronome/internal/uds"
)

var stateDirFlag string

var rootCmd = &cobra.Command{
	Use:   "metronome",
	Short: "Metronome drains a task queue into a rate-limited interactive session",
	Long: `metronome runs a persistent task queue against a long-lived interactive
CLI hosted in a tmux pane, one task at a time.

Tasks live in a YAML file under the state directory and survive restarts.
The daemon dispatches the most urgent pending task, watches session output
for a completion marker, retries failures with growing delays, and pauses
the whole queue when the downstream tool reports a rate limit, resuming
automatically when the wait is over.

Common workflows:

  Start the daemon:
    metronome daemon

  Queue a task:
    metronome add "run the integration suite and fix failures"

  Inspect the queue:
    metronome list
    metronome status

  Operate the queue:
    metronome pause
    metronome resume
    metronome requeue <task-id>`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDirFlag, "dir", "",
		"state directory (default \".metronome\" in the current directory)")
}

// stateDir resolves the state directory from the flag or the default.
func stateDir() string {
	if stateDirFlag != "" {
		return stateDirFlag
	}
	return ".metronome"
}

func loadConfig() (model.Config, error) {
	return config.Load(stateDir())
}

// openStore builds a store for direct file access. CLI commands use this when
// they do not need the daemon; the daemon notices external writes via
// fsnotify.
func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.Logging.Level), "cli")
	return store.New(stateDir(), cfg.Queue, lock.NewMutexMap(), logger)
}

func daemonClient() *uds.Client {
	return uds.NewClient(filepath.Join(stateDir(), uds.DefaultSocketName))
}

// daemonRunning probes the control socket.
func daemonRunning() bool {
	resp, err := daemonClient().SendCommand(uds.CmdPing, nil)
	return err == nil && resp.Success
}
