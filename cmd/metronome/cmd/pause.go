package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hkonno/metronome/internal/backoff"
	"github.com/hkonno/metronome/internal/config"
	"github.com/hkonno/metronome/internal/lock"
	"github.com/hkonno/metronome/internal/logging"
	"github.com/hkonno/metronome/internal/store"
	"github.com/hkonno/metronome/internal/uds"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause task dispatch",
	Long: `Pause the queue. The in-flight task, if any, runs to completion; no new
task is dispatched until resume.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemonRunning() {
			resp, err := daemonClient().SendCommand(uds.CmdPause, nil)
			if err != nil {
				return err
			}
			if !resp.Success {
				cmd.Printf("%sdaemon error: %s%s\n", colorRed, resp.Error.Message, colorReset)
				return nil
			}
		} else {
			st, err := openStore()
			if err != nil {
				return err
			}
			if err := st.SetPaused(true, "manual"); err != nil {
				return err
			}
		}
		cmd.Printf("%s⏸ queue paused%s\n", colorYellow, colorReset)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume task dispatch",
	Long: `Resume the queue. Clears a manual pause, a permanent-failure pause, and
any active rate-limit backoff.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemonRunning() {
			resp, err := daemonClient().SendCommand(uds.CmdResume, nil)
			if err != nil {
				return err
			}
			if !resp.Success {
				cmd.Printf("%sdaemon error: %s%s\n", colorRed, resp.Error.Message, colorReset)
				return nil
			}
		} else {
			if err := resumeOffline(stateDir()); err != nil {
				return err
			}
		}
		cmd.Printf("%s▶ queue resumed%s\n", colorGreen, colorReset)
		return nil
	},
}

// resumeOffline clears the pause directly when no daemon is running. Backoff
// state and checkpoint are removed as well, so the next daemon start does not
// re-apply a pause the operator just cleared.
func resumeOffline(dir string) error {
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.Logging.Level), "cli")
	st, err := store.New(dir, cfg.Queue, lock.NewMutexMap(), logger)
	if err != nil {
		return err
	}
	ctrl, err := backoff.NewController(dir, cfg.Backoff, st, logger)
	if err != nil {
		return err
	}
	if err := ctrl.Resume(); err != nil {
		return err
	}
	return st.SetPaused(false, "")
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}
