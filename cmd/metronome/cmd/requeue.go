package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hkonno/metronome/internal/model"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Put a failed task back in the queue",
	Long: `Reset a failed or permanently failed task to pending. Retry count, the
not-before deferral, and the last error are cleared; the queue file is
backed up first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		if err := st.Requeue(args[0]); err != nil {
			return err
		}
		cmd.Printf("%s✓ %s requeued%s\n", colorGreen, args[0], colorReset)
		return nil
	},
}

var skipCmd = &cobra.Command{
	Use:   "skip <task-id>",
	Short: "Skip a pending task",
	Long:  `Mark a pending task permanently failed so the scheduler never runs it.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		reason := "skipped by operator"
		err = st.Mutate(args[0], func(t *model.Task) error {
			if t.Status != model.StatusPending {
				return fmt.Errorf("task %s is %s, only pending tasks can be skipped", args[0], t.Status)
			}
			t.Status = model.StatusFailedPermanent
			t.LastError = &reason
			return nil
		})
		if err != nil {
			return err
		}
		cmd.Printf("%s✗ %s skipped%s\n", colorYellow, args[0], colorReset)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(skipCmd)
}
