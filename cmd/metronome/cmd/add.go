package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkonno/metronome/internal/model"
)

var (
	addType        string
	addPriority    int
	addTimeoutSec  int
	addDescription string
	addNotBefore   string
)

var addCmd = &cobra.Command{
	Use:   "add <command...>",
	Short: "Queue a task",
	Long: `Append a task to the queue. The command text is sent verbatim to the
interactive session when the task is dispatched.

Examples:

  metronome add "refactor the parser and run the tests"
  metronome add --type issue_reference --priority 2 "fix issue #142"
  metronome add --not-before 2026-09-01T09:00:00Z "run the nightly sweep"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		taskType := model.TaskType(addType)
		if !model.ValidTaskType(taskType) {
			return fmt.Errorf("invalid type %q (custom, issue_reference, pr_reference)", addType)
		}
		priority := addPriority
		if priority == 0 {
			priority = cfg.Scheduler.DefaultPriority
		}
		if priority < 1 || priority > 10 {
			return fmt.Errorf("priority must be 1-10, got %d", priority)
		}
		timeoutSec := addTimeoutSec
		if timeoutSec <= 0 {
			timeoutSec = cfg.Scheduler.DefaultTimeoutSec
		}

		task := model.Task{
			Type:           taskType,
			Description:    addDescription,
			Command:        strings.Join(args, " "),
			Priority:       priority,
			TimeoutSeconds: timeoutSec,
		}
		if addNotBefore != "" {
			if _, err := time.Parse(time.RFC3339, addNotBefore); err != nil {
				return fmt.Errorf("--not-before must be RFC3339: %w", err)
			}
			nb := addNotBefore
			task.NotBefore = &nb
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		created, err := st.Append(task)
		if err != nil {
			return err
		}

		cmd.Printf("%s queued %s%s%s (priority %d)\n",
			colorGreen+"✓"+colorReset, colorBold, created.ID, colorReset, created.Priority)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addType, "type", string(model.TaskTypeCustom),
		"task type: custom, issue_reference, pr_reference")
	addCmd.Flags().IntVar(&addPriority, "priority", 0, "priority 1-10, lower runs first (default from config)")
	addCmd.Flags().IntVar(&addTimeoutSec, "timeout", 0, "per-task timeout in seconds (default from config)")
	addCmd.Flags().StringVar(&addDescription, "description", "", "human-readable description")
	addCmd.Flags().StringVar(&addNotBefore, "not-before", "", "do not dispatch before this RFC3339 time")
	rootCmd.AddCommand(addCmd)
}
