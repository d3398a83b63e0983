package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/hkonno/metronome/internal/model"
)

var listStatusFilter string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		doc, err := st.Load()
		if err != nil {
			return err
		}

		if doc.Paused {
			reason := ""
			if doc.PauseReason != nil {
				reason = " (" + *doc.PauseReason + ")"
			}
			cmd.Printf("%s⏸ queue paused%s%s\n\n", colorYellow, reason, colorReset)
		}

		shown := 0
		for i := range doc.Tasks {
			t := &doc.Tasks[i]
			if listStatusFilter != "" && string(t.Status) != listStatusFilter {
				continue
			}
			printTask(cmd, t)
			shown++
		}
		if shown == 0 {
			cmd.Println("no tasks")
		}
		return nil
	},
}

func printTask(cmd *cobra.Command, t *model.Task) {
	cmd.Printf("%s %s%s%s  p%d  %s%s%s",
		statusIcon(t.Status), colorBold, t.ID, colorReset,
		t.Priority, colorDim, t.Status, colorReset)
	if t.RetryCount > 0 {
		cmd.Printf("  %sretries=%d%s", colorYellow, t.RetryCount, colorReset)
	}
	if t.NotBefore != nil {
		if nb, err := time.Parse(time.RFC3339, *t.NotBefore); err == nil && time.Now().Before(nb) {
			cmd.Printf("  %sdeferred until %s%s", colorCyan, nb.Local().Format("15:04:05"), colorReset)
		}
	}
	cmd.Println()
	if t.Description != "" {
		cmd.Printf("    %s%s%s\n", colorDim, t.Description, colorReset)
	}
	cmd.Printf("    %s%s%s\n", colorDim, truncate(t.Command, 100), colorReset)
	if t.LastError != nil {
		cmd.Printf("    %slast error: %s%s\n", colorRed, truncate(*t.LastError, 100), colorReset)
	}
}

func statusIcon(status model.Status) string {
	switch status {
	case model.StatusCompleted:
		return colorGreen + "✓" + colorReset
	case model.StatusFailed:
		return colorYellow + "!" + colorReset
	case model.StatusFailedPermanent:
		return colorRed + "✗" + colorReset
	case model.StatusInProgress:
		return colorYellow + "⏳" + colorReset
	case model.StatusPending:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func init() {
	listCmd.Flags().StringVar(&listStatusFilter, "status", "", "only show tasks with this status")
	rootCmd.AddCommand(listCmd)
}
