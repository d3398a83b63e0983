package cmd

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkonno/metronome/internal/model"
	"github.com/hkonno/metronome/internal/uds"
)

// statusReport mirrors the daemon's status payload.
type statusReport struct {
	Paused       bool                 `json:"paused"`
	PauseReason  string               `json:"pause_reason,omitempty"`
	StatusCounts map[model.Status]int `json:"status_counts"`
	Stats        model.QueueStats     `json:"stats"`
	Backoff      *model.BackoffState  `json:"backoff,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemonRunning() {
			resp, err := daemonClient().SendCommand(uds.CmdStatus, nil)
			if err != nil {
				return err
			}
			if !resp.Success {
				cmd.Printf("%sdaemon error: %s%s\n", colorRed, resp.Error.Message, colorReset)
				return nil
			}
			var report statusReport
			if err := json.Unmarshal(resp.Data, &report); err != nil {
				return err
			}
			cmd.Printf("%s● daemon running%s\n", colorGreen, colorReset)
			printReport(cmd, &report)
			return nil
		}

		// No daemon; read the files directly.
		cmd.Printf("%s○ daemon not running%s\n", colorDim, colorReset)
		st, err := openStore()
		if err != nil {
			return err
		}
		doc, err := st.Load()
		if err != nil {
			return err
		}
		report := statusReport{
			Paused:       doc.Paused,
			StatusCounts: map[model.Status]int{},
			Stats:        doc.Stats,
		}
		if doc.PauseReason != nil {
			report.PauseReason = *doc.PauseReason
		}
		for i := range doc.Tasks {
			report.StatusCounts[doc.Tasks[i].Status]++
		}
		printReport(cmd, &report)
		return nil
	},
}

func printReport(cmd *cobra.Command, r *statusReport) {
	if r.Paused {
		cmd.Printf("%s⏸ queue paused%s", colorYellow, colorReset)
		if r.PauseReason != "" {
			cmd.Printf(" %s(%s)%s", colorDim, r.PauseReason, colorReset)
		}
		cmd.Println()
	}
	if r.Backoff != nil && r.Backoff.Active {
		cmd.Printf("%s⏱ backoff active%s pattern=%s occurrence=%d resume≈%s\n",
			colorYellow, colorReset,
			r.Backoff.DetectedPattern, r.Backoff.OccurrenceCount,
			formatResumeAt(r.Backoff.EstimatedResumeAt))
	}
	cmd.Println("──────────────────────────────")
	order := []model.Status{
		model.StatusPending, model.StatusInProgress, model.StatusCompleted,
		model.StatusFailed, model.StatusFailedPermanent,
	}
	for _, s := range order {
		cmd.Printf("%s%-17s%s %d\n", colorDim, string(s)+":", colorReset, r.StatusCounts[s])
	}
	cmd.Println("──────────────────────────────")
	cmd.Printf("%scompleted total:%s   %d\n", colorDim, colorReset, r.Stats.TasksCompleted)
	cmd.Printf("%sfailed total:%s      %d\n", colorDim, colorReset, r.Stats.TasksFailed)
	cmd.Printf("%spermanent fails:%s   %d\n", colorDim, colorReset, r.Stats.PermanentFailures)
	cmd.Printf("%srate-limit pauses:%s %d\n", colorDim, colorReset, r.Stats.RateLimitPauses)
}

func formatResumeAt(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	remaining := time.Until(t).Round(time.Second)
	if remaining < 0 {
		return t.Local().Format("15:04:05") + " (overdue)"
	}
	return t.Local().Format("15:04:05") + " (in " + remaining.String() + ")"
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
