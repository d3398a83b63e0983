package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hkonno/metronome/internal/uds"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemonClient().SendCommand(uds.CmdShutdown, nil)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("daemon error: %s", resp.Error.Message)
		}
		cmd.Println("shutdown requested")
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Ask the daemon to rescan the queue file now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemonClient().SendCommand(uds.CmdScan, nil)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("daemon error: %s", resp.Error.Message)
		}
		cmd.Println("scan triggered")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(scanCmd)
}
