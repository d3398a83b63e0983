package cmd

import (
	"github.com/spf13/cobra"
)

const version = "0.3.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the metronome version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("metronome %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
