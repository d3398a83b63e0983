package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hkonno/metronome/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the metronome daemon in the foreground",
	Long: `Start the scheduling daemon. Only one daemon per state directory can run;
a second start fails on the daemon lock. The daemon shuts down gracefully
on SIGTERM/SIGINT or "metronome stop".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := daemon.New(stateDir(), cfg)
		if err != nil {
			return err
		}
		cmd.Printf("metronome daemon starting (state dir: %s)\n", stateDir())
		return d.Run()
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
