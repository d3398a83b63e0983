package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hkonno/metronome/internal/setup"
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a metronome state directory",
	Long: `Create the .metronome/ directory with a default config.yaml and an empty
queue. Defaults to the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		base, err := setup.Run(dir)
		if err != nil {
			return err
		}
		cmd.Printf("%s✓ initialized %s%s\n", colorGreen, base, colorReset)
		cmd.Println("next: review config.yaml, then run \"metronome daemon\"")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
