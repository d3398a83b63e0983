package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearForce bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all tasks from the queue",
	Long: `Empty the queue. A backup of the current queue file is written first so
the operation can be undone by hand.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearForce {
			return fmt.Errorf("refusing to clear the queue without --force")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		if err := st.Clear(); err != nil {
			return err
		}
		cmd.Printf("%s✓ queue cleared%s (backup written)\n", colorGreen, colorReset)
		return nil
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearForce, "force", false, "confirm clearing the queue")
	rootCmd.AddCommand(clearCmd)
}
