package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kairos",
	Short: "Bi-temporal knowledge store with energy-aware task matching",
	Long:  "Kairos keeps a versioned record of what you believe and when you believed it, learns what recurs, and tells you what is actionable right now.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(checkinCmd)
	rootCmd.AddCommand(energyCmd)
	rootCmd.AddCommand(rankCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(historyCmd)
}
