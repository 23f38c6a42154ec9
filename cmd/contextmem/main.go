package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "contextmem",
	Short: "contextmem - context memory for workflow engines",
	Long: `contextmem remembers the entities a workflow engine touches, keeps a ledger of
workflow executions, detects recurring patterns and turns them into suggestions.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	configPath string
	outputJSON bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7477", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.contextmem/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(entityCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(patternCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(suggestionCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(decisionsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(tuiCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
