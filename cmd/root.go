package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/gurisko/reaper/internal/paths"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Reaper - automatic teardown for infrastructure projects",
	Long: `Reaper watches directories for .reaper.yaml files and destroys each project
once its timeout elapses, unless it is extended or cancelled first.`,
}

func Execute() error {
	// Silence usage and errors to avoid cluttering output with Cobra defaults
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", paths.DefaultSocketPath(), "daemon socket path")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
