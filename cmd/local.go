package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/reaper/internal/duration"
	"github.com/gurisko/reaper/internal/projectconfig"
)

var validateJSON bool

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Check a project config without contacting the daemon",
	Long: `Validate the .reaper.yaml in a directory (or a config file given directly)
and print the timeout it resolves to.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := "."
		if len(args) == 1 {
			target = args[0]
		}
		file, err := configFile(target)
		if err != nil {
			return err
		}
		cfg, err := projectconfig.Load(file)
		if err != nil {
			return err
		}
		if validateJSON {
			return printJSON(cfg)
		}

		fmt.Printf("%s: ok\n", file)
		fmt.Printf("  Timeout: %s (%s)\n", cfg.Timeout, duration.Format(cfg.TimeoutDuration))
		if duration.IsImprecise(cfg.Timeout) {
			fmt.Println("  note: months and years are fixed at 30 and 365 days")
		}
		fmt.Printf("  Destroy: %s if discovered now\n", time.Now().Add(cfg.TimeoutDuration).Format(time.RFC3339))
		if cfg.Command == "" {
			fmt.Println("  note: no command; only hooks will run")
		}
		return nil
	},
}

var durationCmd = &cobra.Command{
	Use:   "duration <expression>",
	Short: "Show how a duration expression is understood",
	Long: `Parse a duration the way project configs and settings do.

Examples:
  reaper duration "1d 2h"
  reaper duration 90m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := duration.Parse(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s = %d ms\n", duration.Format(d), d.Milliseconds())
		if _, err := duration.ParseTimeout(args[0]); err != nil {
			fmt.Printf("  not usable as a project timeout: %v\n", err)
		}
		return nil
	},
}

// configFile accepts either a project directory or a config file.
func configFile(target string) (string, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		if !projectconfig.IsConfigFile(abs) {
			return "", errors.New("not a reaper config file: " + abs)
		}
		return abs, nil
	}
	return projectconfig.Find(abs)
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "print JSON")
	rootCmd.AddCommand(durationCmd)
}
