//go:build unix

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gurisko/reaper/internal/daemon"
)

var configJSON bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and change daemon settings",
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print the settings, or a single key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.ConfigResponse
		if err := client().GetJSON(cmd.Context(), "/api/config", &out); err != nil {
			return err
		}
		if len(args) == 0 {
			return printSettings(out)
		}

		all, err := settingsMap(out)
		if err != nil {
			return err
		}
		v, ok := all[args[0]]
		if !ok {
			return fmt.Errorf("unknown setting %q", args[0])
		}
		if configJSON {
			return printJSON(v)
		}
		return yaml.NewEncoder(os.Stdout).Encode(v)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key=value>...",
	Short: "Change settings on the running daemon",
	Long: `Change settings on the running daemon. Values are read as YAML, so lists
and maps can be given inline.

Examples:
  reaper config set max_concurrent_executions=4 retry_delay=10m
  reaper config set 'watch_paths=[~/infra, ~/sandbox]'
  reaper config set 'environment={AWS_PROFILE: sandbox}'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := parseAssignments(args)
		if err != nil {
			return err
		}
		var out daemon.ConfigResponse
		if err := client().PutJSON(cmd.Context(), "/api/config", patch, &out); err != nil {
			return err
		}
		for _, k := range out.UnknownKeys {
			fmt.Fprintf(os.Stderr, "warning: ignored unknown setting %q\n", k)
		}
		return printSettings(out)
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.ConfigResponse
		if err := client().PostJSON(cmd.Context(), "/api/config/reset", nil, &out); err != nil {
			return err
		}
		return printSettings(out)
	},
}

// parseAssignments turns key=value arguments into a settings patch.
func parseAssignments(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		k, raw, ok := strings.Cut(arg, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("value of %s: %w", k, err)
		}
		if v == nil {
			return nil, errors.New("empty value for " + k)
		}
		patch[k] = v
	}
	return patch, nil
}

// settingsMap keys the settings by their wire names.
func settingsMap(out daemon.ConfigResponse) (map[string]any, error) {
	b, err := json.Marshal(out.Settings)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func printSettings(out daemon.ConfigResponse) error {
	if configJSON {
		return printJSON(out)
	}
	m, err := settingsMap(out)
	if err != nil {
		return err
	}
	fmt.Printf("# %s\n", out.Path)
	return yaml.NewEncoder(os.Stdout).Encode(m)
}

func init() {
	rootCmd.AddCommand(configCmd)
	for _, c := range []*cobra.Command{configGetCmd, configSetCmd, configResetCmd} {
		configCmd.AddCommand(c)
		c.Flags().BoolVar(&configJSON, "json", false, "print JSON")
	}
}
