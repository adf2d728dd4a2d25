//go:build unix

package cmd

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/reaper/internal/apiclient"
	"github.com/gurisko/reaper/internal/daemon"
)

var execJSON bool

var executionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"exec"},
	Short:   "Inspect destroy executions",
}

var executionsRunningCmd = &cobra.Command{
	Use:   "running",
	Short: "List executions in progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.ListExecutionsResponse
		if err := client().GetJSON(cmd.Context(), "/api/executions/running", &out); err != nil {
			return err
		}
		if execJSON {
			return printJSON(out)
		}
		if len(out.Executions) == 0 {
			fmt.Println("Nothing running")
			return nil
		}
		printExecutions(out.Executions)
		return nil
	},
}

var executionsShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution with its captured output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := strings.TrimSpace(args[0])
		var out daemon.ExecutionResponse
		if err := client().GetJSON(cmd.Context(), "/api/executions/"+url.PathEscape(id), &out); err != nil {
			if apiclient.IsNotFound(err) {
				return fmt.Errorf("no execution with id %s", id)
			}
			return err
		}
		if execJSON {
			return printJSON(out)
		}

		e := out.Execution
		fmt.Printf("Execution %s (attempt %d)\n", e.ID, e.Attempt)
		fmt.Printf("  Project: %s\n", e.ProjectID)
		fmt.Printf("  Status:  %s\n", e.Status)
		if e.ExitCode != nil {
			fmt.Printf("  Exit:    %d\n", *e.ExitCode)
		}
		fmt.Printf("  Started: %s\n", e.StartedAt.Local().Format(time.RFC3339))
		if e.CompletedAt != nil {
			fmt.Printf("  Took:    %s\n", time.Duration(e.DurationMS)*time.Millisecond)
		}
		if e.Error != "" {
			fmt.Printf("  Error:   %s\n", e.Error)
		}
		if e.Truncated {
			fmt.Println("  (output truncated, oldest bytes dropped)")
		}
		if e.Stdout != "" {
			fmt.Printf("\n--- stdout ---\n%s\n", strings.TrimRight(e.Stdout, "\n"))
		}
		if e.Stderr != "" {
			fmt.Printf("\n--- stderr ---\n%s\n", strings.TrimRight(e.Stderr, "\n"))
		}
		return nil
	},
}

var executionsCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Stop a running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := strings.TrimSpace(args[0])
		if err := client().PostJSON(cmd.Context(), "/api/executions/"+url.PathEscape(id)+"/cancel", nil, nil); err != nil {
			if apiclient.IsNotFound(err) {
				return fmt.Errorf("no execution with id %s", id)
			}
			return err
		}
		fmt.Println("Cancellation requested for", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(executionsCmd)
	for _, c := range []*cobra.Command{executionsRunningCmd, executionsShowCmd, executionsCancelCmd} {
		executionsCmd.AddCommand(c)
	}
	executionsRunningCmd.Flags().BoolVar(&execJSON, "json", false, "print JSON")
	executionsShowCmd.Flags().BoolVar(&execJSON, "json", false, "print JSON")
}
