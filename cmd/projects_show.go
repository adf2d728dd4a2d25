//go:build unix

package cmd

import (
	"fmt"
	"maps"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/reaper/internal/daemon"
	"github.com/gurisko/reaper/internal/lifecycle"
)

var (
	showJSON     bool
	historyJSON  bool
	historyLimit int
)

var projectsShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show project details and status history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := strings.TrimSpace(args[0])
		var out daemon.ProjectResponse
		if err := client().GetJSON(cmd.Context(), "/api/projects/"+url.PathEscape(id), &out); err != nil {
			return explain(err, id)
		}
		if showJSON {
			return printJSON(out)
		}
		printProject(out.Project)
		return nil
	},
}

var projectsHistoryCmd = &cobra.Command{
	Use:   "history <project-id>",
	Short: "List destroy attempts of a project, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := strings.TrimSpace(args[0])
		path := "/api/projects/" + url.PathEscape(id) + "/executions?limit=" + strconv.Itoa(historyLimit)
		var out daemon.ListExecutionsResponse
		if err := client().GetJSON(cmd.Context(), path, &out); err != nil {
			return explain(err, id)
		}
		if historyJSON {
			return printJSON(out)
		}
		if len(out.Executions) == 0 {
			fmt.Println("No executions")
			return nil
		}
		printExecutions(out.Executions)
		return nil
	},
}

func printProject(p *lifecycle.Project) {
	now := time.Now()
	fmt.Printf("%s\n", p.DisplayName())
	fmt.Printf("  ID:         %s\n", p.ID)
	fmt.Printf("  Path:       %s\n", p.Path)
	fmt.Printf("  Status:     %s\n", p.Status)
	fmt.Printf("  Timeout:    %s\n", p.Config.Timeout)
	fmt.Printf("  Discovered: %s\n", p.DiscoveredAt.Local().Format(time.RFC3339))
	fmt.Printf("  Destroy at: %s (%s)\n", p.DestroyAt.Local().Format(time.RFC3339), relative(p.DestroyAt, now))
	if p.Config.Command != "" {
		fmt.Printf("  Command:    %s\n", p.Config.Command)
	}
	if len(p.Config.Tags) > 0 {
		fmt.Printf("  Tags:       %s\n", strings.Join(p.Config.Tags, ", "))
	}
	if p.LastExecutionID != "" {
		fmt.Printf("  Last run:   %s\n", p.LastExecutionID)
	}

	if len(p.Metadata) > 0 {
		fmt.Println("\nMetadata:")
		for _, k := range slices.Sorted(maps.Keys(p.Metadata)) {
			fmt.Printf("  %s: %s\n", k, p.Metadata[k])
		}
	}

	if len(p.Transitions) > 0 {
		fmt.Println("\nHistory:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, t := range p.Transitions {
			fmt.Fprintf(w, "  %s\t%s -> %s\t%s\n", t.At.Local().Format(time.RFC3339), t.From, t.To, t.Reason)
		}
		_ = w.Flush()
	}
}

func printExecutions(execs []*lifecycle.Execution) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tATTEMPT\tSTATUS\tEXIT\tSTARTED\tDURATION")
	for _, e := range execs {
		exit := "-"
		if e.ExitCode != nil {
			exit = strconv.Itoa(*e.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.ProjectID, e.Attempt, e.Status, exit,
			e.StartedAt.Local().Format(time.RFC3339),
			(time.Duration(e.DurationMS) * time.Millisecond).String())
	}
	_ = w.Flush()
}

func init() {
	projectsCmd.AddCommand(projectsShowCmd)
	projectsShowCmd.Flags().BoolVar(&showJSON, "json", false, "print JSON")

	projectsCmd.AddCommand(projectsHistoryCmd)
	projectsHistoryCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON")
	projectsHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max attempts to show, 0 for all")
}
