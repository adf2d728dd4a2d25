//go:build unix

package cmd

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/reaper/internal/daemon"
	"github.com/gurisko/reaper/internal/lifecycle"
)

var (
	listJSON   bool
	listStatus string
	listActive bool
)

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listActive {
			q.Set("active", "true")
		}
		path := "/api/projects"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var out daemon.ListProjectsResponse
		if err := client().GetJSON(cmd.Context(), path, &out); err != nil {
			return err
		}
		if listJSON {
			return printJSON(out)
		}
		if len(out.Projects) == 0 {
			fmt.Println("No projects tracked")
			return nil
		}
		printProjects(out.Projects)
		return nil
	},
}

var scheduledJSON bool

var scheduledCmd = &cobra.Command{
	Use:   "scheduled",
	Short: "List projects waiting for their destroy time, soonest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.ListProjectsResponse
		if err := client().GetJSON(cmd.Context(), "/api/scheduled", &out); err != nil {
			return err
		}
		if scheduledJSON {
			return printJSON(out)
		}
		if len(out.Projects) == 0 {
			fmt.Println("Nothing scheduled")
			return nil
		}
		printProjects(out.Projects)
		return nil
	},
}

func printProjects(projects []*lifecycle.Project) {
	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tDESTROY AT\tPATH")
	for _, p := range projects {
		due := p.DestroyAt.Local().Format(time.RFC3339)
		if p.Status.Active() {
			due += " (" + relative(p.DestroyAt, now) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.DisplayName(), p.Status, due, p.Path)
	}
	_ = w.Flush()
}

func init() {
	projectsCmd.AddCommand(projectsListCmd)
	projectsListCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")
	projectsListCmd.Flags().StringVar(&listStatus, "status", "", "only projects in this status")
	projectsListCmd.Flags().BoolVar(&listActive, "active", false, "only projects that are not finished")

	rootCmd.AddCommand(scheduledCmd)
	scheduledCmd.Flags().BoolVar(&scheduledJSON, "json", false, "print JSON")
}
