//go:build unix

package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/reaper/internal/apiclient"
	"github.com/gurisko/reaper/internal/daemon"
)

var (
	controlJSON bool
	controlYes  bool
	extendBy    string
	extendUntil string
)

var projectsCancelCmd = &cobra.Command{
	Use:   "cancel <project-id>",
	Short: "Withdraw a pending project so it is never destroyed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAction(cmd, args[0], "cancel", "Cancel scheduled destroy of")
	},
}

var projectsDestroyCmd = &cobra.Command{
	Use:   "destroy <project-id>",
	Short: "Destroy a scheduled project now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAction(cmd, args[0], "destroy", "Destroy now")
	},
}

var projectsExtendCmd = &cobra.Command{
	Use:   "extend <project-id>",
	Short: "Postpone a scheduled project's destroy",
	Long: `Move a scheduled project's destroy time.

Examples:
  reaper projects extend <id>               # by the default timeout
  reaper projects extend <id> --by 2h
  reaper projects extend <id> --until 2026-11-01T09:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req daemon.ExtendRequest
		switch {
		case extendUntil != "" && extendBy != "":
			return errors.New("--by and --until are mutually exclusive")
		case extendUntil != "":
			t, err := time.Parse(time.RFC3339, extendUntil)
			if err != nil {
				return fmt.Errorf("--until must be RFC3339: %w", err)
			}
			req.Until = &t
		default:
			req.By = extendBy
		}

		id := strings.TrimSpace(args[0])
		var out daemon.ProjectResponse
		if err := client().PostJSON(cmd.Context(), "/api/projects/"+url.PathEscape(id)+"/extend", req, &out); err != nil {
			return explain(err, id)
		}
		if controlJSON {
			return printJSON(out)
		}
		fmt.Printf("Destroy of %s moved to %s (%s)\n", id,
			out.Project.DestroyAt.Local().Format(time.RFC3339), relative(out.Project.DestroyAt, time.Now()))
		return nil
	},
}

func projectAction(cmd *cobra.Command, rawID, action, question string) error {
	id := strings.TrimSpace(rawID)

	// refuse to prompt on non-tty unless -y
	if !controlYes && !controlJSON {
		ok, err := confirm(fmt.Sprintf("%s project %s?", question, id))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("aborted")
			return nil
		}
	}

	var out daemon.ProjectResponse
	if err := client().PostJSON(cmd.Context(), "/api/projects/"+url.PathEscape(id)+"/"+action, nil, &out); err != nil {
		return explain(err, id)
	}
	if controlJSON {
		return printJSON(out)
	}
	fmt.Printf("%s: %s\n", id, out.Project.Status)
	return nil
}

// explain turns the common API failures into something readable.
func explain(err error, id string) error {
	switch {
	case apiclient.IsNotFound(err):
		return fmt.Errorf("no project with id %s", id)
	case apiclient.IsConflict(err):
		return errors.New(apiclient.Reason(err))
	}
	return err
}

func init() {
	for _, c := range []*cobra.Command{projectsCancelCmd, projectsDestroyCmd, projectsExtendCmd} {
		projectsCmd.AddCommand(c)
		c.Flags().BoolVar(&controlJSON, "json", false, "print JSON")
	}
	projectsCancelCmd.Flags().BoolVarP(&controlYes, "yes", "y", false, "assume yes")
	projectsDestroyCmd.Flags().BoolVarP(&controlYes, "yes", "y", false, "assume yes")
	projectsExtendCmd.Flags().StringVar(&extendBy, "by", "", "amount to add, e.g. 2h or \"1d 4h\"")
	projectsExtendCmd.Flags().StringVar(&extendUntil, "until", "", "absolute RFC3339 destroy time")
}
