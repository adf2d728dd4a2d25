//go:build unix

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/reaper/internal/daemon"
)

var regJSON bool

var projectsRegisterCmd = &cobra.Command{
	Use:   "register [path]",
	Short: "Track a project directory outside the watched roots",
	Long: `Register a directory containing a .reaper.yaml with the daemon. The project
is scheduled immediately; registering an already tracked directory is a no-op.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		regPath := "."
		if len(args) == 1 {
			regPath = strings.TrimSpace(args[0])
		}
		// client-side friendliness: expand ~ and make absolute (daemon also validates)
		if strings.HasPrefix(regPath, "~") {
			if home, _ := os.UserHomeDir(); home != "" {
				regPath = filepath.Join(home, strings.TrimPrefix(regPath, "~"))
			}
		}
		if abs, err := filepath.Abs(regPath); err == nil {
			regPath = abs
		}

		var out daemon.ProjectResponse
		if err := client().PostJSON(cmd.Context(), "/api/projects", daemon.RegisterProjectRequest{Path: regPath}, &out); err != nil {
			return err
		}
		if regJSON {
			return printJSON(out)
		}
		p := out.Project
		fmt.Printf("Tracking %q at %s (id=%s)\n", p.DisplayName(), p.Path, p.ID)
		fmt.Printf("  Destroy at: %s (%s)\n", p.DestroyAt.Local().Format(time.RFC3339), relative(p.DestroyAt, time.Now()))
		return nil
	},
}

func init() {
	projectsCmd.AddCommand(projectsRegisterCmd)
	projectsRegisterCmd.Flags().BoolVar(&regJSON, "json", false, "print JSON")
}
