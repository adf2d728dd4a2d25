//go:build unix

package cmd

import "github.com/spf13/cobra"

var projectsCmd = &cobra.Command{
	Use:     "projects",
	Aliases: []string{"project", "p"},
	Short:   "Inspect and control tracked projects",
}

func init() {
	rootCmd.AddCommand(projectsCmd)
}
