//go:build unix

package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/reaper/internal/daemon"
)

var (
	eventsJSON  bool
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent lifecycle notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out daemon.EventsResponse
		if err := client().GetJSON(cmd.Context(), "/api/events?limit="+strconv.Itoa(eventsLimit), &out); err != nil {
			return err
		}
		if eventsJSON {
			return printJSON(out)
		}
		if len(out.Events) == 0 {
			fmt.Println("No events")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tTITLE\tDETAIL")
		for _, e := range out.Events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.RFC3339), e.Type, e.Title, e.Body)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "print JSON")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "max events to show, 0 for all kept")
}
