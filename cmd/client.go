//go:build unix

package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gurisko/reaper/internal/apiclient"
)

func client() *apiclient.Client {
	return apiclient.NewWithSocket(socketPath)
}

// confirm asks a yes/no question on stdin. Non-interactive stdin is refused
// so scripts have to pass -y.
func confirm(question string) (bool, error) {
	if fi, _ := os.Stdin.Stat(); (fi.Mode() & os.ModeCharDevice) == 0 {
		return false, errors.New("refusing to prompt on non-interactive stdin; use -y to confirm")
	}
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	ans, _ := reader.ReadString('\n')
	ans = strings.ToLower(strings.TrimSpace(ans))
	return ans == "y" || ans == "yes", nil
}

// relative renders t against now, e.g. "in 3h12m" or "5m ago".
func relative(t, now time.Time) string {
	d := t.Sub(now).Round(time.Second)
	if d >= 0 {
		return "in " + d.String()
	}
	return (-d).String() + " ago"
}
