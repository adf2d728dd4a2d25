//go:build unix

package executor

import (
	"os/exec"
	"syscall"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the process group and waits up to grace
// for the direct child. Whatever is left of the group afterwards is killed,
// so descendants that ignore SIGTERM do not outlive the attempt.
func terminateGroup(pid int, done <-chan error, grace time.Duration) error {
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	case <-timer.C:
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		err = <-done
	}
	return err
}
