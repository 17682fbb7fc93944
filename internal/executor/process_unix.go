//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the command in its own group so cancellation
// kills the whole script tree.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
