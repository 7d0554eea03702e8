//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the docker client in its own process group so a
// timeout kills the whole group rather than the direct child only.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
