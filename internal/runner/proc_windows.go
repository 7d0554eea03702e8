//go:build windows

package runner

import "os/exec"

// configureProcess kills the docker client on cancellation. Windows has no
// process groups reachable from syscall, so only the direct child is killed.
func configureProcess(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
