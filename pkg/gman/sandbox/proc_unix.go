//go:build !windows

package sandbox

import (
	"os/exec"
	"syscall"
)

// isolateProcessGroup puts the child in its own process group and makes
// context cancellation kill the whole group, so helpers spawned by the tool
// die with it.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
