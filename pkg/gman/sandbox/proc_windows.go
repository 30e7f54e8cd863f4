//go:build windows

package sandbox

import "os/exec"

// isolateProcessGroup falls back to killing the direct child; Windows has
// no process groups in the POSIX sense.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}
