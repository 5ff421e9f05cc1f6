//go:build unix

package command

import (
	"os/exec"
	"syscall"
)

// killGroup runs cmd in its own process group and, on cancel, kills the
// whole group so children of the shell die with it.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
