//go:build !windows

package engine

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the engine in its own process group so terminal signals
// aimed at the supervisor do not reach it.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
