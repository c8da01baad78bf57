//go:build !windows

package engine

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the worker in its own process group so a terminal
// interrupt aimed at the daemon does not kill a worker mid-write.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
