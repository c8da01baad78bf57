package engine

import (
	"os/exec"
	"syscall"
)

// configureProcess hides the console window and detaches the worker from
// the daemon's console control group.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
