package session

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr arranges for the runtime process to receive
// SIGTERM when the daemon dies, and detaches it from the daemon's
// process group so terminal signals do not reach it directly.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
}
