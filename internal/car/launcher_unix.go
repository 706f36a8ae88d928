//go:build !windows

package car

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts cmd in a new process group so a signal to
// -pid reaches the whole tree (§4.1).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcessGroup delivers sig to the process group headed by pid.
func signalProcessGroup(pid int, sig syscall.Signal) error {
	return unix.Kill(-pid, sig)
}
