//go:build windows

package car

import (
	"os/exec"
	"syscall"
)

// setProcessGroup is a no-op on Windows; the launcher spawns directly (§4.1
// "On other platforms spawn directly").
func setProcessGroup(cmd *exec.Cmd) {}

// signalProcessGroup has no process-group concept on Windows; Terminate
// falls back to killing the process handle directly.
func signalProcessGroup(pid int, sig syscall.Signal) error {
	return errUnsupportedSignal
}

var errUnsupportedSignal = &unsupportedSignalError{}

type unsupportedSignalError struct{}

func (*unsupportedSignalError) Error() string { return "car: process-group signals unsupported on windows" }
