//go:build unix

package moltgate

import (
	"errors"
	"os"
	"syscall"
)

// terminateGroup asks the backend and everything it spawned to exit.
func terminateGroup(proc *os.Process) error {
	return signalGroup(proc, syscall.SIGTERM)
}

func killGroup(proc *os.Process) error {
	return signalGroup(proc, syscall.SIGKILL)
}

func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if proc == nil {
		return nil
	}
	err := syscall.Kill(-proc.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
