//go:build windows

package moltgate

import (
	"os"
	"os/exec"
)

func configureBackendProcAttrs(cmd *exec.Cmd) {}

// There is no process group signal on Windows, so both kill the process.
func terminateGroup(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

func killGroup(proc *os.Process) error {
	return terminateGroup(proc)
}
