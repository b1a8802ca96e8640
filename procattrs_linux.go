//go:build linux

package moltgate

import (
	"os/exec"
	"syscall"
)

func configureBackendProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
