//go:build linux || darwin
// +build linux darwin

package audio

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup sets up a process group on Unix systems so that
// killing the decoder also kills any children it spawned.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// terminateProcessGroup sends SIGTERM to the process group, giving the
// process a chance to flush and exit cleanly.
func terminateProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// killProcessGroup kills a process and its children on Unix systems.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	// The process may have already exited
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
