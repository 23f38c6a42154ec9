//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProc starts the daemon in its own process group so console
// interrupts sent to the dashboard do not reach it.
func configureDaemonProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
