//go:build unix

package runner

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const sigTerm = unix.SIGTERM

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
}

// signalGroup sends sig to every process in the group led by pid.
func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

// groupAlive reports whether the group led by pid still has members.
func groupAlive(pid int) bool {
	return unix.Kill(-pid, 0) == nil
}

// killGroup removes whatever is left of the group led by pid. An empty
// group is left alone: its id may already belong to another group.
func killGroup(pid int) {
	if groupAlive(pid) {
		_ = signalGroup(pid, unix.SIGKILL)
	}
}
