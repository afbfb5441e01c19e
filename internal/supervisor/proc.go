package supervisor

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// processAlive checks pid without affecting it (signal 0). A pid owned by
// another user reports EPERM; we cannot signal it, so it counts as not ours.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// signalGroup signals the process group led by pid, falling back to the
// process itself when pid does not lead a group. Shells started on a PTY are
// session leaders, so the group includes their jobs.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}

// exitCode extracts a shell-style exit status from cmd.Wait's error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return exitErr.ExitCode()
}
