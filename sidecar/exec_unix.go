//go:build !windows

package sidecar

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureCmd starts the child in its own process group so the whole tree
// can be signalled at once.
func configureCmd(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func platformStart(p *execProcess) error {
	return p.cmd.Start()
}

// platformKill sends SIGKILL to the child's process group, falling back to
// the single process if the group cannot be signalled.
func platformKill(p *execProcess) error {
	pid := p.cmd.Process.Pid
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Kill()
}

func platformCleanup(p *execProcess) {}
