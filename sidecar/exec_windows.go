//go:build windows

package sidecar

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	winjob "github.com/kolesnikovae/go-winjob"
)

// configureCmd hides the console window of the sidecar.
func configureCmd(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: 0x08000000, // CREATE_NO_WINDOW
	}
}

// platformStart runs the child inside a job object that kills every process
// in it once the last handle is closed, including when the shell itself dies.
func platformStart(p *execProcess) error {
	job, err := winjob.Create("sidecar-manager-"+strconv.Itoa(syscall.Getpid()),
		winjob.WithKillOnJobClose(),
		winjob.WithBreakawayOK(),
	)
	if err != nil {
		return fmt.Errorf("create job object: %w", err)
	}

	if err := winjob.StartInJobObject(p.cmd, job); err != nil {
		_ = job.Close()
		return fmt.Errorf("start in job: %w", err)
	}

	p.mu.Lock()
	p.winJob = job
	p.mu.Unlock()
	return nil
}

// platformKill terminates the process, then closes the job to take down
// anything it spawned.
func platformKill(p *execProcess) error {
	err := p.cmd.Process.Kill()
	platformCleanup(p)
	return err
}

func platformCleanup(p *execProcess) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if job, ok := p.winJob.(*winjob.JobObject); ok && job != nil {
		_ = job.Close()
		p.winJob = nil
	}
}
