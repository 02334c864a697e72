//go:build unix

package toolrun

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return os.ErrProcessDone
	}
	// Negative pid targets the process group created with Setpgid.
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

// Suspend stops every process in p's group.
func Suspend(p *os.Process) error { return signalGroup(p, syscall.SIGSTOP) }

// Continue resumes a suspended group.
func Continue(p *os.Process) error { return signalGroup(p, syscall.SIGCONT) }

// Kill terminates the group. Stopped processes are killed too.
func Kill(p *os.Process) error { return signalGroup(p, syscall.SIGKILL) }
