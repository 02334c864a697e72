//go:build !unix

package toolrun

import (
	"errors"
	"os"
	"os/exec"
)

// ErrSuspendUnsupported is returned where process suspension is unavailable.
var ErrSuspendUnsupported = errors.New("process suspension is not supported on this platform")

func setProcessGroup(*exec.Cmd) {}

func Suspend(*os.Process) error { return ErrSuspendUnsupported }

func Continue(*os.Process) error { return ErrSuspendUnsupported }

func Kill(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}
