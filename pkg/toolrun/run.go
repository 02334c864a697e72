// Package toolrun runs external command-line tools (audible, ffmpeg, ffprobe)
// with line-oriented output capture and process-group control.
package toolrun

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Stream identifies which pipe a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LineFunc receives every output line. Carriage returns split lines so
// progress bars that redraw in place are observed incrementally.
type LineFunc func(stream Stream, line string)

// Tracker is told about a started process so it can be suspended, resumed or
// killed from outside the Run call. The returned func is called once the
// process has exited.
type Tracker interface {
	Attach(p *os.Process) (detach func())
}

// DefaultWaitDelay bounds how long Run waits for output pipes after the
// process was killed.
const DefaultWaitDelay = 5 * time.Second

const stderrTailLines = 20

// Command describes one invocation.
type Command struct {
	Name      string
	Args      []string
	Dir       string
	Env       []string
	Stdin     io.Reader
	OnLine    LineFunc
	Tracker   Tracker
	WaitDelay time.Duration
}

// Result carries captured output.
type Result struct {
	Stdout     []string
	StderrTail []string
	ExitCode   int
	Duration   time.Duration
}

// Run starts the command in its own process group and blocks until it exits.
//
// When ctx is cancelled the whole group is killed and the cancellation cause
// is returned. A start failure yields *LaunchError and a non-zero exit yields
// *ExitError.
func Run(ctx context.Context, c Command) (*Result, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, &LaunchError{Name: "<empty>", Err: errors.New("no command given")}
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return Kill(cmd.Process) }
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Name: c.Name, Err: fmt.Errorf("setup stdout pipe: %w", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Name: c.Name, Err: fmt.Errorf("setup stderr pipe: %w", err)}
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Name: c.Name, Err: err}
	}
	if c.Tracker != nil {
		detach := c.Tracker.Attach(cmd.Process)
		defer detach()
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		res     = &Result{}
		errTail = newTailBuffer(stderrTailLines)
		readErr error
	)
	read := func(stream Stream, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), " \t")
			if line == "" {
				continue
			}
			mu.Lock()
			if stream == Stderr {
				errTail.add(line)
			} else if len(res.Stdout) < maxStdoutLines {
				res.Stdout = append(res.Stdout, line)
			}
			mu.Unlock()
			if c.OnLine != nil {
				c.OnLine(stream, line)
			}
		}
		if err := scanner.Err(); err != nil {
			mu.Lock()
			if readErr == nil {
				readErr = fmt.Errorf("read %s: %w", stream, err)
			}
			mu.Unlock()
			// The child must not block on a full pipe.
			_, _ = io.Copy(io.Discard, r)
		}
	}

	wg.Add(2)
	go read(Stdout, stdoutPipe)
	go read(Stderr, stderrPipe)
	wg.Wait()

	waitErr := cmd.Wait()
	res.Duration = time.Since(started)
	res.StderrTail = errTail.lines()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("%s interrupted: %w", c.Name, context.Cause(ctx))
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExitError{Name: c.Name, Code: exitErr.ExitCode(), StderrTail: res.StderrTail, Err: waitErr}
		}
		return res, &ExitError{Name: c.Name, Code: -1, StderrTail: res.StderrTail, Err: waitErr}
	}
	if readErr != nil {
		reason := "unreadable output"
		if errors.Is(readErr, bufio.ErrTooLong) {
			reason = "output line too long"
		}
		return res, &ExitError{Name: c.Name, Code: res.ExitCode, Reason: reason, StderrTail: res.StderrTail, Err: readErr}
	}
	return res, nil
}

const maxStdoutLines = 10000

// MaxLineBytes is the longest single output line Run accepts. A longer line
// fails the run with an *ExitError once the process exits.
const MaxLineBytes = 1024 * 1024

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type tailBuffer struct {
	max int
	buf []string
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n, buf: make([]string, 0, n)}
}

func (t *tailBuffer) add(line string) {
	if len(t.buf) < t.max {
		t.buf = append(t.buf, line)
		return
	}
	copy(t.buf, t.buf[1:])
	t.buf[t.max-1] = line
}

func (t *tailBuffer) lines() []string {
	if len(t.buf) == 0 {
		return nil
	}
	return append([]string(nil), t.buf...)
}
