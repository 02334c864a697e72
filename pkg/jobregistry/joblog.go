package jobregistry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogStore keeps one append-only log file per job under <root>/<job_id>/job.log.
type LogStore struct {
	root string
	now  func() time.Time
	mu   sync.Mutex
}

// NewLogStore returns a LogStore rooted at dir (usually <data_dir>/jobs).
func NewLogStore(dir string) *LogStore {
	return &LogStore{root: dir, now: time.Now}
}

func (l *LogStore) Root() string {
	return l.root
}

// JobDir returns the per-job directory.
func (l *LogStore) JobDir(jobID string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}
	return filepath.Join(l.root, jobID), nil
}

// Path returns the log file path for a job.
func (l *LogStore) Path(jobID string) (string, error) {
	dir, err := l.JobDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "job.log"), nil
}

// Append writes one timestamped line. Embedded newlines are flattened so one
// call is always one line.
func (l *LogStore) Append(jobID, level, message string) error {
	path, err := l.Path(jobID)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s %-5s %s\n",
		l.now().UTC().Format(time.RFC3339Nano),
		strings.ToUpper(strings.TrimSpace(level)),
		flattenLine(message))

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create job log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open job log: %w", err)
	}
	if _, err := io.WriteString(f, line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write job log: %w", err)
	}
	return f.Close()
}

// Tail returns the last n lines of a job's log. A job that never logged
// anything yields an empty result.
func (l *LogStore) Tail(jobID string, n int) ([]string, error) {
	path, err := l.Path(jobID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	defer func() { _ = f.Close() }()
	return tailLines(f, n)
}

// Remove deletes a job's log directory. Missing directories are not an error.
func (l *LogStore) Remove(jobID string) error {
	dir, err := l.JobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job log dir %s: %w", jobID, err)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

func flattenLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

func validateJobID(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || jobID == "." || jobID == ".." || filepath.Base(jobID) != jobID || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("%w: invalid job id %q", ErrValidation, jobID)
	}
	return nil
}
