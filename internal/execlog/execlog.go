// Package execlog keeps the per-job execution log: one append-only text file
// per job, one record per playbook event.
package execlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"edensetup/pkg/ansible"
)

// TimeFormat matches strftime "%b %d %Y %H:%M:%S".
const TimeFormat = "Jan 02 2006 15:04:05"

// Logger appends records to <dir>/<job>.log. The first open or write failure
// for a job is remembered and returned by every later Append for that job.
type Logger struct {
	dir string
	now func() time.Time

	mu     sync.Mutex
	failed map[string]error
}

func New(dir string) *Logger {
	return &Logger{
		dir:    dir,
		now:    time.Now,
		failed: make(map[string]error),
	}
}

// Path returns the log file for job.
func (l *Logger) Path(job string) string {
	return filepath.Join(l.dir, job+".log")
}

// Append writes "<time> - <CATEGORY> - <payload>\n\n".
func (l *Logger) Append(job, category string, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failed[job]; err != nil {
		return err
	}

	record := fmt.Sprintf("%s - %s - %s\n\n", l.now().Format(TimeFormat), category, Format(payload))

	if err := l.write(job, record); err != nil {
		err = fmt.Errorf("execution log %s: %w", job, err)
		l.failed[job] = err
		return err
	}
	return nil
}

func (l *Logger) write(job, record string) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.Path(job), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(record); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Format renders a payload for the log. Fact dumps collapse to "omitted"; a
// payload with an invocation is written as "<invocation> => <rest> ".
// Anything that cannot be marshalled falls back to %v.
func Format(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		for key := range v {
			if key == "verbose_override" || key == "_ansible_verbose_override" {
				return "omitted"
			}
		}
		rest := make(map[string]any, len(v))
		var invocation any
		hasInvocation := false
		for key, val := range v {
			if key == "invocation" {
				invocation = val
				hasInvocation = true
				continue
			}
			rest[key] = val
		}
		body := marshal(rest)
		if hasInvocation {
			return marshal(invocation) + " => " + body + " "
		}
		return body
	default:
		return marshal(v)
	}
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// Tail returns at most the last n records of the job's log, skipping the
// blank separator lines. A missing log is not an error.
func (l *Logger) Tail(job string, n int) (string, error) {
	f, err := os.Open(l.Path(job))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if n <= 0 || scanner.Text() == "" {
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.Join(ring, "\n"), nil
}

// Sink adapts the logger to a playbook run for job.
func (l *Logger) Sink(job string) ansible.EventSink {
	return ansible.EventSinkFunc(func(ev ansible.ExecutionEvent) error {
		var payload any = ev.Payload
		if ev.Kind == ansible.EventSkipped {
			payload = "..."
		}
		if ev.Host != "" && ev.Kind == ansible.EventError {
			payload = fmt.Sprintf("%s: %s", ev.Host, Format(payload))
		}
		return l.Append(job, string(ev.Kind), payload)
	})
}

// Read returns the whole log, used by the status views.
func (l *Logger) Read(job string) ([]byte, error) {
	b, err := os.ReadFile(l.Path(job))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return bytes.TrimRight(b, "\n"), err
}
