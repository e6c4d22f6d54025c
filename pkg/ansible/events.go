package ansible

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// jsonl callback event names mapped to log categories. Anything missing here
// (task start, stats, handler notifications) is logged as DEBUG.
var runnerEventKinds = map[string]EventKind{
	"v2_runner_on_ok":                    EventOK,
	"v2_runner_on_failed":                EventFailed,
	"v2_runner_on_skipped":               EventSkipped,
	"v2_runner_on_unreachable":           EventUnreachable,
	"v2_runner_on_async_failed":          EventAsyncFailed,
	"v2_playbook_on_import_for_host":     EventImported,
	"v2_playbook_on_not_import_for_host": EventNotImported,
	"v2_playbook_on_play_start":          EventPlayStart,
}

// DecodeEvents turns one jsonl callback line into events, one per host for
// runner callbacks. Lines that are not JSON become a single DEBUG event.
func DecodeEvents(line []byte) []ExecutionEvent {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return []ExecutionEvent{{Kind: EventDebug, Payload: string(line)}}
	}

	name, _ := raw["_event"].(string)
	kind, ok := runnerEventKinds[name]
	if !ok {
		kind = EventDebug
	}

	task := nestedName(raw["task"])
	if kind == EventPlayStart {
		task = nestedName(raw["play"])
	}

	hosts, _ := raw["hosts"].(map[string]any)
	if len(hosts) == 0 {
		return []ExecutionEvent{{Kind: kind, Task: task, Payload: raw}}
	}

	events := make([]ExecutionEvent, 0, len(hosts))
	for host, result := range hosts {
		events = append(events, ExecutionEvent{Kind: kind, Host: host, Task: task, Payload: result})
	}
	return events
}

func nestedName(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	name, _ := m["name"].(string)
	return name
}

// eventWriter is the stdout/stderr sink handed to ansible. Complete lines are
// decoded and delivered to the EventSink before Write returns, so ansible
// cannot get ahead of the log.
type eventWriter struct {
	mu      sync.Mutex
	sink    EventSink
	onAbort func()

	counts  map[EventKind]int
	failed  []string
	sinkErr error
}

func newEventWriter(sink EventSink, onAbort func()) *eventWriter {
	return &eventWriter{
		sink:    sink,
		onAbort: onAbort,
		counts:  make(map[EventKind]int),
	}
}

func (w *eventWriter) deliver(ev ExecutionEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sinkErr != nil {
		return w.sinkErr
	}

	w.counts[ev.Kind]++
	if ev.Kind.Failing() {
		w.failed = append(w.failed, fmt.Sprintf("%s %s: %s", ev.Kind, ev.Host, ev.Task))
	}

	if err := w.sink.Handle(ev); err != nil {
		w.sinkErr = err
		if w.onAbort != nil {
			w.onAbort()
		}
		return err
	}
	return nil
}

// stream returns an io.Writer that splits on newlines and decodes each line.
// stderr streams pass kind=EventError so every line is logged verbatim.
func (w *eventWriter) stream(errStream bool) *lineWriter {
	return &lineWriter{emit: func(line []byte) error {
		if errStream {
			text := strings.TrimSpace(string(line))
			if text == "" {
				return nil
			}
			return w.deliver(ExecutionEvent{Kind: EventError, Payload: text})
		}
		for _, ev := range DecodeEvents(line) {
			if err := w.deliver(ev); err != nil {
				return err
			}
		}
		return nil
	}}
}

type lineWriter struct {
	buf  []byte
	emit func(line []byte) error
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := l.buf[:i]
		l.buf = l.buf[i+1:]
		if err := l.emit(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (l *lineWriter) Flush() error {
	if len(l.buf) == 0 {
		return nil
	}
	line := l.buf
	l.buf = nil
	return l.emit(line)
}
