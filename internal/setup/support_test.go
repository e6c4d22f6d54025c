package setup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"edensetup/internal/store"
	"edensetup/pkg/ansible"
	"edensetup/pkg/logging"
)

func TestTemplatesRequireConfig(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"default", "SAMBRO", "skeleton"} {
		if err := os.MkdirAll(filepath.Join(dir, name, "users"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"default", "SAMBRO"} {
		if err := os.WriteFile(filepath.Join(dir, name, "config.py"), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	names, err := Templates(dir)
	if err != nil {
		t.Fatalf("Templates: %v", err)
	}
	if strings.Join(names, ",") != "SAMBRO,default" {
		t.Fatalf("unexpected templates %v", names)
	}

	opts, err := PrepopOptions(dir, "default")
	if err != nil {
		t.Fatalf("PrepopOptions: %v", err)
	}
	if len(opts) != 1 || opts[0] != "template:default/users" {
		t.Fatalf("unexpected options %v", opts)
	}

	for _, name := range []string{"..", "../default", "skeleton", "nope"} {
		if _, err := PrepopOptions(dir, name); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("PrepopOptions(%q) = %v, want ErrInvalidRequest", name, err)
		}
	}

	none, err := Templates(filepath.Join(dir, "missing"))
	if err != nil || len(none) != 0 {
		t.Fatalf("missing dir should yield nothing, got %v %v", none, err)
	}
}

func TestKeyStoreWritesOwnerOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	keys := NewKeyStore(dir)

	name, err := keys.Store("../../etc/id_rsa", strings.NewReader("KEY"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if name != "id_rsa" {
		t.Fatalf("key name must be reduced to its base, got %q", name)
	}
	info, err := os.Stat(keys.Path(name))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %o", info.Mode().Perm())
	}
	if !keys.Exists(name) || keys.Exists("other") {
		t.Fatalf("Exists disagrees with disk")
	}
	if keys.Path("") != "" {
		t.Fatalf("empty name resolves to no path")
	}
	if _, err := keys.Store("..", strings.NewReader("")); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

type fakeRunner struct {
	opts ansible.RunOptions
	err  error
	emit []ansible.ExecutionEvent
}

func (f *fakeRunner) Run(_ context.Context, opts ansible.RunOptions, sink ansible.EventSink) (*ansible.RunSummary, error) {
	f.opts = opts
	counts := map[ansible.EventKind]int{}
	for _, ev := range f.emit {
		if err := sink.Handle(ev); err != nil {
			return nil, &ansible.ExecutionError{SinkErr: err}
		}
		counts[ev.Kind]++
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ansible.RunSummary{Counts: counts}, nil
}

type memLog struct {
	records []string
	err     error
}

func (m *memLog) Append(job, category string, payload any) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, job+"|"+category)
	return nil
}

func (m *memLog) Sink(job string) ansible.EventSink {
	return ansible.EventSinkFunc(func(ev ansible.ExecutionEvent) error {
		return m.Append(job, string(ev.Kind), ev.Payload)
	})
}

func TestJobHandlerRunsPlaybook(t *testing.T) {
	runner := &fakeRunner{emit: []ansible.ExecutionEvent{
		{Kind: ansible.EventPlayStart, Task: "deploy"},
		{Kind: ansible.EventOK, Host: "10.0.0.5", Task: "common : install"},
	}}
	logs := &memLog{}
	h := NewJobHandler(runner, logs, logging.NewDiscardLogger())

	job := &store.Job{
		ID:       "job-1",
		TaskName: "deployment_1700000000",
		Args: store.JobArgs{
			Playbook:   "/w/playbooks/deployment_1700000000.yml",
			Hosts:      []string{"10.0.0.5"},
			PrivateKey: "/w/uploads/key.pem",
			RemoteUser: "admin",
			OnlyTags:   []string{"all"},
		},
	}
	if err := h(context.Background(), job); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if runner.opts.Playbook != job.Args.Playbook || runner.opts.PrivateKey != "/w/uploads/key.pem" || runner.opts.RemoteUser != "admin" {
		t.Fatalf("unexpected run options %+v", runner.opts)
	}
	want := []string{
		"deployment_1700000000|DEBUG",
		"deployment_1700000000|play_start",
		"deployment_1700000000|OK",
	}
	if strings.Join(logs.records, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected log records %v", logs.records)
	}
}

func TestJobHandlerPropagatesFailures(t *testing.T) {
	runErr := &ansible.ExecutionError{Failed: []string{"FAILED 10.0.0.5: install"}}
	h := NewJobHandler(&fakeRunner{err: runErr}, &memLog{}, logging.NewDiscardLogger())
	job := &store.Job{TaskName: "deployment_1", Args: store.JobArgs{Playbook: "p.yml", Hosts: []string{"h"}}}

	err := h(context.Background(), job)
	var ee *ansible.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}

	broken := &memLog{err: errors.New("disk full")}
	if err := NewJobHandler(&fakeRunner{}, broken, logging.NewDiscardLogger())(context.Background(), job); err == nil {
		t.Fatalf("a log that cannot be written must stop the job")
	}
}
