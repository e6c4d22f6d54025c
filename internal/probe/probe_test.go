package probe

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"edensetup/pkg/ansible"
	"edensetup/pkg/logging"
	"edensetup/pkg/ssh"
)

type fakeModuleRunner struct {
	out  string
	err  error
	seen ansible.ModuleOptions
}

func (f *fakeModuleRunner) RunModule(_ context.Context, opts ansible.ModuleOptions) ([]byte, error) {
	f.seen = opts
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.out), nil
}

func TestAnsibleProberContacted(t *testing.T) {
	runner := &fakeModuleRunner{out: `{
		"plays": [{"tasks": [{"hosts": {"10.0.0.5": {"changed": false, "packages": [
			{"name": "nginx", "cv": "1.1", "av": "1.2", "type": "os"}
		]}}}]}],
		"stats": {"10.0.0.5": {"ok": 1, "unreachable": 0}}
	}`}
	p := NewAnsibleProber(runner, "/srv/library", logging.NewDiscardLogger())

	resp, err := p.Fetch(context.Background(), Target{
		Host: "10.0.0.5", RemoteUser: "admin", PrivateKey: "/keys/k.pem", Prepop: "prod",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	pkgs, err := resp.Packages("10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	want := []Package{{Name: "nginx", CV: "1.1", AV: "1.2", Type: TypeOS}}
	if !reflect.DeepEqual(pkgs, want) {
		t.Fatalf("got %+v", pkgs)
	}

	if runner.seen.Args != "web2py_path=/home/prod" || runner.seen.ModulePath != "/srv/library" {
		t.Fatalf("unexpected module options %+v", runner.seen)
	}
	if runner.seen.PrivateKey != "/keys/k.pem" || runner.seen.RemoteUser != "admin" || !runner.seen.Become {
		t.Fatalf("remote credentials not passed: %+v", runner.seen)
	}
}

func TestAnsibleProberLocalOmitsKey(t *testing.T) {
	runner := &fakeModuleRunner{out: `{"plays":[{"tasks":[{"hosts":{"127.0.0.1":{"packages":[]}}}]}]}`}
	p := NewAnsibleProber(runner, "", logging.NewDiscardLogger())

	if _, err := p.Fetch(context.Background(), Target{Host: "127.0.0.1", Local: true, PrivateKey: "/k", Prepop: "test"}); err != nil {
		t.Fatal(err)
	}
	if !runner.seen.Local || runner.seen.PrivateKey != "" {
		t.Fatalf("local probe should not carry a key: %+v", runner.seen)
	}
}

func TestAnsibleProberDark(t *testing.T) {
	cases := map[string]*fakeModuleRunner{
		"unreachable result": {out: `{"plays":[{"tasks":[{"hosts":{"h":{"unreachable":true,"msg":"timeout"}}}]}]}`},
		"unreachable stats":  {out: `{"plays":[],"stats":{"h":{"unreachable":1}}}`},
		"missing host":       {out: `{"plays":[{"tasks":[{"hosts":{}}]}]}`},
		"no output":          {err: errors.New("ansible not installed")},
	}
	for name, runner := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := NewAnsibleProber(runner, "", logging.NewDiscardLogger()).Fetch(context.Background(), Target{Host: "h"})
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if _, err := resp.Packages("h"); !errors.Is(err, ErrUnreachableHost) {
				t.Fatalf("expected unreachable, got %v", err)
			}
		})
	}
}

func TestAnsibleProberModuleFailure(t *testing.T) {
	runner := &fakeModuleRunner{out: `{"plays":[{"tasks":[{"hosts":{"h":{"failed":true,"msg":"no web2py"}}}]}]}`}
	_, err := NewAnsibleProber(runner, "", logging.NewDiscardLogger()).Fetch(context.Background(), Target{Host: "h"})
	if err == nil || !strings.Contains(err.Error(), "no web2py") {
		t.Fatalf("expected module failure, got %v", err)
	}
}

type scriptedRunner struct {
	replies map[string]*ssh.CommandResult
	errs    map[string]error
	calls   []string
}

func (s *scriptedRunner) Run(_ context.Context, cmd string) (*ssh.CommandResult, error) {
	s.calls = append(s.calls, cmd)
	for prefix, err := range s.errs {
		if strings.HasPrefix(cmd, prefix) {
			return s.replies[prefix], err
		}
	}
	for prefix, res := range s.replies {
		if strings.HasPrefix(cmd, prefix) {
			return res, nil
		}
	}
	return &ssh.CommandResult{}, nil
}

func (s *scriptedRunner) Close() error { return nil }

func TestShellProberCollectsAllSources(t *testing.T) {
	runner := &scriptedRunner{replies: map[string]*ssh.CommandResult{
		"LC_ALL=C apt": {Stdout: "Listing...\nnginx/stable 1.2 amd64 [upgradable from: 1.1]"},
		"pip list":     {Stdout: `[{"name":"lxml","version":"3.0","latest_version":"4.0"}]`},
		"cd ":          {Stdout: "abc123\ndef456"},
	}}
	p := NewShellProber(ssh.NewPool(0), "web2py", 0, logging.NewDiscardLogger())
	p.runnerFor = func(Target) ssh.Runner { return runner }

	resp, err := p.Fetch(context.Background(), Target{Host: "10.0.0.5", Prepop: "prod"})
	if err != nil {
		t.Fatal(err)
	}
	pkgs, _ := resp.Packages("10.0.0.5")
	want := []Package{
		{Name: "nginx", CV: "1.1", AV: "1.2", Type: TypeOS},
		{Name: "lxml", CV: "3.0", AV: "4.0", Type: TypePip},
		{Name: "web2py", CV: "abc123", AV: "def456", Type: TypeGit},
	}
	if !reflect.DeepEqual(pkgs, want) {
		t.Fatalf("got %+v", pkgs)
	}
	if !strings.Contains(runner.calls[2], "'/home/prod'") {
		t.Fatalf("git probe not run in instance dir: %s", runner.calls[2])
	}
}

func TestShellProberDarkOnTransportFailure(t *testing.T) {
	runner := &scriptedRunner{errs: map[string]error{"LC_ALL=C apt": errors.New("dial tcp: connection refused")}}
	p := NewShellProber(ssh.NewPool(0), "", 0, logging.NewDiscardLogger())
	p.retries = 0
	p.runnerFor = func(Target) ssh.Runner { return runner }

	resp, err := p.Fetch(context.Background(), Target{Host: "h"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Dark {
		t.Fatal("expected dark response")
	}
}

func TestParseGitRevisionsUpToDate(t *testing.T) {
	if _, ok := parseGitRevisions("web2py", "abc\nabc"); ok {
		t.Fatal("up-to-date checkout must not be reported")
	}
}

func TestParseAptSkipsNoise(t *testing.T) {
	out := "WARNING: apt does not have a stable CLI interface.\nListing... Done\n"
	if pkgs := parseAptUpgradable(out); len(pkgs) != 0 {
		t.Fatalf("unexpected packages %+v", pkgs)
	}
}
