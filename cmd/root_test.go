package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"edensetup/internal/config"
	"edensetup/internal/probe"
	"edensetup/pkg/ansible"
	"edensetup/pkg/logging"
	"edensetup/pkg/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, output, verbose = "", "", false
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "version", "--output", "json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info version.Info
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if info.Version != version.Version {
		t.Fatalf("expected %s, got %s", version.Version, info.Version)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTemplatesListsConfiguredDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"default", "IFRC"} {
		if err := os.MkdirAll(filepath.Join(dir, name, "users"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name, "config.py"), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	path := writeConfig(t, "paths:\n  templates: "+dir+"\n")

	out, err := execute(t, "--config", path, "templates")
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	if got := strings.Fields(out); len(got) != 2 || got[0] != "IFRC" || got[1] != "default" {
		t.Fatalf("unexpected templates %q", out)
	}

	out, err = execute(t, "--config", path, "templates", "default")
	if err != nil {
		t.Fatalf("prepop options: %v", err)
	}
	if strings.TrimSpace(out) != "template:default/users" {
		t.Fatalf("unexpected options %q", out)
	}
}

func TestKeysAddStoresPrivateKey(t *testing.T) {
	uploads := filepath.Join(t.TempDir(), "uploads")
	path := writeConfig(t, "paths:\n  uploads: "+uploads+"\n")
	key := filepath.Join(t.TempDir(), "id_rsa")
	if err := os.WriteFile(key, []byte("PRIVATE"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "--config", path, "keys", "add", key); err != nil {
		t.Fatalf("keys add: %v", err)
	}
	info, err := os.Stat(filepath.Join(uploads, "id_rsa"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %o", info.Mode().Perm())
	}
}

func TestDeployRemoteRequiresHost(t *testing.T) {
	_, err := execute(t, "deploy", "remote", "--web-server", "apache", "--database-type", "postgresql", "--user", "admin", "--key", "k")
	if err == nil || !strings.Contains(err.Error(), "host") {
		t.Fatalf("expected missing host flag error, got %v", err)
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID("42"); err != nil || id != 42 {
		t.Fatalf("parseID(42) = %d, %v", id, err)
	}
	for _, bad := range []string{"0", "-1", "x"} {
		if _, err := parseID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNewProberFollowsMode(t *testing.T) {
	cfg := config.Default()
	runner := ansible.NewRunner(logging.NewDiscardLogger())

	p, err := newProber(cfg, runner, logging.NewDiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*probe.AnsibleProber); !ok {
		t.Fatalf("expected ansible prober, got %T", p)
	}

	cfg.Probe.Mode = config.ProbeSSH
	p, err = newProber(cfg, runner, logging.NewDiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*probe.ShellProber); !ok {
		t.Fatalf("expected shell prober, got %T", p)
	}

	cfg.Probe.Mode = "carrier-pigeon"
	if _, err := newProber(cfg, runner, logging.NewDiscardLogger()); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
}

func TestServiceConfigCarriesRenderSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Ansible.BecomeKeyword = "become"
	sc := serviceConfig(cfg)
	if sc.Render.BecomeKeyword != "become" || sc.PlaybookDir != cfg.PlaybookDir() {
		t.Fatalf("unexpected service config %+v", sc)
	}
	if len(sc.SingleOwner) != 1 || sc.SingleOwner[0] != "web2py" {
		t.Fatalf("unexpected single owner list %v", sc.SingleOwner)
	}
}
