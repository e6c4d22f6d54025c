package ansible

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestToYAMLDocumentShape(t *testing.T) {
	play, _ := RenderDeployment(testCfg, DeploymentRequest{
		Host: "127.0.0.1", Local: true, WebServer: "cherokee", DatabaseType: "postgresql",
		Prepop: PrepopProd, Hostname: "eden", Sitename: "eden.local",
	})

	body, err := ToYAML([]Play{play})
	if err != nil {
		t.Fatalf("ToYAML: %v", err)
	}

	var docs []map[string]any
	if err := yaml.Unmarshal(body, &docs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one play, got %d", len(docs))
	}
	doc := docs[0]
	if doc["hosts"] != "127.0.0.1" || doc["connection"] != "local" || doc["sudo"] != true {
		t.Fatalf("unexpected play header: %v", doc)
	}
	if _, ok := doc["remote_user"]; ok {
		t.Fatal("local play must not carry remote_user")
	}
	vars := doc["vars"].(map[string]any)
	for _, key := range []string{"password", "template", "web_server", "type", "distro", "prepop_options", "hostname", "sitename", "dtype"} {
		if _, ok := vars[key]; !ok {
			t.Fatalf("vars missing %q: %v", key, vars)
		}
	}
	if len(vars) != 9 {
		t.Fatalf("unexpected extra vars: %v", vars)
	}
	roles := doc["roles"].([]any)
	if len(roles) != 5 || roles[2] != "roles/uwsgi" {
		t.Fatalf("unexpected roles: %v", roles)
	}
}

func TestToYAMLBecomeKeyword(t *testing.T) {
	body, err := ToYAML([]Play{{Hosts: "h", Become: true, BecomeKeyword: "become", Roles: []string{"r"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "become: true") || strings.Contains(string(body), "sudo") {
		t.Fatalf("unexpected document:\n%s", body)
	}
}

func TestToYAMLRejectsEmptyRoles(t *testing.T) {
	if _, err := ToYAML([]Play{{Hosts: "h"}}); err == nil {
		t.Fatal("expected error for play without roles")
	}
}

func TestWritePlaybookCreatesDirAndName(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "yaml")
	now := time.Unix(1700000000, 0)
	play := Play{Hosts: "h", Roles: []string{"r"}}

	path, err := WritePlaybook(dir, "deployment", []Play{play}, now)
	if err != nil {
		t.Fatalf("WritePlaybook: %v", err)
	}
	if filepath.Base(path) != "deployment_1700000000.yml" {
		t.Fatalf("unexpected name %s", path)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("dir not created: %v", err)
	}

	second, err := WritePlaybook(dir, "deployment", []Play{play}, now)
	if err != nil {
		t.Fatalf("second WritePlaybook: %v", err)
	}
	if filepath.Base(second) != "deployment_1700000001.yml" {
		t.Fatalf("collision not avoided: %s", second)
	}
}

func TestWritePlaybookUnwritableDir(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := WritePlaybook(filepath.Join(blocker, "yaml"), "upgrade", []Play{{Hosts: "h", Roles: []string{"r"}}}, time.Now())
	var renderErr *RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("expected RenderError, got %v", err)
	}
}
