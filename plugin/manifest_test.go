package plugin

import (
	"strings"
	"testing"
)

func TestParseManifest_Defaults(t *testing.T) {
	m, err := ParseManifest("billing", []byte("entrypoint: greeter\nversion: 1.2.0\n"))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Name != "billing" || m.Namespace != "billing" {
		t.Errorf("expected name and namespace to default to id, got %q %q", m.Name, m.Namespace)
	}
	if !m.IsEnabled() {
		t.Error("expected enabled by default")
	}
}

func TestParseManifest_Full(t *testing.T) {
	src := `
name: Example
version: v2.0.1
author: ops
description: demo
category: tools
entrypoint: example
namespace: shared
enabled: false
requires: ">=1.0.0"
timeoutSeconds: 3
config:
  greeting: hi
views:
  dashboard: "<h1>{{.Title}}</h1>"
admin:
  name: Example
  icon: star
frontend:
  css: "body{}"
`
	m, err := ParseManifest("example", []byte(src))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Namespace != "shared" || m.IsEnabled() || m.TimeoutSeconds != 3 {
		t.Errorf("unexpected manifest: %+v", m)
	}
	if m.Config["greeting"] != "hi" || m.Views["dashboard"] == "" || m.Admin.Icon != "star" || m.Frontend.CSS != "body{}" {
		t.Errorf("unexpected contributions: %+v", m)
	}
}

func TestParseManifest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"empty", "   \n", "empty"},
		{"not yaml", "entrypoint: [", "parse"},
		{"unknown field", "entrypoint: greeter\nentrypiont: x\n", "parse"},
		{"no entrypoint", "name: x\n", "entrypoint"},
		{"bad namespace", "entrypoint: greeter\nnamespace: Bad/NS\n", "namespace"},
		{"bad version", "entrypoint: greeter\nversion: one\n", "version"},
		{"incompatible host", "entrypoint: greeter\nrequires: \">=9.0.0\"\n", "requires"},
		{"bad view name", "entrypoint: greeter\nviews:\n  ../x: hi\n", "view name"},
		{"bad template", "entrypoint: greeter\nviews:\n  v: \"{{.Broken\"\n", "view"},
		{"admin without name", "entrypoint: greeter\nadmin:\n  icon: x\n", "admin"},
		{"negative timeout", "entrypoint: greeter\ntimeoutSeconds: -1\n", "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest("x", []byte(tt.src))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestIDFromFilename(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"status.plugin.yaml", "status", true},
		{"/srv/plugins/my_mod-2.plugin.yml", "my_mod-2", true},
		{"status.yaml", "", false},
		{"Status.plugin.yaml", "Status", false},
		{".plugin.yaml", "", false},
		{".upload-x-123", "", false},
	}
	for _, tt := range tests {
		id, ok := IDFromFilename(tt.name)
		if ok != tt.ok || (ok && id != tt.id) {
			t.Errorf("IDFromFilename(%q) = %q, %v; want %q, %v", tt.name, id, ok, tt.id, tt.ok)
		}
	}
}

func TestSemverAndConstraints(t *testing.T) {
	v, err := ParseSemver("v1.4.2-rc.1")
	if err != nil {
		t.Fatalf("ParseSemver: %v", err)
	}
	if v.String() != "1.4.2" {
		t.Errorf("expected 1.4.2, got %s", v)
	}
	for _, bad := range []string{"1.2", "a.b.c", "1.2.-3"} {
		if _, err := ParseSemver(bad); err == nil {
			t.Errorf("ParseSemver(%q): expected error", bad)
		}
	}

	tests := []struct {
		constraint string
		want       bool
	}{
		{">=1.0.0", true},
		{">1.4.2", false},
		{"<2.0.0", true},
		{"<=1.4.1", false},
		{"^1.0.0", true},
		{"^2.0.0", false},
		{"~1.4.0", true},
		{"~1.3.0", false},
		{"1.4.2", true},
		{"!=1.4.2", false},
	}
	for _, tt := range tests {
		c, err := ParseConstraint(tt.constraint)
		if err != nil {
			t.Fatalf("ParseConstraint(%q): %v", tt.constraint, err)
		}
		if got := c.Check(v); got != tt.want {
			t.Errorf("%s.Check(1.4.2) = %v, want %v", tt.constraint, got, tt.want)
		}
	}
	if _, err := ParseConstraint(""); err == nil {
		t.Error("expected error for empty constraint")
	}
}
