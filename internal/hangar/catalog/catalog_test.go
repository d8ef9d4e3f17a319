package catalog_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/Hangar/internal/hangar/catalog"
)

func TestDefault(t *testing.T) {
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	oc, ok := c.Lookup("openclaw")
	if !ok {
		t.Fatal("openclaw missing from default catalog")
	}
	if oc.Family != catalog.FamilyOpenClaw || !oc.ExposeCredential || oc.CreditsPerHour != 15 {
		t.Errorf("unexpected openclaw template: %+v", oc)
	}

	az, ok := c.Lookup("agent-zero")
	if !ok || az.CreditsPerHour != 10 || az.InternalPort != 8000 {
		t.Errorf("unexpected agent-zero template: %+v", az)
	}

	if c.IsActive("productivity-agent") {
		t.Error("productivity-agent should be disabled")
	}
	if len(c.List()) != 5 {
		t.Errorf("expected 5 templates, got %d", len(c.List()))
	}
}

func TestResolve(t *testing.T) {
	c, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := catalog.Resolve(c, "agent-zero"); err != nil {
		t.Errorf("Resolve(agent-zero): %v", err)
	}
	for _, slug := range []string{"nope", "productivity-agent"} {
		if _, err := catalog.Resolve(c, slug); !errors.Is(err, catalog.ErrUnknownAgent) {
			t.Errorf("Resolve(%q) = %v, want ErrUnknownAgent", slug, err)
		}
	}
}

func TestParse_RejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing agents": `{}`,
		"bad family": `
agents:
  - slug: x-agent
    name: X
    family: mystery
    image: x:latest
    internal_port: 80
    data_path: /data
    credits_per_hour: 1
`,
		"zero price": `
agents:
  - slug: x-agent
    name: X
    family: openclaw
    image: x:latest
    internal_port: 80
    data_path: /data
    credits_per_hour: 0
`,
		"unknown field": `
agents:
  - slug: x-agent
    name: X
    family: openclaw
    image: x:latest
    internal_port: 80
    data_path: /data
    credits_per_hour: 3
    privileged: true
`,
	}
	for name, doc := range cases {
		if _, err := catalog.Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error, got nil", name)
		}
	}
}

func TestParse_DuplicateSlug(t *testing.T) {
	one := `
  - slug: dup-agent
    name: Dup
    family: openclaw
    image: x:latest
    internal_port: 80
    data_path: /data
    credits_per_hour: 2
`
	_, err := catalog.Parse([]byte("agents:" + one + one))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate slug error, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
agents:
  - slug: tiny-agent
    name: Tiny
    family: agent-zero
    image: registry.local/tiny:1
    internal_port: 9000
    data_path: /srv
    credits_per_hour: 4
    env:
      MODE: tiny
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := catalog.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	tpl, ok := c.Lookup("tiny-agent")
	if !ok || tpl.Env["MODE"] != "tiny" || !tpl.Active() {
		t.Fatalf("unexpected template: %+v", tpl)
	}
}
