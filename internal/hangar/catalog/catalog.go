// Package catalog is the read-only registry of agent templates.
//
// A catalog is loaded once at startup (from a YAML file or the embedded
// default) and never mutated afterwards; callers share it freely across
// goroutines. Each template names an agent family, which decides how the
// template is rendered into a container creation spec.
package catalog

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownAgent is returned when a slug is absent from the catalog or the
// template is disabled.
var ErrUnknownAgent = errors.New("unknown agent")

// Family selects the environment contract of an agent image.
type Family string

const (
	FamilyAgentZero Family = "agent-zero"
	FamilyOpenClaw  Family = "openclaw"
)

// Template describes how to run one agent.
type Template struct {
	Slug           string `yaml:"slug"`
	Name           string `yaml:"name"`
	Family         Family `yaml:"family"`
	Image          string `yaml:"image"`
	InternalPort   int    `yaml:"internal_port"`
	DataPath       string `yaml:"data_path"`
	MemoryBytes    int64  `yaml:"memory_bytes"`
	NanoCPUs       int64  `yaml:"nano_cpus"`
	PidsLimit      int64  `yaml:"pids_limit"`
	CreditsPerHour int64  `yaml:"credits_per_hour"`
	Disabled       bool   `yaml:"disabled"`

	// ExposeCredential marks templates whose generated password is returned
	// to the caller. Other families still receive one in their environment.
	ExposeCredential bool              `yaml:"expose_credential"`
	Env              map[string]string `yaml:"env"`
}

// Active reports whether new runtimes may be provisioned from t.
func (t Template) Active() bool { return !t.Disabled }

// Catalog is the lookup surface the provisioner depends on.
type Catalog interface {
	Lookup(slug string) (Template, bool)
	IsActive(slug string) bool
	List() []Template
}

// Static is an immutable in-memory Catalog.
type Static struct {
	bySlug map[string]Template
	slugs  []string
}

// New builds a Static catalog from already validated templates.
func New(templates ...Template) (*Static, error) {
	s := &Static{bySlug: make(map[string]Template, len(templates))}
	for _, t := range templates {
		if t.Slug == "" {
			return nil, fmt.Errorf("catalog: template without slug")
		}
		if _, dup := s.bySlug[t.Slug]; dup {
			return nil, fmt.Errorf("catalog: duplicate slug %q", t.Slug)
		}
		switch t.Family {
		case FamilyAgentZero, FamilyOpenClaw:
		default:
			return nil, fmt.Errorf("catalog: template %q: unsupported family %q", t.Slug, t.Family)
		}
		s.bySlug[t.Slug] = t
		s.slugs = append(s.slugs, t.Slug)
	}
	sort.Strings(s.slugs)
	return s, nil
}

// Lookup returns the template for slug, disabled or not.
func (s *Static) Lookup(slug string) (Template, bool) {
	t, ok := s.bySlug[slug]
	return t, ok
}

// IsActive reports whether slug exists and is not disabled.
func (s *Static) IsActive(slug string) bool {
	t, ok := s.bySlug[slug]
	return ok && t.Active()
}

// List returns all templates ordered by slug.
func (s *Static) List() []Template {
	out := make([]Template, 0, len(s.slugs))
	for _, slug := range s.slugs {
		out = append(out, s.bySlug[slug])
	}
	return out
}

// Resolve returns the active template for slug or an error wrapping
// ErrUnknownAgent.
func Resolve(c Catalog, slug string) (Template, error) {
	t, ok := c.Lookup(slug)
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownAgent, slug)
	}
	if !c.IsActive(slug) {
		return Template{}, fmt.Errorf("%w: %q is not available", ErrUnknownAgent, slug)
	}
	return t, nil
}
