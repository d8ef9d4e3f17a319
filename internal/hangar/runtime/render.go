package runtime

import (
	"fmt"
	"time"

	"github.com/bdobrica/Hangar/internal/hangar/catalog"
	"github.com/bdobrica/Hangar/internal/hangar/ident"
)

// RenderParams are the per-provision values substituted into a template.
type RenderParams struct {
	UserID       string
	Subdomain    string
	Domain       string
	StorageKey   string
	Password     string
	Network      string
	EntryPoint   string
	CertResolver string
	CreatedAt    time.Time
}

// Host returns the public hostname of the runtime.
func (p RenderParams) Host() string {
	return p.Subdomain + "." + p.Domain
}

// Render maps a template onto a concrete creation spec. It is pure: the same
// inputs always yield the same spec.
func Render(t catalog.Template, p RenderParams) (CreationSpec, error) {
	env := make(map[string]string, len(t.Env)+3)
	for k, v := range t.Env {
		env[k] = v
	}
	switch t.Family {
	case catalog.FamilyAgentZero:
		env["AGENT_PASSWORD"] = p.Password
		env["SUBDOMAIN"] = p.Subdomain
		env["DOMAIN"] = p.Domain
	case catalog.FamilyOpenClaw:
		env["PASSWORD"] = p.Password
	default:
		return CreationSpec{}, fmt.Errorf("render %s: unsupported family %q", t.Slug, t.Family)
	}

	name := ident.ContainerName(p.Subdomain)
	network := p.Network
	if network == "" {
		network = DefaultNetwork
	}

	labels := RoutingLabels(RouteConfig{
		Router:       name,
		Host:         p.Host(),
		Port:         t.InternalPort,
		EntryPoint:   p.EntryPoint,
		CertResolver: p.CertResolver,
	})
	for k, v := range OwnershipLabels(p.UserID, t.Slug, p.CreatedAt) {
		labels[k] = v
	}

	return CreationSpec{
		Name:        name,
		Image:       t.Image,
		Env:         env,
		ExposedPort: t.InternalPort,
		Binds:       []VolumeBind{{Volume: ident.VolumeName(p.StorageKey), Target: t.DataPath}},
		MemoryBytes: t.MemoryBytes,
		NanoCPUs:    t.NanoCPUs,
		PidsLimit:   t.PidsLimit,
		Network:     network,
		Labels:      labels,
	}, nil
}
