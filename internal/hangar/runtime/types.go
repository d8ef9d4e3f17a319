package runtime

import (
	"fmt"
	"sort"
	"time"
)

// DefaultNetwork is the shared reverse-proxy network runtimes join.
const DefaultNetwork = "traefik-net"

// VolumeBind mounts a named volume into the container.
type VolumeBind struct {
	Volume string `json:"volume"`
	Target string `json:"target"`
}

// String renders the bind in daemon "volume:/path" form.
func (b VolumeBind) String() string { return b.Volume + ":" + b.Target }

// CreationSpec is everything a backend needs to create one runtime.
type CreationSpec struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Env         map[string]string `json:"env"`
	ExposedPort int               `json:"exposed_port"`
	Binds       []VolumeBind      `json:"binds"`
	MemoryBytes int64             `json:"memory_bytes"`
	NanoCPUs    int64             `json:"nano_cpus"`
	PidsLimit   int64             `json:"pids_limit"`
	Network     string            `json:"network"`
	Labels      map[string]string `json:"labels"`
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (s CreationSpec) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, s.Env[k]))
	}
	return out
}

// BindList returns Binds in daemon form.
func (s CreationSpec) BindList() []string {
	out := make([]string, 0, len(s.Binds))
	for _, b := range s.Binds {
		out = append(out, b.String())
	}
	return out
}

// State is the subset of backend state the lifecycle manager acts on.
type State struct {
	Running bool   `json:"running"`
	Paused  bool   `json:"paused"`
	Status  string `json:"status"`
}

// ResourceInfo describes one managed resource as listed by the backend.
type ResourceInfo struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels"`
	Created time.Time         `json:"created"`
	Status  string            `json:"status"`
}

// CreatedAt prefers the creation label stamped by the provisioner and falls
// back to the backend's own creation time.
func (r ResourceInfo) CreatedAt() time.Time {
	if t, ok := labelTime(r.Labels); ok {
		return t
	}
	return r.Created
}
