package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bdobrica/Hangar/internal/hangar/runtime"
)

// fakeClient records calls and returns canned results.
type fakeClient struct {
	pullBody   string
	pullErr    error
	createErr  error
	startErr   error
	stopErr    error
	removeErr  error
	inspect    types.ContainerJSON
	inspectErr error
	logs       []byte
	list       []types.Container

	createdCfg  *container.Config
	createdHost *container.HostConfig
	createdNet  *network.NetworkingConfig
	createdName string
	stopTimeout *int
	removeOpts  container.RemoveOptions
	listOpts    container.ListOptions
}

func (f *fakeClient) ImagePull(_ context.Context, _ string, _ image.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(f.pullBody)), nil
}

func (f *fakeClient) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, net *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.createdCfg, f.createdHost, f.createdNet, f.createdName = cfg, host, net, name
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: "abc123"}, nil
}

func (f *fakeClient) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeClient) ContainerStop(_ context.Context, _ string, opts container.StopOptions) error {
	f.stopTimeout = opts.Timeout
	return f.stopErr
}

func (f *fakeClient) ContainerRemove(_ context.Context, _ string, opts container.RemoveOptions) error {
	f.removeOpts = opts
	return f.removeErr
}

func (f *fakeClient) ContainerUnpause(context.Context, string) error { return nil }

func (f *fakeClient) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	return f.inspect, f.inspectErr
}

func (f *fakeClient) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeClient) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	f.listOpts = opts
	return f.list, nil
}

func testSpec() runtime.CreationSpec {
	return runtime.CreationSpec{
		Name:        "hangar-alice-agent-zero-1a2b",
		Image:       "agent0ai/agent-zero:latest",
		Env:         map[string]string{"B": "2", "A": "1"},
		ExposedPort: 80,
		Binds:       []runtime.VolumeBind{{Volume: "hangar-storage-k", Target: "/a0/usr"}},
		MemoryBytes: 1 << 30,
		NanoCPUs:    1_000_000_000,
		PidsLimit:   256,
		Labels:      map[string]string{runtime.LabelManaged: runtime.ManagedValue},
	}
}

func TestCreate_Hardened(t *testing.T) {
	f := &fakeClient{}
	a := newAdapter(f, "proxy-net")

	id, err := a.Create(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "abc123" || f.createdName != "hangar-alice-agent-zero-1a2b" {
		t.Errorf("id %q name %q", id, f.createdName)
	}
	if got := strings.Join(f.createdCfg.Env, ","); got != "A=1,B=2" {
		t.Errorf("env: %s", got)
	}
	if _, ok := f.createdCfg.ExposedPorts[nat.Port("80/tcp")]; !ok {
		t.Errorf("port not exposed: %v", f.createdCfg.ExposedPorts)
	}

	h := f.createdHost
	if len(h.CapDrop) != 1 || h.CapDrop[0] != "ALL" {
		t.Errorf("CapDrop: %v", h.CapDrop)
	}
	if len(h.CapAdd) != 1 || h.CapAdd[0] != "NET_BIND_SERVICE" {
		t.Errorf("CapAdd: %v", h.CapAdd)
	}
	if len(h.SecurityOpt) != 1 || h.SecurityOpt[0] != "no-new-privileges:true" {
		t.Errorf("SecurityOpt: %v", h.SecurityOpt)
	}
	if h.Privileged {
		t.Error("container must not be privileged")
	}
	if h.Memory != 1<<30 || h.NanoCPUs != 1_000_000_000 || h.PidsLimit == nil || *h.PidsLimit != 256 {
		t.Errorf("resources: %+v", h.Resources)
	}
	if len(h.Binds) != 1 || h.Binds[0] != "hangar-storage-k:/a0/usr" {
		t.Errorf("binds: %v", h.Binds)
	}
	if string(h.NetworkMode) != "proxy-net" {
		t.Errorf("network mode: %s", h.NetworkMode)
	}
	if _, ok := f.createdNet.EndpointsConfig["proxy-net"]; !ok {
		t.Errorf("endpoint config missing")
	}
}

func TestCreate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCreate bool
		wantUnavl  bool
	}{
		{"name conflict", errdefs.Conflict(errors.New("name in use")), true, false},
		{"missing image", errdefs.NotFound(errors.New("no such image")), true, false},
		{"bad spec", errdefs.InvalidParameter(errors.New("bad memory")), true, false},
		{"daemon down", errdefs.Unavailable(errors.New("daemon down")), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAdapter(&fakeClient{createErr: tt.err}, "")
			_, err := a.Create(context.Background(), testSpec())
			var createErr *runtime.CreateError
			if got := errors.As(err, &createErr); got != tt.wantCreate {
				t.Errorf("CreateError: got %v, want %v (%v)", got, tt.wantCreate, err)
			}
			if got := errors.Is(err, runtime.ErrBackendUnavailable); got != tt.wantUnavl {
				t.Errorf("unavailable: got %v, want %v (%v)", got, tt.wantUnavl, err)
			}
		})
	}

	a := newAdapter(&fakeClient{}, "")
	if _, err := a.Create(context.Background(), runtime.CreationSpec{}); err == nil {
		t.Error("empty spec should be rejected")
	}
}

func TestStopRemove(t *testing.T) {
	f := &fakeClient{}
	a := newAdapter(f, "")

	if err := a.Stop(context.Background(), "abc", 7*time.Second); err != nil {
		t.Fatal(err)
	}
	if f.stopTimeout == nil || *f.stopTimeout != 7 {
		t.Errorf("stop timeout: %v", f.stopTimeout)
	}
	if err := a.Remove(context.Background(), "abc", true); err != nil {
		t.Fatal(err)
	}
	if !f.removeOpts.Force || f.removeOpts.RemoveVolumes {
		t.Errorf("remove options: %+v", f.removeOpts)
	}

	f.stopErr = errdefs.NotFound(errors.New("no such container"))
	if err := a.Stop(context.Background(), "abc", time.Second); !errors.Is(err, runtime.ErrNotFound) {
		t.Errorf("stop missing: %v", err)
	}
	f.stopErr = errdefs.NotModified(errors.New("already stopped"))
	if err := a.Stop(context.Background(), "abc", time.Second); err != nil {
		t.Errorf("stop stopped: %v", err)
	}
	f.removeErr = errdefs.NotFound(errors.New("gone"))
	if err := a.Remove(context.Background(), "abc", true); !errors.Is(err, runtime.ErrNotFound) {
		t.Errorf("remove missing: %v", err)
	}
}

func TestInspect(t *testing.T) {
	f := &fakeClient{inspect: types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{Status: "paused", Running: true, Paused: true},
		},
	}}
	a := newAdapter(f, "")
	st, err := a.Inspect(context.Background(), "abc")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Paused || st.Status != "paused" {
		t.Errorf("state: %+v", st)
	}

	f.inspectErr = errdefs.NotFound(errors.New("no such container"))
	if _, err := a.Inspect(context.Background(), "abc"); !errors.Is(err, runtime.ErrNotFound) {
		t.Errorf("missing: %v", err)
	}
}

func TestLogsDemultiplexes(t *testing.T) {
	var stream bytes.Buffer
	stdcopy.NewStdWriter(&stream, stdcopy.Stdout).Write([]byte("hello\n"))
	stdcopy.NewStdWriter(&stream, stdcopy.Stderr).Write([]byte("oops\n"))

	a := newAdapter(&fakeClient{logs: stream.Bytes()}, "")
	got, err := a.Logs(context.Background(), "abc", 10)
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello\noops\n" {
		t.Errorf("logs: %q", got)
	}
}

func TestList(t *testing.T) {
	f := &fakeClient{list: []types.Container{{
		ID:      "abc",
		Names:   []string{"/hangar-x"},
		Labels:  map[string]string{runtime.LabelUserID: "u1"},
		Created: 1_700_000_000,
		State:   "running",
	}}}
	a := newAdapter(f, "")

	got, err := a.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "hangar-x" || got[0].Labels[runtime.LabelUserID] != "u1" {
		t.Fatalf("unexpected list: %+v", got)
	}
	if !got[0].Created.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("created: %v", got[0].Created)
	}
	if !f.listOpts.All || !f.listOpts.Filters.ExactMatch("label", runtime.LabelManaged+"="+runtime.ManagedValue) {
		t.Errorf("list options: %+v", f.listOpts)
	}
}

func TestPull(t *testing.T) {
	ok := newAdapter(&fakeClient{pullBody: `{"status":"Pulling from agent0ai/agent-zero"}` + "\n" + `{"status":"Download complete"}` + "\n"}, "")
	if err := ok.Pull(context.Background(), "agent0ai/agent-zero:latest"); err != nil {
		t.Errorf("Pull: %v", err)
	}

	streamErr := newAdapter(&fakeClient{pullBody: `{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}` + "\n"}, "")
	var createErr *runtime.CreateError
	if err := streamErr.Pull(context.Background(), "nope:latest"); !errors.As(err, &createErr) {
		t.Errorf("stream error: got %v, want *CreateError", err)
	}

	down := newAdapter(&fakeClient{pullErr: errdefs.Unavailable(errors.New("registry down"))}, "")
	if err := down.Pull(context.Background(), "x"); !runtime.IsRetryable(err) {
		t.Errorf("unavailable registry should be retryable: %v", err)
	}
}

func TestEnsureNetworkWithoutClient(t *testing.T) {
	if err := newAdapter(&fakeClient{}, "").EnsureNetwork(context.Background()); err != nil {
		t.Errorf("EnsureNetwork: %v", err)
	}
}
