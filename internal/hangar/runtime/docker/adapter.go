// Package docker implements runtime.Backend against a local Docker Engine.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bdobrica/Hangar/internal/hangar/runtime"
)

// apiClient is the part of the Docker Engine API the adapter uses.
type apiClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// Adapter implements runtime.Backend using the Docker Engine API.
type Adapter struct {
	client  apiClient
	network string
	// ensureNetwork is nil when the adapter was built without a full client.
	ensureNetwork func(ctx context.Context, name string) error
}

// New creates an adapter from DOCKER_HOST or the default socket.
func New(networkName string) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	a := newAdapter(cli, networkName)
	a.ensureNetwork = func(ctx context.Context, name string) error {
		nets, err := cli.NetworkList(ctx, network.ListOptions{
			Filters: filters.NewArgs(filters.Arg("name", name)),
		})
		if err != nil {
			return translate("list networks", err)
		}
		for _, n := range nets {
			if n.Name == name {
				return nil
			}
		}
		_, err = cli.NetworkCreate(ctx, name, network.CreateOptions{
			Driver:     "bridge",
			Attachable: true,
			Labels:     map[string]string{runtime.LabelManaged: runtime.ManagedValue},
		})
		if err != nil && !errdefs.IsConflict(err) {
			return translate("create network "+name, err)
		}
		return nil
	}
	return a, nil
}

func newAdapter(cli apiClient, networkName string) *Adapter {
	if networkName == "" {
		networkName = runtime.DefaultNetwork
	}
	return &Adapter{client: cli, network: networkName}
}

var _ runtime.Backend = (*Adapter)(nil)

// EnsureNetwork creates the shared proxy network if it does not exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	if a.ensureNetwork == nil {
		return nil
	}
	return a.ensureNetwork(ctx, a.network)
}

// Pull pulls ref and waits for the pull to finish.
func (a *Adapter) Pull(ctx context.Context, ref string) error {
	rc, err := a.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsInvalidParameter(err) {
			return &runtime.CreateError{Image: ref, Err: err}
		}
		return translate("pull "+ref, err)
	}
	defer rc.Close()

	// Failures after the request was accepted arrive inside the progress
	// stream.
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return &runtime.CreateError{Image: ref, Err: err}
		}
		return translate("pull "+ref, err)
	}
	return nil
}

// Create creates a hardened container from spec.
func (a *Adapter) Create(ctx context.Context, spec runtime.CreationSpec) (string, error) {
	if spec.Image == "" || spec.Name == "" {
		return "", &runtime.CreateError{Name: spec.Name, Image: spec.Image, Err: errors.New("name and image are required")}
	}
	cfg, hostCfg, netCfg := a.containerConfig(spec)

	resp, err := a.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) || errdefs.IsInvalidParameter(err) || errdefs.IsNotFound(err) {
			return "", &runtime.CreateError{Name: spec.Name, Image: spec.Image, Err: err}
		}
		return "", translate("create "+spec.Name, err)
	}
	return resp.ID, nil
}

func (a *Adapter) containerConfig(spec runtime.CreationSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	networkName := spec.Network
	if networkName == "" {
		networkName = a.network
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.EnvList(),
		Labels: spec.Labels,
	}
	if spec.ExposedPort > 0 {
		port := nat.Port(strconv.Itoa(spec.ExposedPort) + "/tcp")
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
	}

	hostCfg := &container.HostConfig{
		Binds:         spec.BindList(),
		NetworkMode:   container.NetworkMode(networkName),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		CapDrop:       []string{"ALL"},
		CapAdd:        []string{"NET_BIND_SERVICE"},
		SecurityOpt:   []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if spec.PidsLimit > 0 {
		limit := spec.PidsLimit
		hostCfg.Resources.PidsLimit = &limit
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}
	return cfg, hostCfg, netCfg
}

// Start starts a container. Starting a running container succeeds.
func (a *Adapter) Start(ctx context.Context, id string) error {
	err := a.client.ContainerStart(ctx, id, container.StartOptions{})
	if errdefs.IsNotModified(err) {
		return nil
	}
	return translate("start "+id, err)
}

// Stop stops a container, killing it after grace.
func (a *Adapter) Stop(ctx context.Context, id string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	err := a.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if errdefs.IsNotModified(err) {
		return nil
	}
	return translate("stop "+id, err)
}

// Remove removes a container. Named volumes are kept.
func (a *Adapter) Remove(ctx context.Context, id string, force bool) error {
	err := a.client.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: false,
	})
	return translate("remove "+id, err)
}

// Unpause resumes a paused container.
func (a *Adapter) Unpause(ctx context.Context, id string) error {
	return translate("unpause "+id, a.client.ContainerUnpause(ctx, id))
}

// Inspect reports the container's state.
func (a *Adapter) Inspect(ctx context.Context, id string) (runtime.State, error) {
	info, err := a.client.ContainerInspect(ctx, id)
	if err != nil {
		return runtime.State{}, translate("inspect "+id, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return runtime.State{Status: "unknown"}, nil
	}
	return runtime.State{
		Running: info.State.Running,
		Paused:  info.State.Paused,
		Status:  strings.ToLower(info.State.Status),
	}, nil
}

// Logs returns the last tail lines of stdout and stderr, interleaved.
func (a *Adapter) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := a.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", translate("logs "+id, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", translate("logs "+id, err)
	}
	return buf.String(), nil
}

// List returns every container carrying the managed label, running or not.
func (a *Adapter) List(ctx context.Context) ([]runtime.ResourceInfo, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", runtime.LabelManaged+"="+runtime.ManagedValue),
		),
	})
	if err != nil {
		return nil, translate("list containers", err)
	}

	out := make([]runtime.ResourceInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, runtime.ResourceInfo{
			ID:      c.ID,
			Name:    name,
			Labels:  c.Labels,
			Created: time.Unix(c.Created, 0).UTC(),
			Status:  c.State,
		})
	}
	return out, nil
}

// translate maps Docker client errors onto the runtime taxonomy.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %w", op, runtime.ErrNotFound, err)
	case dockerclient.IsErrConnectionFailed(err),
		errdefs.IsUnavailable(err),
		errdefs.IsSystem(err):
		return fmt.Errorf("%s: %w: %w", op, runtime.ErrBackendUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
