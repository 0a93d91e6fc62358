// Package docker implements the sandbox provider on a locally available
// docker daemon. Intended for development and test deployments; the
// kernel talks over the container's exec channel only, no ports are
// published.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	sdx "github.com/notebooklabs/kerneld/internal/sandbox"
)

const (
	// LabelManager marks containers owned by this provider.
	LabelManager = "managed-by"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "kerneld"
	// DefaultImage is the default kernel container image.
	DefaultImage = "kerneld-python:latest"
)

// Provider implements sandbox.Provider using docker containers.
type Provider struct {
	client  *client.Client
	image   string
	network string
}

var _ sdx.Provider = (*Provider)(nil)

type Options struct {
	Image   string
	Network string
}

func New(opts Options) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	image := opts.Image
	if image == "" {
		image = DefaultImage
	}
	return &Provider{client: cli, image: image, network: opts.Network}, nil
}

func (p *Provider) Name() string { return sdx.BackendDocker }

func (p *Provider) Create(ctx context.Context, req sdx.CreateRequest) (sdx.Sandbox, error) {
	image := req.Image
	if image == "" {
		image = p.image
	}
	if _, _, err := p.client.ImageInspectWithRaw(ctx, image); err != nil {
		return nil, fmt.Errorf("kernel image %q not found locally: %w", image, err)
	}

	cfg := &container.Config{
		Image: image,
		// Keep the container alive; the kernel process is launched
		// separately through exec.
		Cmd: []string{"sleep", "infinity"},
		Labels: map[string]string{
			LabelManager: LabelManagerValue,
		},
	}

	hostCfg := &container.HostConfig{}
	if p.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(p.network)
	}
	if req.CPUCores > 0 {
		hostCfg.Resources.NanoCPUs = int64(req.CPUCores * 1e9)
	}
	if req.MemoryGiB > 0 {
		hostCfg.Resources.Memory = int64(req.MemoryGiB * 1024 * 1024 * 1024)
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = p.client.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container: %w", err)
	}

	return &dockerSandbox{client: p.client, id: resp.ID}, nil
}

func (p *Provider) FromID(ctx context.Context, id string) (sdx.Sandbox, error) {
	inspect, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", id, sdx.ErrNotFound)
		}
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	return &dockerSandbox{client: p.client, id: inspect.ID}, nil
}

// Close releases the docker client resources.
func (p *Provider) Close() error {
	return p.client.Close()
}

type dockerSandbox struct {
	client *client.Client
	id     string
}

func (s *dockerSandbox) ID() string { return s.id }

func (s *dockerSandbox) Exec(ctx context.Context, argv []string, timeout time.Duration) (*sdx.ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	created, err := s.client.ContainerExecCreate(ctx, s.id, types.ExecConfig{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := s.client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := s.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}

	return &sdx.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (s *dockerSandbox) Status(ctx context.Context) (sdx.Status, error) {
	inspect, err := s.client.ContainerInspect(ctx, s.id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return sdx.StatusStopped, nil
		}
		return sdx.StatusUnknown, fmt.Errorf("inspecting container: %w", err)
	}
	if inspect.State != nil && inspect.State.Running {
		return sdx.StatusRunning, nil
	}
	return sdx.StatusStopped, nil
}

func (s *dockerSandbox) Destroy(ctx context.Context) error {
	// A wedged container can still be force-removed, so stop failures
	// other than not-found fall through to remove.
	timeout := 10
	_ = s.client.ContainerStop(ctx, s.id, container.StopOptions{Timeout: &timeout})
	if err := s.client.ContainerRemove(ctx, s.id, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}
