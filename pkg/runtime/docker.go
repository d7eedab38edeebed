package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/curious-containers/agency/pkg/config"
	"github.com/curious-containers/agency/pkg/types"
)

// Container status filters for List.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
	StatusAny     = ""
)

// HostInfo is the subset of engine info the scheduler needs.
type HostInfo struct {
	RAM  int64 // MiB
	CPUs int
}

// ContainerInfo identifies one container on the engine. Name equals the
// batch id for batch containers.
type ContainerInfo struct {
	ID      string
	Name    string
	Status  string
	Running bool
}

// ContainerSpec is everything Create needs to assemble a batch container.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	User        string
	RAM         int64 // MiB; applied as both memory and memswap limit
	Runtime     string
	Env         []string
	Network     string
	Devices     []string
	CapAdd      []string
	SecurityOpt []string
}

// DockerEngine is a driver for one node's Docker engine endpoint.
type DockerEngine struct {
	api client.APIClient
}

// NewDockerEngine connects to the engine at baseURL, optionally with TLS
// client certificates. The API version is negotiated with the engine.
func NewDockerEngine(baseURL string, tls *config.TLSConfig) (*DockerEngine, error) {
	opts := []client.Opt{
		client.WithHost(baseURL),
		client.WithAPIVersionNegotiation(),
	}
	if tls != nil {
		opts = append(opts, client.WithTLSClientConfig(tls.CACert, tls.Cert, tls.Key))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to engine at %s: %w", baseURL, err)
	}
	return &DockerEngine{api: api}, nil
}

// Close releases the underlying HTTP client.
func (e *DockerEngine) Close() error {
	return e.api.Close()
}

// Ping checks engine reachability.
func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.api.Ping(ctx); err != nil {
		return fmt.Errorf("ping engine: %w", err)
	}
	return nil
}

// Info reports the node's total RAM and CPU count.
func (e *DockerEngine) Info(ctx context.Context) (HostInfo, error) {
	info, err := e.api.Info(ctx)
	if err != nil {
		return HostInfo{}, fmt.Errorf("engine info: %w", err)
	}
	return HostInfo{
		RAM:  info.MemTotal / (1 << 20),
		CPUs: info.NCPU,
	}, nil
}

// Pull fetches an image, authenticating when credentials are given. The
// progress stream is drained so the engine finishes the pull.
func (e *DockerEngine) Pull(ctx context.Context, url string, auth *types.RegistryAuth) error {
	var opts image.PullOptions
	if auth != nil {
		encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username: auth.Username,
			Password: auth.Password,
		})
		if err != nil {
			return fmt.Errorf("encode registry auth: %w", err)
		}
		opts.RegistryAuth = encoded
	}

	reader, err := e.api.ImagePull(ctx, url, opts)
	if err != nil {
		return fmt.Errorf("pull image %s: %w", url, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", url, err)
	}
	return nil
}

// Create assembles a container from spec without starting it and returns
// the engine container id.
func (e *DockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   strslice.StrSlice(spec.Command),
		User:  spec.User,
		Env:   spec.Env,
	}

	host := &container.HostConfig{
		Runtime:     spec.Runtime,
		CapAdd:      strslice.StrSlice(spec.CapAdd),
		SecurityOpt: spec.SecurityOpt,
	}
	if spec.Network != "" {
		host.NetworkMode = container.NetworkMode(spec.Network)
	}
	if spec.RAM > 0 {
		limit := spec.RAM * (1 << 20)
		host.Resources.Memory = limit
		host.Resources.MemorySwap = limit
	}
	for _, device := range spec.Devices {
		host.Resources.Devices = append(host.Resources.Devices, container.DeviceMapping{
			PathOnHost:        device,
			PathInContainer:   device,
			CgroupPermissions: "rwm",
		})
	}

	resp, err := e.api.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// Start starts a created container.
func (e *DockerEngine) Start(ctx context.Context, id string) error {
	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

// PutArchive extracts a tar archive into the container filesystem at path.
// The container must exist but does not need to be running.
func (e *DockerEngine) PutArchive(ctx context.Context, id, path string, archive io.Reader) error {
	if err := e.api.CopyToContainer(ctx, id, path, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy archive into container %s: %w", id, err)
	}
	return nil
}

// List returns all containers matching the status filter. StatusAny lists
// every container regardless of state.
func (e *DockerEngine) List(ctx context.Context, status string) ([]ContainerInfo, error) {
	opts := container.ListOptions{All: true}
	if status != StatusAny {
		opts.Filters = filters.NewArgs(filters.Arg("status", status))
	}

	summaries, err := e.api.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(summaries))
	for _, summary := range summaries {
		name := ""
		if len(summary.Names) > 0 {
			name = strings.TrimPrefix(summary.Names[0], "/")
		}
		state := string(summary.State)
		infos = append(infos, ContainerInfo{
			ID:      summary.ID,
			Name:    name,
			Status:  state,
			Running: state == StatusRunning,
		})
	}
	return infos, nil
}

// Inspect reports whether the container is still running and its exit code
// once it is not.
func (e *DockerEngine) Inspect(ctx context.Context, id string) (running bool, exitCode int, err error) {
	resp, err := e.api.ContainerInspect(ctx, id)
	if err != nil {
		return false, 0, fmt.Errorf("inspect container %s: %w", id, err)
	}
	if resp.State == nil {
		return false, 0, nil
	}
	return resp.State.Running, resp.State.ExitCode, nil
}

// Logs fetches the container's stdout and stderr, demultiplexed from the
// engine's combined stream.
func (e *DockerEngine) Logs(ctx context.Context, id string) (stdout, stderr []byte, err error) {
	reader, err := e.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch logs of container %s: %w", id, err)
	}
	defer reader.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, reader); err != nil {
		return nil, nil, fmt.Errorf("read logs of container %s: %w", id, err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// Remove deletes a container, killing it first when force is set.
func (e *DockerEngine) Remove(ctx context.Context, id string, force bool) error {
	if err := e.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// RunOneShot creates a throwaway container, waits for it to exit and removes
// it again. A non-zero exit code is reported as an error carrying the
// container's stderr.
func (e *DockerEngine) RunOneShot(ctx context.Context, img string, cmd, env []string, network string) error {
	name := "oneshot-" + uuid.NewString()
	id, err := e.Create(ctx, ContainerSpec{
		Name:    name,
		Image:   img,
		Command: cmd,
		Env:     env,
		Network: network,
	})
	if err != nil {
		return err
	}
	defer e.Remove(context.WithoutCancel(ctx), id, true)

	if err := e.Start(ctx, id); err != nil {
		return err
	}

	waitCh, errCh := e.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("wait for container %s: %w", name, err)
	case result := <-waitCh:
		if result.StatusCode != 0 {
			_, stderr, logErr := e.Logs(ctx, id)
			if logErr != nil {
				return fmt.Errorf("container %s exited with code %d", name, result.StatusCode)
			}
			return fmt.Errorf("container %s exited with code %d: %s",
				name, result.StatusCode, strings.TrimSpace(string(stderr)))
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
