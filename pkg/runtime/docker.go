package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/cuemby/condo/pkg/log"
)

const (
	// DefaultDockerHost is used when DOCKER_HOST is unset
	DefaultDockerHost = "unix:///var/run/docker.sock"

	// DefaultRequestTimeout bounds every non-streaming engine request
	DefaultRequestTimeout = 30 * time.Second
)

// DockerConfig configures the Docker Engine client
type DockerConfig struct {
	// Host is a DOCKER_HOST style address: unix:///path, tcp://host:port,
	// http(s)://host:port or a bare host:port
	Host string

	// APIVersion pins the engine API version. Empty negotiates it with the
	// daemon on the first request.
	APIVersion string

	RequestTimeout time.Duration

	// Logger defaults to the global logger with component=docker
	Logger *zerolog.Logger
}

// DockerRuntime drives the Docker Engine through the official client
type DockerRuntime struct {
	client  *client.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// NewDockerRuntime creates a Docker Engine client. No connection is made
// until the first request.
func NewDockerRuntime(config DockerConfig) (*DockerRuntime, error) {
	host, err := dockerHost(config.Host)
	if err != nil {
		return nil, err
	}

	opts := []client.Opt{client.WithHost(host)}
	if config.APIVersion != "" {
		opts = append(opts, client.WithVersion(strings.TrimPrefix(config.APIVersion, "v")))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid docker host %q: %w", config.Host, err)
	}

	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	logger := log.WithComponent("docker")
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &DockerRuntime{client: cli, timeout: timeout, logger: logger}, nil
}

// dockerHost turns the accepted host forms into one the client parses
func dockerHost(host string) (string, error) {
	switch {
	case host == "":
		return DefaultDockerHost, nil
	case strings.HasPrefix(host, "unix://"):
		if strings.TrimPrefix(host, "unix://") == "" {
			return "", fmt.Errorf("invalid docker host %q: empty socket path", host)
		}
		return host, nil
	case strings.HasPrefix(host, "tcp://"):
		return host, nil
	case strings.HasPrefix(host, "http://"):
		return "tcp://" + strings.TrimSuffix(strings.TrimPrefix(host, "http://"), "/"), nil
	case strings.HasPrefix(host, "https://"):
		return "tcp://" + strings.TrimSuffix(strings.TrimPrefix(host, "https://"), "/"), nil
	case strings.Contains(host, "://"):
		return "", fmt.Errorf("invalid docker host %q: unsupported scheme", host)
	default:
		return "tcp://" + host, nil
	}
}

// Name returns "docker"
func (r *DockerRuntime) Name() string {
	return "docker"
}

// Close releases the client's connections
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

// PullImage pulls name:tag and returns the resulting image id. Progress
// messages are logged at debug level; an error message in the stream aborts
// the pull with a *PullError.
func (r *DockerRuntime) PullImage(ctx context.Context, name, tag string) (string, error) {
	ref, err := imageRef(name, tag)
	if err != nil {
		return "", err
	}

	stream, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", ref, engineError(err))
	}
	defer stream.Close()

	decoder := json.NewDecoder(stream)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("failed to read pull progress for %s: %w", ref, err)
		}
		if msg.Error != nil || msg.ErrorMessage != "" {
			message := msg.ErrorMessage
			if msg.Error != nil && msg.Error.Message != "" {
				message = msg.Error.Message
			}
			return "", &PullError{Image: ref, Message: message}
		}
		if msg.Status != "" {
			r.logger.Debug().Str("image", ref).Str("layer", msg.ID).Msg(msg.Status)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	inspect, _, err := r.client.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to inspect image %s: %w", ref, engineError(err))
	}
	return inspect.ID, nil
}

// dockerCreate translates a ContainerConfig into the engine's create body
func dockerCreate(config ContainerConfig) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:    config.Image,
		Cmd:      config.Cmd,
		Env:      config.Env,
		User:     config.User,
		Hostname: config.Hostname,
		Labels:   config.Labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(config.NetworkMode),
		Privileged:  config.Privileged,
	}

	if len(config.Ports) > 0 {
		cfg.ExposedPorts = make(nat.PortSet, len(config.Ports))
		hostCfg.PortBindings = make(nat.PortMap, len(config.Ports))
		for _, p := range config.Ports {
			port := nat.Port(p.Key())
			cfg.ExposedPorts[port] = struct{}{}
			hostCfg.PortBindings[port] = append(hostCfg.PortBindings[port],
				nat.PortBinding{HostPort: strconv.Itoa(int(p.HostPort))})
		}
	}

	for _, m := range config.Mounts {
		hostCfg.Binds = append(hostCfg.Binds, m.Source+":"+m.Target)
	}

	if config.Log != nil {
		hostCfg.LogConfig = container.LogConfig{Type: config.Log.Type, Config: config.Log.Config}
	}

	return cfg, hostCfg
}

// CreateContainer creates a container and returns its id
func (r *DockerRuntime) CreateContainer(ctx context.Context, config ContainerConfig) (string, error) {
	cfg, hostCfg := dockerCreate(config)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	created, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, config.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", config.Name, engineError(err))
	}
	for _, w := range created.Warnings {
		r.logger.Warn().Str("container", config.Name).Msg(w)
	}
	return created.ID, nil
}

// StartContainer starts a created container
func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, engineError(err))
	}
	return nil
}

// StopContainer stops a container, killing it after timeout
func (r *DockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())

	ctx, cancel := context.WithTimeout(ctx, timeout+r.timeout)
	defer cancel()

	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", id, engineError(err))
	}
	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes
func (r *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", id, engineError(err))
	}
	return nil
}

// IsRunning inspects the container state
func (r *DockerRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	inspect, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container %s: %w", id, engineError(err))
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// engineError marks the client's not-found errors with ErrNotFound
func engineError(err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// imageRef normalizes a name and tag into the reference to pull and
// inspect. A digest or tag embedded in name wins over the separate tag.
func imageRef(name, tag string) (string, error) {
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return "", fmt.Errorf("invalid image name %q: %w", name, err)
	}
	familiar := reference.FamiliarName(named)
	if digested, ok := named.(reference.Digested); ok {
		return familiar + "@" + digested.Digest().String(), nil
	}
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	if tag == "" {
		tag = "latest"
	}
	return familiar + ":" + tag, nil
}
