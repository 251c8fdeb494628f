package runtime

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	"github.com/distribution/reference"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/condo/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace for condo
	DefaultNamespace = "condo"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// labelLogPath carries a file log destination from create to start
	labelLogPath = "condo.log-path"
)

// ContainerdConfig configures the containerd engine
type ContainerdConfig struct {
	SocketPath string
	Namespace  string

	// Logger defaults to the global logger with component=containerd
	Logger *zerolog.Logger
}

// ContainerdRuntime implements Runtime using containerd. Containers share the
// host network namespace; containerd has no port publishing of its own.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewContainerdRuntime connects to containerd
func NewContainerdRuntime(config ContainerdConfig) (*ContainerdRuntime, error) {
	if config.SocketPath == "" {
		config.SocketPath = DefaultSocketPath
	}
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}

	client, err := containerd.New(config.SocketPath, containerd.WithDefaultNamespace(config.Namespace))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	logger := log.WithComponent("containerd")
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: config.Namespace,
		logger:    logger,
	}, nil
}

// Name returns "containerd"
func (r *ContainerdRuntime) Name() string {
	return "containerd"
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls and unpacks name:tag, returning the manifest digest
func (r *ContainerdRuntime) PullImage(ctx context.Context, name, tag string) (string, error) {
	ref, err := normalizeRef(name, tag)
	if err != nil {
		return "", err
	}

	image, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return "", &PullError{Image: ref, Message: err.Error()}
	}

	return image.Target().Digest.String(), nil
}

// CreateContainer creates a container and its snapshot
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, config ContainerConfig) (string, error) {
	ref, err := normalizeRef(config.Image, "")
	if err != nil {
		return "", err
	}

	image, err := r.client.GetImage(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", ref, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(config.Env),
	}
	if len(config.Cmd) > 0 {
		opts = append(opts, oci.WithProcessArgs(config.Cmd...))
	}
	if config.User != "" {
		opts = append(opts, oci.WithUser(config.User))
	}
	if config.Hostname != "" {
		opts = append(opts, oci.WithHostname(config.Hostname))
	}
	if config.Privileged {
		opts = append(opts, oci.WithPrivileged)
	}

	switch config.NetworkMode {
	case "", "host":
		opts = append(opts,
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostHostsFile,
			oci.WithHostResolvconf,
		)
	default:
		r.logger.Warn().
			Str("container", config.Name).
			Str("network_mode", config.NetworkMode).
			Msg("containerd engine only supports host networking, ignoring network mode")
	}
	for _, p := range config.Ports {
		if p.HostPort != p.ContainerPort {
			r.logger.Warn().
				Str("container", config.Name).
				Str("port", p.Key()).
				Uint16("host_port", p.HostPort).
				Msg("containerd engine cannot remap ports, service listens on its container port")
		}
	}

	if len(config.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(config.Mounts))
		for _, m := range config.Mounts {
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Target,
				Type:        "bind",
				Options:     []string{"rbind", "rw"},
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	labels := make(map[string]string, len(config.Labels)+1)
	for k, v := range config.Labels {
		labels[k] = v
	}
	if config.Log != nil {
		if config.Log.Type == "file" && config.Log.Config["path"] != "" {
			labels[labelLogPath] = config.Log.Config["path"]
		} else {
			r.logger.Warn().Str("container", config.Name).Str("log_type", config.Log.Type).
				Msg("containerd engine only supports the file log driver, discarding output")
		}
	}

	container, err := r.client.NewContainer(
		ctx,
		config.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(config.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

// StartContainer creates and starts the container's task
func (r *ContainerdRuntime) StartContainer(ctx context.Context, id string) error {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, notFound(err))
	}

	creator := cio.NullIO
	labels, err := container.Labels(ctx)
	if err == nil && labels[labelLogPath] != "" {
		creator = cio.LogFile(labels[labelLogPath])
	}

	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// StopContainer sends SIGTERM, then SIGKILL after timeout, and deletes the task
func (r *ContainerdRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get task: %w", err)
	}

	// subscribe to exit before signalling so the exit cannot be missed
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-statusC:
	case <-timer.C:
		r.logger.Warn().Str("container", id).Dur("timeout", timeout).Msg("Task ignored SIGTERM, killing")
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		select {
		case <-statusC:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// RemoveContainer deletes the container and its snapshot, killing any task
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, id string) error {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			r.logger.Warn().Err(err).Str("container", id).Msg("Failed to delete task before removal")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// IsRunning reports whether the container's task is running or paused
func (r *ContainerdRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return true, nil
	default:
		return false, nil
	}
}

// normalizeRef turns a familiar image name into the fully qualified form
// containerd's image store uses (nginx:1.25 -> docker.io/library/nginx:1.25).
func normalizeRef(name, tag string) (string, error) {
	raw := name
	if tag != "" {
		raw = name + ":" + tag
	}
	ref, err := reference.ParseDockerRef(raw)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", raw, err)
	}
	return ref.String(), nil
}

func notFound(err error) error {
	if errdefs.IsNotFound(err) {
		return errors.Join(ErrNotFound, err)
	}
	return err
}
