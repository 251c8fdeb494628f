package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a container or image does not exist
var ErrNotFound = errors.New("not found")

// Runtime is a container engine able to run one Deploy's container
type Runtime interface {
	// Name identifies the engine in logs ("docker", "containerd")
	Name() string

	// PullImage fetches name:tag and returns the local image id
	PullImage(ctx context.Context, name, tag string) (string, error)

	// CreateContainer creates a container and returns its id
	CreateContainer(ctx context.Context, config ContainerConfig) (string, error)

	StartContainer(ctx context.Context, id string) error

	// StopContainer sends SIGTERM and kills after timeout. A missing
	// container is not an error.
	StopContainer(ctx context.Context, id string, timeout time.Duration) error

	// RemoveContainer deletes a container. A missing container is not an error.
	RemoveContainer(ctx context.Context, id string) error

	// IsRunning reports whether the container's process is alive. A missing
	// container is not running.
	IsRunning(ctx context.Context, id string) (bool, error)

	Close() error
}

// PortBinding publishes a container port on the host
type PortBinding struct {
	ContainerPort uint16
	HostPort      uint16
	Protocol      string // tcp or udp
}

// Key returns the engine form "<port>/<proto>"
func (p PortBinding) Key() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d/%s", p.ContainerPort, proto)
}

// Mount bind-mounts a host path into the container
type Mount struct {
	Source string
	Target string
}

// LogConfig selects the engine's log driver
type LogConfig struct {
	Type   string
	Config map[string]string
}

// ContainerConfig describes a container to create
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	User        string
	Hostname    string
	NetworkMode string
	Privileged  bool
	Ports       []PortBinding
	Mounts      []Mount
	Log         *LogConfig
	Labels      map[string]string
}

// PullError is reported by the engine while streaming an image pull
type PullError struct {
	Image   string
	Message string
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull %s: %s", e.Image, e.Message)
}
