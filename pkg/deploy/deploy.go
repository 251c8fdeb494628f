package deploy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"

	"github.com/cuemby/condo/pkg/consul"
	"github.com/cuemby/condo/pkg/dispatcher"
	"github.com/cuemby/condo/pkg/health"
	"github.com/cuemby/condo/pkg/log"
	"github.com/cuemby/condo/pkg/metrics"
	"github.com/cuemby/condo/pkg/runtime"
	"github.com/cuemby/condo/pkg/spec"
)

const (
	// DefaultAdvertiseHost is the address services are registered and checked at
	DefaultAdvertiseHost = "127.0.0.1"

	// Container labels
	LabelGeneration = "condo.generation"
	LabelName       = "condo.name"
	LabelImage      = "condo.image"

	// MetaGeneration is the service meta key carrying the generation. Consul
	// meta keys allow no dots.
	MetaGeneration = "condo_generation"

	cleanupTimeout = 30 * time.Second
)

// Registry registers services and resolves discoveries
type Registry interface {
	RegisterService(ctx context.Context, svc *api.AgentServiceRegistration) error
	DeregisterService(ctx context.Context, id string) error
	HealthyInstances(ctx context.Context, service, tag string) ([]consul.Instance, error)
}

// Config configures a Deployer
type Config struct {
	Runtime  runtime.Runtime
	Registry Registry

	// AdvertiseHost defaults to DefaultAdvertiseHost
	AdvertiseHost string

	// AliveInterval is how often the container is inspected during a
	// health wait (default 2s)
	AliveInterval time.Duration

	// Logger defaults to the global logger with component=deployer
	Logger *zerolog.Logger
}

// Deployer runs Deploys as containers registered in Consul. It implements
// dispatcher.Backend.
type Deployer struct {
	runtime       runtime.Runtime
	registry      Registry
	advertiseHost string
	aliveInterval time.Duration
	logger        zerolog.Logger
}

var _ dispatcher.Backend = (*Deployer)(nil)

// NewDeployer creates a Deployer
func NewDeployer(config Config) (*Deployer, error) {
	if config.Runtime == nil {
		return nil, errors.New("deployer: runtime is required")
	}
	if config.Registry == nil {
		return nil, errors.New("deployer: registry is required")
	}
	if config.AdvertiseHost == "" {
		config.AdvertiseHost = DefaultAdvertiseHost
	}
	if config.AliveInterval <= 0 {
		config.AliveInterval = 2 * time.Second
	}

	logger := log.WithComponent("deployer")
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Deployer{
		runtime:       config.Runtime,
		registry:      config.Registry,
		advertiseHost: config.AdvertiseHost,
		aliveInterval: config.AliveInterval,
		logger:        logger,
	}, nil
}

// Handle is a started Deploy
type Handle struct {
	Generation    uint64
	ContainerID   string
	ContainerName string
	ServiceIDs    []string
	Spec          spec.Spec

	mu      sync.Mutex
	stopped bool
}

// String returns the container name
func (h *Handle) String() string {
	return h.ContainerName
}

// Start pulls the image, resolves discoveries, creates and starts the
// container and registers its services. Anything created before a failure
// is removed again.
func (d *Deployer) Start(ctx context.Context, deploy dispatcher.Deploy) (dispatcher.Handle, error) {
	s := deploy.Spec
	logger := d.logger.With().Uint64("generation", deploy.Generation).Str("image", s.Image.Reference()).Logger()

	env, err := d.environment(ctx, s)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	imageID, err := d.runtime.PullImage(ctx, s.Image.Name, s.Image.Tag)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}
	timer.ObserveDuration(metrics.ImagePullDuration)
	logger.Info().Str("image_id", imageID).Dur("took", timer.Duration()).Msg("Image pulled")

	h := &Handle{
		Generation:    deploy.Generation,
		ContainerName: ContainerName(s, deploy.Generation),
		Spec:          s,
	}

	id, err := d.runtime.CreateContainer(ctx, d.containerConfig(s, h, env))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	h.ContainerID = id

	if err := d.runtime.StartContainer(ctx, id); err != nil {
		d.cleanup(ctx, h, s.KillTimeout)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	logger.Info().Str("container_id", id).Str("container", h.ContainerName).Msg("Container started")

	for _, svc := range s.Services {
		reg := d.registration(h, svc)
		if err := d.registry.RegisterService(ctx, reg); err != nil {
			d.cleanup(ctx, h, s.KillTimeout)
			return nil, fmt.Errorf("failed to register service %s: %w", svc.Name, err)
		}
		h.ServiceIDs = append(h.ServiceIDs, reg.ID)
	}

	return h, nil
}

// AwaitHealth runs every service's check until all pass, the container
// exits, or ctx ends
func (d *Deployer) AwaitHealth(ctx context.Context, handle dispatcher.Handle) dispatcher.Verdict {
	h, ok := handle.(*Handle)
	if !ok {
		return dispatcher.Failed(fmt.Sprintf("unknown handle %s", handle))
	}

	logger := d.logger.With().Uint64("generation", h.Generation).Str("container", h.ContainerName).Logger()
	waiter := &health.Waiter{
		Targets: d.targets(h.Spec),
		Alive: func(ctx context.Context) (bool, error) {
			return d.runtime.IsRunning(ctx, h.ContainerID)
		},
		AliveInterval: d.aliveInterval,
		Logger:        logger,
	}

	if err := waiter.Wait(ctx); err != nil {
		return dispatcher.Failed(err.Error())
	}
	return dispatcher.Stable()
}

// Stop deregisters the services, stops and removes the container. A handle
// is stopped at most once; later calls return nil.
func (d *Deployer) Stop(ctx context.Context, handle dispatcher.Handle, killTimeout time.Duration) error {
	h, ok := handle.(*Handle)
	if !ok {
		return fmt.Errorf("unknown handle %s", handle)
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	var errs []error
	for _, id := range h.ServiceIDs {
		if err := d.registry.DeregisterService(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.runtime.StopContainer(ctx, h.ContainerID, killTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := d.runtime.RemoveContainer(ctx, h.ContainerID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// cleanup undoes a partial start, detached from ctx's cancellation
func (d *Deployer) cleanup(ctx context.Context, h *Handle, killTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout+cleanupTimeout)
	defer cancel()

	if killTimeout <= 0 {
		killTimeout = spec.DefaultStopTimeout
	}
	if err := d.Stop(ctx, h, killTimeout); err != nil {
		d.logger.Warn().Err(err).Str("container", h.ContainerName).Msg("Cleanup after failed start was incomplete")
	}
}

// environment returns the descriptor's envs followed by resolved discoveries
func (d *Deployer) environment(ctx context.Context, s spec.Spec) ([]string, error) {
	env := make([]string, 0, len(s.Envs)+len(s.Discoveries))
	for _, e := range s.Envs {
		env = append(env, e.Name+"="+e.Value)
	}

	for _, disc := range s.Discoveries {
		instances, err := d.registry.HealthyInstances(ctx, disc.Service, disc.Tag)
		if err != nil {
			return nil, fmt.Errorf("failed to discover %s: %w", disc.Service, err)
		}
		if len(instances) == 0 {
			return nil, fmt.Errorf("no healthy instance of %s", disc.Service)
		}

		value := instances[0].HostPort()
		if disc.Multiple {
			addrs := make([]string, 0, len(instances))
			for _, inst := range instances {
				addrs = append(addrs, inst.HostPort())
			}
			value = strings.Join(addrs, ",")
		}
		env = append(env, disc.Env+"="+value)
	}
	return env, nil
}

func (d *Deployer) containerConfig(s spec.Spec, h *Handle, env []string) runtime.ContainerConfig {
	config := runtime.ContainerConfig{
		Name:        h.ContainerName,
		Image:       s.Image.Reference(),
		Cmd:         s.Cmd,
		Env:         env,
		User:        s.User,
		Hostname:    s.Host,
		NetworkMode: s.NetworkMode,
		Privileged:  s.Privileged,
		Labels: map[string]string{
			LabelGeneration: strconv.FormatUint(h.Generation, 10),
			LabelName:       s.DisplayName(),
			LabelImage:      s.Image.Reference(),
		},
	}

	for _, svc := range s.Services {
		config.Ports = append(config.Ports, runtime.PortBinding{
			ContainerPort: svc.Port,
			HostPort:      svc.PublishedPort(),
			Protocol:      svc.Protocol(),
		})
	}
	for _, v := range s.Volumes {
		config.Mounts = append(config.Mounts, runtime.Mount{Source: v.From, Target: v.To})
	}
	if s.Log != nil {
		config.Log = &runtime.LogConfig{Type: s.Log.Type, Config: s.Log.Config}
	}
	return config
}

func (d *Deployer) serviceAddress(svc spec.Service) string {
	return net.JoinHostPort(d.advertiseHost, strconv.Itoa(int(svc.PublishedPort())))
}

func (d *Deployer) registration(h *Handle, svc spec.Service) *api.AgentServiceRegistration {
	reg := &api.AgentServiceRegistration{
		ID:      h.ContainerName + "-" + svc.Name,
		Name:    svc.Name,
		Tags:    svc.Tags,
		Address: d.advertiseHost,
		Port:    int(svc.PublishedPort()),
		Meta: map[string]string{
			MetaGeneration: strconv.FormatUint(h.Generation, 10),
		},
	}

	check := &api.AgentServiceCheck{
		Interval: svc.Check.Interval.String(),
		Timeout:  svc.Check.Timeout.String(),
	}
	switch svc.Check.Method.Kind {
	case spec.CheckScript:
		check.Args = []string{"sh", "-c", svc.Check.Method.Arg}
	case spec.CheckHTTP:
		check.HTTP = svc.Check.Method.Arg
	case spec.CheckHTTPPath:
		check.HTTP = "http://" + d.serviceAddress(svc) + svc.Check.Method.Arg
	}
	reg.Check = check
	return reg
}

// targets builds one health target per declared service
func (d *Deployer) targets(s spec.Spec) []health.Target {
	targets := make([]health.Target, 0, len(s.Services))
	for _, svc := range s.Services {
		config := health.Config{Interval: svc.Check.Interval, Timeout: svc.Check.Timeout}

		var checker health.Checker
		switch svc.Check.Method.Kind {
		case spec.CheckScript:
			checker = health.NewExecChecker(svc.Check.Method.Arg).WithTimeout(svc.Check.Timeout)
		case spec.CheckHTTP:
			checker = health.NewHTTPChecker(svc.Check.Method.Arg).WithTimeout(svc.Check.Timeout)
		default:
			checker = health.NewHTTPChecker("http://" + d.serviceAddress(svc) + svc.Check.Method.Arg).WithTimeout(svc.Check.Timeout)
		}

		targets = append(targets, health.Target{Name: svc.Name, Checker: checker, Config: config})
	}
	return targets
}

// ContainerName returns "<name>-<generation>-<8 hex>", unique per start
func ContainerName(s spec.Spec, generation uint64) string {
	base := path.Base(s.DisplayName())
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, base)
	base = strings.Trim(base, "-.")
	if base == "" {
		base = "condo"
	}
	return fmt.Sprintf("%s-%d-%s", base, generation, uuid.New().String()[:8])
}
