package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/condo/pkg/config"
	"github.com/cuemby/condo/pkg/consul"
	"github.com/cuemby/condo/pkg/deploy"
	"github.com/cuemby/condo/pkg/dispatcher"
	"github.com/cuemby/condo/pkg/events"
	"github.com/cuemby/condo/pkg/log"
	"github.com/cuemby/condo/pkg/metrics"
	"github.com/cuemby/condo/pkg/runtime"
	"github.com/cuemby/condo/pkg/spec"
	"github.com/cuemby/condo/pkg/storage"
)

// Options overrides parts of the agent built from config. Zero values use
// the configured implementation.
type Options struct {
	Runtime  runtime.Runtime
	Registry deploy.Registry

	// MetricsListener replaces listening on Metrics.Addr
	MetricsListener net.Listener
}

// Agent runs one watched deployment on this host
type Agent struct {
	config     *config.Config
	runtime    runtime.Runtime
	consul     *consul.Client
	broker     *events.Broker
	dispatcher *dispatcher.Dispatcher
	history    storage.Store
	recorder   *storage.Recorder
	metrics    *metrics.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// New builds an agent from a validated config
func New(cfg *config.Config, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		config:   cfg,
		broker:   events.NewBroker(),
		listener: opts.MetricsListener,
		logger:   log.WithComponent("agent"),
	}

	client, err := consul.NewClient(consul.Config{
		Address: cfg.Consul.Address,
		Token:   cfg.Consul.Token,
	})
	if err != nil {
		return nil, err
	}
	a.consul = client

	a.runtime = opts.Runtime
	if a.runtime == nil {
		if a.runtime, err = newRuntime(cfg.Engine); err != nil {
			metrics.RegisterComponent(metrics.ComponentEngine, false, err.Error())
			return nil, err
		}
	}
	metrics.RegisterComponent(metrics.ComponentEngine, true, a.runtime.Name())

	registry := opts.Registry
	if registry == nil {
		registry = client
	}

	deployer, err := deploy.NewDeployer(deploy.Config{
		Runtime:       a.runtime,
		Registry:      registry,
		AdvertiseHost: cfg.Deploy.AdvertiseHost,
	})
	if err != nil {
		a.runtime.Close()
		return nil, err
	}

	a.dispatcher, err = dispatcher.New(dispatcher.Config{
		Backend:        deployer,
		QueueSize:      cfg.Deploy.QueueSize,
		HealthDeadline: cfg.Deploy.HealthDeadline,
		Broker:         a.broker,
	})
	if err != nil {
		a.runtime.Close()
		return nil, err
	}

	if cfg.History.Path != "" {
		store, err := storage.NewBoltStore(cfg.History.Path)
		if err != nil {
			a.runtime.Close()
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		a.history = store
		a.recorder = storage.NewRecorder(store, time.Now(), nil)
	}

	if cfg.Metrics.Addr != "" || a.listener != nil {
		a.metrics = metrics.NewServer(cfg.Metrics.Addr)
		if a.history != nil {
			a.metrics.Handle("/history", storage.Handler(a.history))
		}
	}

	if cfg.SpecFile != "" {
		metrics.SetCriticalComponents(metrics.ComponentEngine, metrics.ComponentDispatcher)
	} else {
		metrics.SetCriticalComponents(metrics.ComponentWatch, metrics.ComponentEngine, metrics.ComponentDispatcher)
	}

	return a, nil
}

func newRuntime(cfg config.EngineConfig) (runtime.Runtime, error) {
	switch cfg.Kind {
	case config.EngineContainerd:
		return runtime.NewContainerdRuntime(runtime.ContainerdConfig{
			SocketPath: cfg.ContainerdSocket,
			Namespace:  cfg.ContainerdNamespace,
		})
	default:
		return runtime.NewDockerRuntime(runtime.DockerConfig{
			Host:       cfg.DockerHost,
			APIVersion: cfg.DockerAPIVersion,
		})
	}
}

// Dispatcher returns the agent's dispatcher
func (a *Agent) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

// Run feeds descriptors to the dispatcher until ctx ends. Running
// containers are left in place on return.
func (a *Agent) Run(ctx context.Context) error {
	a.broker.Start()
	defer a.broker.Stop()
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)

	if a.recorder != nil {
		sub := a.broker.Subscribe()
		g.Go(func() error {
			a.recorder.Run(ctx, sub)
			return nil
		})
	}

	engineEvents := a.broker.Subscribe()
	g.Go(func() error {
		a.watchEngine(ctx, engineEvents)
		return nil
	})

	if a.metrics != nil {
		if err := a.serveMetrics(ctx, g); err != nil {
			return err
		}
	}

	g.Go(func() error {
		return a.dispatcher.Run(ctx)
	})

	g.Go(func() error {
		if a.config.SpecFile != "" {
			return a.feedFile(ctx)
		}
		a.checkConsul(ctx)
		a.feedWatch(ctx)
		return nil
	})

	a.logger.Info().
		Str("engine", a.runtime.Name()).
		Str("consul", a.consul.Address()).
		Str("key", a.config.Consul.Key).
		Str("spec_file", a.config.SpecFile).
		Msg("Agent started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info().Msg("Agent stopped")
	return err
}

func (a *Agent) serveMetrics(ctx context.Context, g *errgroup.Group) error {
	l := a.listener
	if l == nil {
		var err error
		if l, err = net.Listen("tcp", a.config.Metrics.Addr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.config.Metrics.Addr, err)
		}
	}

	g.Go(func() error {
		return a.metrics.Serve(l)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.metrics.Shutdown(shutdownCtx)
	})
	return nil
}

// checkConsul logs the cluster leader seen by the agent. Failure is only
// logged: the watch retries on its own.
func (a *Agent) checkConsul(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	leader, err := a.consul.Leader(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Str("consul", a.consul.Address()).Msg("Consul agent not reachable yet")
		return
	}
	a.logger.Info().Str("consul", a.consul.Address()).Str("leader", leader).Msg("Connected to Consul")
}

// feedWatch turns each payload from the Consul watch into a NewSpec event
func (a *Agent) feedWatch(ctx context.Context) {
	watcher := consul.NewWatcher(a.consul, consul.WatcherConfig{
		Key:         a.config.Consul.Key,
		Wait:        a.config.Consul.Wait,
		RetryDelay:  a.config.Consul.RetryDelay,
		MinInterval: a.config.Consul.MinInterval,
	})

	for payload := range watcher.Watch(ctx) {
		s, err := spec.Decode(payload)
		if err != nil {
			metrics.SpecDecodeErrors.Inc()
			a.logger.Error().Err(err).Str("key", a.config.Consul.Key).Msg("Rejected descriptor")
			a.broker.Publish(&events.Event{
				Type:     events.EventSpecRejected,
				Message:  "descriptor rejected",
				Metadata: map[string]string{events.MetaError: err.Error()},
			})
			continue
		}

		if err := a.submit(ctx, s); err != nil {
			return
		}
	}
}

// feedFile submits the local descriptor once and waits for ctx
func (a *Agent) feedFile(ctx context.Context) error {
	s, err := spec.ReadFile(a.config.SpecFile)
	if err != nil {
		metrics.SpecDecodeErrors.Inc()
		return err
	}
	if err := a.submit(ctx, s); err != nil {
		return nil
	}
	<-ctx.Done()
	return nil
}

func (a *Agent) submit(ctx context.Context, s spec.Spec) error {
	a.broker.Publish(&events.Event{
		Type:    events.EventSpecReceived,
		Message: "descriptor received",
		Metadata: map[string]string{
			events.MetaImage: s.Image.Reference(),
			events.MetaName:  s.DisplayName(),
		},
	})
	a.logger.Info().Str("image", s.Image.Reference()).Msg("Descriptor received")
	return a.dispatcher.Submit(ctx, dispatcher.NewSpec(s))
}

// watchEngine tracks engine health from start outcomes
func (a *Agent) watchEngine(ctx context.Context, sub events.Subscriber) {
	defer a.broker.Unsubscribe(sub)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch {
			case ev.Type == events.EventDeployStarted:
				metrics.UpdateComponent(metrics.ComponentEngine, true, a.runtime.Name())
			case ev.Type == events.EventDeployFailed && ev.Metadata[events.MetaError] != "":
				metrics.UpdateComponent(metrics.ComponentEngine, false, ev.Metadata[events.MetaError])
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) close() {
	if err := a.runtime.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close engine client")
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close history")
		}
	}
}
