package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/condo/pkg/events"
	"github.com/cuemby/condo/pkg/log"
	"github.com/cuemby/condo/pkg/metrics"
	"github.com/cuemby/condo/pkg/spec"
)

const (
	// DefaultQueueSize is the capacity of the event queue
	DefaultQueueSize = 16

	// DefaultHealthDeadline bounds a health wait when the candidate has no kill_timeout
	DefaultHealthDeadline = 2 * time.Minute

	// shutdownStopTimeout bounds each scheduled stop run during shutdown,
	// on top of the Deploy's kill timeout
	shutdownStopTimeout = 30 * time.Second
)

// ErrClosed is returned by Submit once the dispatcher has shut down
var ErrClosed = errors.New("dispatcher is closed")

// Config configures a Dispatcher
type Config struct {
	Backend        Backend
	QueueSize      int
	HealthDeadline time.Duration

	// Broker receives lifecycle events. Optional.
	Broker *events.Broker

	// Logger defaults to the global logger with component=dispatcher
	Logger *zerolog.Logger
}

type scheduledStop struct {
	deploy Deploy
	timer  *time.Timer
}

type stateBox struct {
	state State
}

// Dispatcher owns a Machine and serializes every event through one goroutine.
// Backend calls run on separate goroutines and report back via Submit.
type Dispatcher struct {
	backend        Backend
	healthDeadline time.Duration
	broker         *events.Broker
	logger         zerolog.Logger

	queue    chan Event
	done     chan struct{}
	closeOne sync.Once

	// owned by the Run goroutine
	machine Machine
	stopping []chan struct{}

	snapshot atomic.Value

	effectCtx    context.Context
	effectCancel context.CancelFunc
	effects      sync.WaitGroup

	mu        sync.Mutex
	closing   bool
	handles   map[uint64]Handle
	scheduled map[uint64]scheduledStop
}

// New creates a Dispatcher in Start
func New(config Config) (*Dispatcher, error) {
	if config.Backend == nil {
		return nil, errors.New("dispatcher: backend is required")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.HealthDeadline <= 0 {
		config.HealthDeadline = DefaultHealthDeadline
	}

	logger := log.WithComponent("dispatcher")
	if config.Logger != nil {
		logger = *config.Logger
	}

	effectCtx, effectCancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		backend:        config.Backend,
		healthDeadline: config.HealthDeadline,
		broker:         config.Broker,
		logger:         logger,
		queue:          make(chan Event, config.QueueSize),
		done:           make(chan struct{}),
		machine:        NewMachine(),
		effectCtx:      effectCtx,
		effectCancel:   effectCancel,
		handles:        make(map[uint64]Handle),
		scheduled:      make(map[uint64]scheduledStop),
	}
	d.snapshot.Store(stateBox{state: Start{}})
	return d, nil
}

// State returns the most recently committed state. Safe from any goroutine.
func (d *Dispatcher) State() State {
	return d.snapshot.Load().(stateBox).state
}

// Submit enqueues an event, blocking while the queue is full
func (d *Dispatcher) Submit(ctx context.Context, ev Event) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	select {
	case d.queue <- ev:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx ends, then shuts down: in-flight starts and
// health waits are cancelled and pending scheduled stops run immediately.
// Running Deploys are left alone.
func (d *Dispatcher) Run(ctx context.Context) error {
	metrics.RegisterComponent(metrics.ComponentDispatcher, true, Start{}.Name())
	metrics.SetState(Start{}.Name(), StateNames)

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case ev := <-d.queue:
			d.step(ev)
		}
	}
}

func (d *Dispatcher) step(ev Event) {
	next, out, err := d.machine.Apply(ev)
	if err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, ErrStaleVerdict):
			reason = "stale"
		case errors.Is(err, ErrUnexpectedVerdict):
			reason = "unexpected"
		}
		metrics.DispatcherDroppedEvents.WithLabelValues(reason).Inc()
		d.logger.Warn().Err(err).
			Str("state", d.machine.State().Name()).
			Str("event", ev.Kind.String()).
			Msg("Dropped event")
		return
	}

	d.machine = next
	state := next.State()
	d.snapshot.Store(stateBox{state: state})

	if out.Superseded != nil {
		d.logger.Info().Str("image", out.Superseded.Image.Reference()).Msg("Queued descriptor superseded by a newer one")
		d.publish(events.EventSpecSuperseded, "descriptor superseded before it was deployed", map[string]string{
			events.MetaImage: out.Superseded.Image.Reference(),
			events.MetaName:  out.Superseded.DisplayName(),
		})
	}
	if out.Queued {
		metrics.DispatcherQueuedSpecs.Inc()
		candidate, _ := CandidateOf(state)
		d.logger.Info().
			Str("image", ev.Spec.Image.Reference()).
			Uint64("generation", candidate.Generation).
			Msg("Candidate in flight, descriptor queued")
	}

	for _, tr := range out.Transitions {
		metrics.DispatcherTransitions.WithLabelValues(tr.From, tr.To, tr.Event.String()).Inc()
		d.logger.Info().
			Str("from", tr.From).
			Str("state", tr.To).
			Str("event", tr.Event.String()).
			Msg("State changed")
		d.publish(events.EventStateChanged, tr.From+" -> "+tr.To, map[string]string{
			events.MetaFrom:    tr.From,
			events.MetaTo:      tr.To,
			events.MetaTrigger: tr.Event.String(),
		})
	}
	if len(out.Transitions) > 0 {
		metrics.SetState(state.Name(), StateNames)
		metrics.UpdateComponent(metrics.ComponentDispatcher, true, state.Name())
	}

	if len(out.Effects) > 0 {
		// starts wait for the stops of earlier transitions: a stopping
		// container may still hold the host ports the next one binds
		earlier := d.pendingStops()
		stopped := make([]chan struct{}, len(out.Effects))
		for i, effect := range out.Effects {
			if _, ok := effect.(StopDeploy); ok {
				stopped[i] = make(chan struct{})
				d.stopping = append(d.stopping, stopped[i])
			}
		}

		d.effects.Add(1)
		go d.execute(out.Effects, stopped, earlier)
	}
}

// pendingStops drops finished stops and returns the ones still running
func (d *Dispatcher) pendingStops() []chan struct{} {
	running := d.stopping[:0]
	for _, ch := range d.stopping {
		select {
		case <-ch:
		default:
			running = append(running, ch)
		}
	}
	d.stopping = running
	return append([]chan struct{}(nil), running...)
}

// execute runs one transition's effects in order. stopped[i] is closed once
// the StopDeploy at effects[i] returns.
func (d *Dispatcher) execute(effects []Effect, stopped, earlier []chan struct{}) {
	defer d.effects.Done()

	for i, effect := range effects {
		switch e := effect.(type) {
		case StopDeploy:
			d.stop(d.effectCtx, e.Deploy)
			close(stopped[i])
		case ScheduleStop:
			d.schedule(e.Deploy, e.After)
		case StartDeploy:
			d.start(e.Deploy, earlier)
		}
	}
}

func (d *Dispatcher) start(deploy Deploy, after []chan struct{}) {
	logger := d.deployLogger(deploy)

	for _, ch := range after {
		select {
		case <-ch:
		case <-d.effectCtx.Done():
			logger.Debug().Msg("Start abandoned while waiting for a stop")
			return
		}
	}

	handle, err := d.backend.Start(d.effectCtx, deploy)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start deploy")
		metrics.DeploysTotal.WithLabelValues("failed").Inc()
		d.publishDeploy(events.EventDeployFailed, deploy, "start failed", err)
		d.report(DeployFailed(deploy.Generation, err.Error()))
		return
	}

	d.mu.Lock()
	d.handles[deploy.Generation] = handle
	d.mu.Unlock()

	logger.Info().Str("container_id", handle.String()).Msg("Deploy started, awaiting health")
	metrics.DeploysTotal.WithLabelValues("started").Inc()
	d.publishDeploy(events.EventDeployStarted, deploy, "deploy started", nil, events.MetaContainer, handle.String())

	deadline := d.healthDeadline
	if deploy.Spec.KillTimeout > 0 {
		deadline = deploy.Spec.KillTimeout
	}
	ctx, cancel := context.WithTimeout(d.effectCtx, deadline)
	timer := metrics.NewTimer()
	verdict := d.backend.AwaitHealth(ctx, handle)
	cancel()

	if verdict.Stable {
		timer.ObserveDurationVec(metrics.HealthWaitDuration, "stable")
		metrics.DeploysTotal.WithLabelValues("stable").Inc()
		logger.Info().Dur("took", timer.Duration()).Msg("Deploy is stable")
		d.publishDeploy(events.EventDeployStable, deploy, "deploy stable", nil)
		d.report(GotStable(deploy.Generation))
		return
	}

	timer.ObserveDurationVec(metrics.HealthWaitDuration, "failed")
	metrics.DeploysTotal.WithLabelValues("failed").Inc()
	logger.Warn().Str("reason", verdict.Reason).Dur("took", timer.Duration()).Msg("Deploy failed health checks")
	d.publishDeploy(events.EventDeployFailed, deploy, verdict.Reason, nil)
	d.report(DeployFailed(deploy.Generation, verdict.Reason))
}

func (d *Dispatcher) report(ev Event) {
	if err := d.Submit(d.effectCtx, ev); err != nil {
		d.logger.Debug().Err(err).Str("event", ev.String()).Msg("Verdict not delivered")
	}
}

// stop stops a Deploy once; later calls for the same generation are no-ops
func (d *Dispatcher) stop(ctx context.Context, deploy Deploy) {
	d.mu.Lock()
	handle, ok := d.handles[deploy.Generation]
	delete(d.handles, deploy.Generation)
	d.mu.Unlock()

	logger := d.deployLogger(deploy)
	if !ok {
		logger.Debug().Msg("Nothing to stop")
		return
	}

	killTimeout := deploy.Spec.KillTimeout
	if killTimeout <= 0 {
		killTimeout = spec.DefaultStopTimeout
	}

	if err := d.backend.Stop(ctx, handle, killTimeout); err != nil {
		logger.Error().Err(err).Str("container_id", handle.String()).Msg("Failed to stop deploy")
		d.publishDeploy(events.EventDeployStopped, deploy, "stop failed", err, events.MetaContainer, handle.String())
		return
	}

	metrics.DeploysTotal.WithLabelValues("stopped").Inc()
	logger.Info().Str("container_id", handle.String()).Msg("Deploy stopped")
	d.publishDeploy(events.EventDeployStopped, deploy, "deploy stopped", nil, events.MetaContainer, handle.String())
}

func (d *Dispatcher) schedule(deploy Deploy, after time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closing {
		return
	}
	if _, exists := d.scheduled[deploy.Generation]; exists {
		return
	}

	logger := d.deployLogger(deploy)
	logger.Info().Dur("after", after).Msg("Scheduled stop of retired deploy")
	timer := time.AfterFunc(after, func() {
		d.fireScheduled(deploy.Generation)
	})
	d.scheduled[deploy.Generation] = scheduledStop{deploy: deploy, timer: timer}
}

func (d *Dispatcher) fireScheduled(generation uint64) {
	d.mu.Lock()
	entry, ok := d.scheduled[generation]
	if !ok || d.closing {
		d.mu.Unlock()
		return
	}
	delete(d.scheduled, generation)
	d.effects.Add(1)
	d.mu.Unlock()

	defer d.effects.Done()
	d.stop(d.effectCtx, entry.deploy)
}

func (d *Dispatcher) shutdown() {
	d.closeOne.Do(func() { close(d.done) })

	d.mu.Lock()
	d.closing = true
	pending := make([]Deploy, 0, len(d.scheduled))
	for generation, entry := range d.scheduled {
		// a timer that already fired finds its entry gone and does nothing
		entry.timer.Stop()
		pending = append(pending, entry.deploy)
		delete(d.scheduled, generation)
	}
	d.mu.Unlock()

	d.effectCancel()
	d.effects.Wait()

	for _, deploy := range pending {
		timeout := deploy.Spec.KillTimeout
		if timeout <= 0 {
			timeout = spec.DefaultStopTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout+shutdownStopTimeout)
		d.stop(ctx, deploy)
		cancel()
	}

	metrics.UpdateComponent(metrics.ComponentDispatcher, false, "stopped")
	d.logger.Info().Str("state", d.machine.State().Name()).Int("scheduled_stops", len(pending)).Msg("Dispatcher stopped")
}

func (d *Dispatcher) deployLogger(deploy Deploy) zerolog.Logger {
	return d.logger.With().
		Uint64("generation", deploy.Generation).
		Str("image", deploy.Spec.Image.Reference()).
		Logger()
}

func (d *Dispatcher) publishDeploy(typ events.EventType, deploy Deploy, message string, err error, kv ...string) {
	meta := map[string]string{
		events.MetaGeneration: strconv.FormatUint(deploy.Generation, 10),
		events.MetaImage:      deploy.Spec.Image.Reference(),
		events.MetaName:       deploy.Spec.DisplayName(),
	}
	if err != nil {
		meta[events.MetaError] = err.Error()
	}
	for i := 0; i+1 < len(kv); i += 2 {
		meta[kv[i]] = kv[i+1]
	}
	d.publish(typ, message, meta)
}

func (d *Dispatcher) publish(typ events.EventType, message string, meta map[string]string) {
	d.broker.Publish(&events.Event{Type: typ, Message: message, Metadata: meta})
}
