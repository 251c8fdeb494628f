package dispatcher

import (
	"fmt"
	"time"

	"github.com/cuemby/condo/pkg/spec"
)

// Deploy is one attempt to run a Spec. Generations increase by one for every
// accepted Spec and never repeat within a process.
type Deploy struct {
	Spec       spec.Spec
	Generation uint64
}

func (d Deploy) String() string {
	return fmt.Sprintf("#%d %s", d.Generation, d.Spec.Image.Reference())
}

// EventKind identifies an Event variant
type EventKind int

const (
	EventNewSpec EventKind = iota
	EventGotStable
	EventDeployFailed
)

func (k EventKind) String() string {
	switch k {
	case EventNewSpec:
		return "NewSpec"
	case EventGotStable:
		return "GotStable"
	case EventDeployFailed:
		return "DeployFailed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is an input to the dispatcher. Verdicts carry the generation of the
// Deploy they judge.
type Event struct {
	Kind       EventKind
	Spec       spec.Spec
	Generation uint64
	Reason     string
}

// NewSpec wraps a decoded Spec
func NewSpec(s spec.Spec) Event {
	return Event{Kind: EventNewSpec, Spec: s}
}

// GotStable reports that generation passed its health checks
func GotStable(generation uint64) Event {
	return Event{Kind: EventGotStable, Generation: generation}
}

// DeployFailed reports that generation failed to start or become healthy
func DeployFailed(generation uint64, reason string) Event {
	return Event{Kind: EventDeployFailed, Generation: generation, Reason: reason}
}

func (e Event) String() string {
	if e.Kind == EventNewSpec {
		return "NewSpec(" + e.Spec.Image.Reference() + ")"
	}
	return fmt.Sprintf("%s(#%d)", e.Kind, e.Generation)
}

// State is the dispatcher's state. Exactly one of the five variants below is
// active at any time.
type State interface {
	Name() string
	isState()
}

// Start holds nothing
type Start struct{}

// WaitingForFirstStable holds a candidate with nothing running behind it
type WaitingForFirstStable struct {
	Candidate Deploy
}

// RunningStable holds the current healthy Deploy
type RunningStable struct {
	Current Deploy
}

// WaitingForNewStable holds a candidate and the already stopped last stable
// Deploy to fall back to
type WaitingForNewStable struct {
	LastStable Deploy
	Candidate  Deploy
}

// RunningStableWaitingForNew holds the running current Deploy and a candidate
// started next to it
type RunningStableWaitingForNew struct {
	Current   Deploy
	Candidate Deploy
}

func (Start) Name() string                      { return "Start" }
func (WaitingForFirstStable) Name() string      { return "WaitingForFirstStable" }
func (RunningStable) Name() string              { return "RunningStable" }
func (WaitingForNewStable) Name() string        { return "WaitingForNewStable" }
func (RunningStableWaitingForNew) Name() string { return "RunningStableWaitingForNew" }

func (Start) isState()                      {}
func (WaitingForFirstStable) isState()      {}
func (RunningStable) isState()              {}
func (WaitingForNewStable) isState()        {}
func (RunningStableWaitingForNew) isState() {}

// StateNames lists every state name
var StateNames = []string{
	Start{}.Name(),
	WaitingForFirstStable{}.Name(),
	RunningStable{}.Name(),
	WaitingForNewStable{}.Name(),
	RunningStableWaitingForNew{}.Name(),
}

// Held returns the Deploys a state holds, current or last stable first
func Held(s State) []Deploy {
	switch st := s.(type) {
	case WaitingForFirstStable:
		return []Deploy{st.Candidate}
	case RunningStable:
		return []Deploy{st.Current}
	case WaitingForNewStable:
		return []Deploy{st.LastStable, st.Candidate}
	case RunningStableWaitingForNew:
		return []Deploy{st.Current, st.Candidate}
	default:
		return nil
	}
}

// CandidateOf returns the Deploy awaiting a verdict, if any
func CandidateOf(s State) (Deploy, bool) {
	switch st := s.(type) {
	case WaitingForFirstStable:
		return st.Candidate, true
	case WaitingForNewStable:
		return st.Candidate, true
	case RunningStableWaitingForNew:
		return st.Candidate, true
	default:
		return Deploy{}, false
	}
}

// Effect is a backend call requested by a transition. Effects of one
// transition are executed in order.
type Effect interface {
	isEffect()
}

// StartDeploy starts a Deploy and awaits its health verdict
type StartDeploy struct {
	Deploy Deploy
}

// StopDeploy stops a Deploy now
type StopDeploy struct {
	Deploy Deploy
}

// ScheduleStop stops a retired Deploy once After has elapsed
type ScheduleStop struct {
	Deploy Deploy
	After  time.Duration
}

func (StartDeploy) isEffect()  {}
func (StopDeploy) isEffect()   {}
func (ScheduleStop) isEffect() {}

// Transition records one state change
type Transition struct {
	From  string
	To    string
	Event EventKind
}

// Outcome describes what one Apply did besides changing state
type Outcome struct {
	Transitions []Transition
	Effects     []Effect

	// Queued is set when a NewSpec was parked behind an in-flight candidate
	Queued bool

	// Superseded is the parked Spec a newer one replaced
	Superseded *spec.Spec

	// Accepted lists Deploys created during this step
	Accepted []Deploy
}
