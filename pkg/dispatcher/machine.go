package dispatcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/condo/pkg/spec"
)

var (
	// ErrUnexpectedVerdict is returned for a verdict while no candidate is in flight
	ErrUnexpectedVerdict = errors.New("verdict without a candidate in flight")

	// ErrStaleVerdict is returned for a verdict about a Deploy that is no
	// longer the candidate
	ErrStaleVerdict = errors.New("verdict for a deploy that is not the candidate")
)

// Machine is the rollout state machine. It is a value: Apply returns the next
// Machine and leaves the receiver untouched.
type Machine struct {
	state          State
	pending        *spec.Spec
	lastGeneration uint64
}

// NewMachine returns a Machine in Start
func NewMachine() Machine {
	return Machine{state: Start{}}
}

// State returns the active state
func (m Machine) State() State {
	if m.state == nil {
		return Start{}
	}
	return m.state
}

// Pending returns the Spec parked behind the in-flight candidate
func (m Machine) Pending() (spec.Spec, bool) {
	if m.pending == nil {
		return spec.Spec{}, false
	}
	return *m.pending, true
}

// LastGeneration returns the generation of the most recently created Deploy
func (m Machine) LastGeneration() uint64 {
	return m.lastGeneration
}

// Apply advances the machine by one event.
//
// A NewSpec arriving while a candidate is in flight is parked; a newer one
// replaces it. When a verdict brings the machine back to Start or
// RunningStable the parked Spec is accepted in the same step.
//
// Verdicts must name the in-flight candidate's generation. Anything else
// returns ErrUnexpectedVerdict or ErrStaleVerdict with the machine unchanged.
func (m Machine) Apply(ev Event) (Machine, Outcome, error) {
	m.state = m.State()
	var out Outcome

	switch ev.Kind {
	case EventNewSpec:
		if _, inFlight := CandidateOf(m.state); inFlight {
			if m.pending != nil {
				superseded := *m.pending
				out.Superseded = &superseded
			}
			parked := ev.Spec.Clone()
			m.pending = &parked
			out.Queued = true
			return m, out, nil
		}
		m = m.accept(ev.Spec, &out)
		return m, out, nil

	case EventGotStable, EventDeployFailed:
		candidate, ok := CandidateOf(m.state)
		if !ok {
			return m, Outcome{}, fmt.Errorf("%w: %s in %s", ErrUnexpectedVerdict, ev, m.state.Name())
		}
		if candidate.Generation != ev.Generation {
			return m, Outcome{}, fmt.Errorf("%w: %s, candidate is #%d", ErrStaleVerdict, ev, candidate.Generation)
		}

		from := m.state.Name()
		m.state, out.Effects = verdict(m.state, ev.Kind)
		out.Transitions = append(out.Transitions, Transition{From: from, To: m.state.Name(), Event: ev.Kind})

		if m.pending != nil {
			if _, inFlight := CandidateOf(m.state); !inFlight {
				parked := *m.pending
				m.pending = nil
				m = m.accept(parked, &out)
			}
		}
		return m, out, nil

	default:
		return m, Outcome{}, fmt.Errorf("unknown event kind %d", int(ev.Kind))
	}
}

// accept creates a Deploy for s from Start or RunningStable
func (m Machine) accept(s spec.Spec, out *Outcome) Machine {
	m.lastGeneration++
	candidate := Deploy{Spec: s.Clone(), Generation: m.lastGeneration}
	from := m.state.Name()

	switch st := m.state.(type) {
	case RunningStable:
		if candidate.Spec.Stop.Kind == spec.StopBefore {
			m.state = WaitingForNewStable{LastStable: st.Current, Candidate: candidate}
			out.Effects = append(out.Effects, StopDeploy{Deploy: st.Current}, StartDeploy{Deploy: candidate})
		} else {
			m.state = RunningStableWaitingForNew{Current: st.Current, Candidate: candidate}
			out.Effects = append(out.Effects, StartDeploy{Deploy: candidate})
		}
	default:
		m.state = WaitingForFirstStable{Candidate: candidate}
		out.Effects = append(out.Effects, StartDeploy{Deploy: candidate})
	}

	out.Accepted = append(out.Accepted, candidate)
	out.Transitions = append(out.Transitions, Transition{From: from, To: m.state.Name(), Event: EventNewSpec})
	return m
}

// verdict resolves the in-flight candidate of s. A failed candidate is always
// stopped first so nothing it registered outlives it.
func verdict(s State, kind EventKind) (State, []Effect) {
	stable := kind == EventGotStable

	switch st := s.(type) {
	case WaitingForFirstStable:
		if stable {
			return RunningStable{Current: st.Candidate}, nil
		}
		return Start{}, []Effect{StopDeploy{Deploy: st.Candidate}}

	case WaitingForNewStable:
		if stable {
			return RunningStable{Current: st.Candidate}, nil
		}
		// the last stable Deploy was stopped to make room, so run it again
		return WaitingForFirstStable{Candidate: st.LastStable}, []Effect{
			StopDeploy{Deploy: st.Candidate},
			StartDeploy{Deploy: st.LastStable},
		}

	case RunningStableWaitingForNew:
		if stable {
			return RunningStable{Current: st.Candidate}, []Effect{
				ScheduleStop{Deploy: st.Current, After: retireDelay(st.Current, st.Candidate)},
			}
		}
		return RunningStable{Current: st.Current}, []Effect{StopDeploy{Deploy: st.Candidate}}
	}

	return s, nil
}

// retireDelay is how long the old Deploy keeps running after its replacement
// became stable: its own kill_timeout when set, otherwise the replacement's
// AfterTimeout.
func retireDelay(retired, replacement Deploy) time.Duration {
	if retired.Spec.KillTimeout > 0 {
		return retired.Spec.KillTimeout
	}
	return replacement.Spec.Stop.Timeout
}
