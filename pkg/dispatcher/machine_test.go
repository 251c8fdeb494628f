package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/condo/pkg/spec"
)

func specFor(tag string, stop spec.StopPolicy) spec.Spec {
	return spec.Spec{
		Image: spec.Image{Name: "registry.local/app", Tag: tag},
		Cmd:   []string{"serve"},
		Stop:  stop,
	}
}

func apply(t *testing.T, m Machine, ev Event) (Machine, Outcome) {
	t.Helper()
	next, out, err := m.Apply(ev)
	require.NoError(t, err)
	return next, out
}

// runningStable drives a fresh machine to RunningStable with tag "a"
func runningStable(t *testing.T) (Machine, Deploy) {
	t.Helper()
	m, _ := apply(t, NewMachine(), NewSpec(specFor("a", spec.DefaultStop())))
	a := m.State().(WaitingForFirstStable).Candidate
	m, _ = apply(t, m, GotStable(a.Generation))
	return m, a
}

func TestMachine_ScenarioA_InitialDeploy(t *testing.T) {
	m, out := apply(t, NewMachine(), NewSpec(specFor("x", spec.DefaultStop())))

	waiting, ok := m.State().(WaitingForFirstStable)
	require.True(t, ok)
	x := waiting.Candidate
	assert.Equal(t, uint64(1), x.Generation)
	assert.Equal(t, []Effect{StartDeploy{Deploy: x}}, out.Effects)

	m, out = apply(t, m, GotStable(x.Generation))
	assert.Equal(t, RunningStable{Current: x}, m.State())
	assert.Empty(t, out.Effects)
}

func TestMachine_ScenarioB_StopBefore(t *testing.T) {
	m, a := runningStable(t)

	m, out := apply(t, m, NewSpec(specFor("b", spec.Before())))
	state, ok := m.State().(WaitingForNewStable)
	require.True(t, ok)
	b := state.Candidate
	assert.Equal(t, a, state.LastStable)
	// stop(A) happens before start(B)
	assert.Equal(t, []Effect{StopDeploy{Deploy: a}, StartDeploy{Deploy: b}}, out.Effects)

	m, out = apply(t, m, GotStable(b.Generation))
	assert.Equal(t, RunningStable{Current: b}, m.State())
	assert.Empty(t, out.Effects)
}

func TestMachine_ScenarioC_AfterTimeoutFailure(t *testing.T) {
	m, a := runningStable(t)

	m, out := apply(t, m, NewSpec(specFor("b", spec.AfterTimeout(10*time.Second))))
	state, ok := m.State().(RunningStableWaitingForNew)
	require.True(t, ok)
	b := state.Candidate
	assert.Equal(t, a, state.Current)
	assert.Equal(t, []Effect{StartDeploy{Deploy: b}}, out.Effects)

	m, out = apply(t, m, DeployFailed(b.Generation, "unhealthy"))
	assert.Equal(t, RunningStable{Current: a}, m.State())
	assert.Equal(t, []Effect{StopDeploy{Deploy: b}}, out.Effects)
}

func TestMachine_ScenarioD_Recovery(t *testing.T) {
	m, a := runningStable(t)

	m, _ = apply(t, m, NewSpec(specFor("b", spec.Before())))
	b := m.State().(WaitingForNewStable).Candidate

	m, out := apply(t, m, DeployFailed(b.Generation, "unhealthy"))
	assert.Equal(t, WaitingForFirstStable{Candidate: a}, m.State())
	assert.Equal(t, []Effect{StopDeploy{Deploy: b}, StartDeploy{Deploy: a}}, out.Effects)

	// the redeployed A is judged under its own generation
	m, _ = apply(t, m, GotStable(a.Generation))
	assert.Equal(t, RunningStable{Current: a}, m.State())
}

func TestMachine_AfterTimeoutPromotion(t *testing.T) {
	tests := []struct {
		name        string
		killTimeout time.Duration
		stop        spec.StopPolicy
		wantDelay   time.Duration
	}{
		{name: "candidate timeout", stop: spec.AfterTimeout(30 * time.Second), wantDelay: 30 * time.Second},
		{name: "retired kill timeout", killTimeout: 5 * time.Second, stop: spec.AfterTimeout(30 * time.Second), wantDelay: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := specFor("a", spec.DefaultStop())
			first.KillTimeout = tt.killTimeout

			m, _ := apply(t, NewMachine(), NewSpec(first))
			a := m.State().(WaitingForFirstStable).Candidate
			m, _ = apply(t, m, GotStable(a.Generation))

			m, _ = apply(t, m, NewSpec(specFor("b", tt.stop)))
			b := m.State().(RunningStableWaitingForNew).Candidate

			m, out := apply(t, m, GotStable(b.Generation))
			assert.Equal(t, RunningStable{Current: b}, m.State())
			assert.Equal(t, []Effect{ScheduleStop{Deploy: a, After: tt.wantDelay}}, out.Effects)
		})
	}
}

func TestMachine_FirstCandidateFailure(t *testing.T) {
	m, _ := apply(t, NewMachine(), NewSpec(specFor("x", spec.DefaultStop())))
	x := m.State().(WaitingForFirstStable).Candidate

	m, out := apply(t, m, DeployFailed(x.Generation, "pull failed"))
	assert.Equal(t, Start{}, m.State())
	assert.Equal(t, []Effect{StopDeploy{Deploy: x}}, out.Effects)

	m, _ = apply(t, m, NewSpec(specFor("y", spec.DefaultStop())))
	assert.Equal(t, uint64(2), m.State().(WaitingForFirstStable).Candidate.Generation)
}

func TestMachine_VerdictWithoutCandidate(t *testing.T) {
	running, _ := runningStable(t)

	tests := []struct {
		name string
		m    Machine
		ev   Event
	}{
		{"stable in Start", NewMachine(), GotStable(1)},
		{"failed in Start", NewMachine(), DeployFailed(1, "x")},
		{"stable in RunningStable", running, GotStable(1)},
		{"failed in RunningStable", running, DeployFailed(1, "x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, out, err := tt.m.Apply(tt.ev)
			assert.ErrorIs(t, err, ErrUnexpectedVerdict)
			assert.Equal(t, tt.m.State(), next.State())
			assert.Empty(t, out.Effects)
		})
	}
}

func TestMachine_StaleVerdict(t *testing.T) {
	m, a := runningStable(t)
	m, _ = apply(t, m, NewSpec(specFor("b", spec.DefaultStop())))

	next, out, err := m.Apply(DeployFailed(a.Generation, "late"))
	assert.ErrorIs(t, err, ErrStaleVerdict)
	assert.Equal(t, m.State(), next.State())
	assert.Empty(t, out.Effects)
}

func TestMachine_NewSpecWhileInFlightIsQueued(t *testing.T) {
	m, _ := apply(t, NewMachine(), NewSpec(specFor("a", spec.DefaultStop())))
	a := m.State().(WaitingForFirstStable).Candidate

	m, out := apply(t, m, NewSpec(specFor("b", spec.DefaultStop())))
	assert.True(t, out.Queued)
	assert.Nil(t, out.Superseded)
	assert.Empty(t, out.Effects)
	assert.Equal(t, WaitingForFirstStable{Candidate: a}, m.State())

	m, out = apply(t, m, NewSpec(specFor("c", spec.DefaultStop())))
	require.NotNil(t, out.Superseded)
	assert.Equal(t, "b", out.Superseded.Image.Tag)
	pending, ok := m.Pending()
	require.True(t, ok)
	assert.Equal(t, "c", pending.Image.Tag)

	// promotion of A immediately starts the queued C next to it
	m, out = apply(t, m, GotStable(a.Generation))
	state, ok := m.State().(RunningStableWaitingForNew)
	require.True(t, ok)
	assert.Equal(t, a, state.Current)
	assert.Equal(t, "c", state.Candidate.Spec.Image.Tag)
	assert.Equal(t, uint64(2), state.Candidate.Generation)
	assert.Equal(t, []Effect{StartDeploy{Deploy: state.Candidate}}, out.Effects)
	assert.Equal(t, []Transition{
		{From: "WaitingForFirstStable", To: "RunningStable", Event: EventGotStable},
		{From: "RunningStable", To: "RunningStableWaitingForNew", Event: EventNewSpec},
	}, out.Transitions)

	_, ok = m.Pending()
	assert.False(t, ok)
}

func TestMachine_QueuedSpecAfterFailureInFirstStable(t *testing.T) {
	m, _ := apply(t, NewMachine(), NewSpec(specFor("a", spec.DefaultStop())))
	a := m.State().(WaitingForFirstStable).Candidate
	m, _ = apply(t, m, NewSpec(specFor("b", spec.DefaultStop())))

	m, out := apply(t, m, DeployFailed(a.Generation, "crashed"))
	b := m.State().(WaitingForFirstStable).Candidate
	assert.Equal(t, "b", b.Spec.Image.Tag)
	assert.Equal(t, []Effect{StopDeploy{Deploy: a}, StartDeploy{Deploy: b}}, out.Effects)
}

func TestMachine_QueuedSpecWaitsForRecoveredStable(t *testing.T) {
	m, a := runningStable(t)
	m, _ = apply(t, m, NewSpec(specFor("b", spec.Before())))
	b := m.State().(WaitingForNewStable).Candidate
	m, _ = apply(t, m, NewSpec(specFor("c", spec.Before())))

	// B fails: A is redeployed and C stays parked until A's verdict
	m, _ = apply(t, m, DeployFailed(b.Generation, "unhealthy"))
	assert.Equal(t, WaitingForFirstStable{Candidate: a}, m.State())
	_, ok := m.Pending()
	assert.True(t, ok)

	m, out := apply(t, m, GotStable(a.Generation))
	state := m.State().(WaitingForNewStable)
	assert.Equal(t, a, state.LastStable)
	assert.Equal(t, "c", state.Candidate.Spec.Image.Tag)
	assert.Equal(t, []Effect{StopDeploy{Deploy: a}, StartDeploy{Deploy: state.Candidate}}, out.Effects)
}

func TestMachine_HeldDeploys(t *testing.T) {
	m := NewMachine()
	assert.Empty(t, Held(m.State()))

	m, a := runningStable(t)
	assert.Equal(t, []Deploy{a}, Held(m.State()))

	after, _ := apply(t, m, NewSpec(specFor("b", spec.DefaultStop())))
	assert.Len(t, Held(after.State()), 2)

	before, _ := apply(t, m, NewSpec(specFor("b", spec.Before())))
	assert.Len(t, Held(before.State()), 2)
	assert.Equal(t, a, Held(before.State())[0])
}

func TestMachine_ApplyDoesNotMutateReceiver(t *testing.T) {
	m, a := runningStable(t)

	_, _ = apply(t, m, NewSpec(specFor("b", spec.DefaultStop())))

	assert.Equal(t, RunningStable{Current: a}, m.State())
	assert.Equal(t, a.Generation, m.LastGeneration())
}

func TestMachine_SpecIsCopied(t *testing.T) {
	s := specFor("a", spec.DefaultStop())
	m, _ := apply(t, NewMachine(), NewSpec(s))

	s.Cmd[0] = "mutated"
	assert.Equal(t, "serve", m.State().(WaitingForFirstStable).Candidate.Spec.Cmd[0])
}

func TestMachine_GenerationsIncrease(t *testing.T) {
	m, a := runningStable(t)
	var last = a.Generation
	for _, tag := range []string{"b", "c", "d"} {
		m, _ = apply(t, m, NewSpec(specFor(tag, spec.DefaultStop())))
		candidate, ok := CandidateOf(m.State())
		require.True(t, ok)
		assert.Greater(t, candidate.Generation, last)
		last = candidate.Generation
		m, _ = apply(t, m, GotStable(candidate.Generation))
	}
}
