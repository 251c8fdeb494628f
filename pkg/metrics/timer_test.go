package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimer_Duration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	assert.GreaterOrEqual(t, timer.Duration(), 20*time.Millisecond)
}

func TestTimer_ObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_observe_duration_seconds",
		Help: "test",
	})

	NewTimer().ObserveDuration(h)

	assert.Equal(t, 1, testutil.CollectAndCount(h))
}

func TestTimer_ObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_observe_duration_vec_seconds",
		Help: "test",
	}, []string{"verdict"})

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "stable")
	timer.ObserveDurationVec(vec, "failed")

	assert.Equal(t, 2, testutil.CollectAndCount(vec))
}

func TestSetState(t *testing.T) {
	all := []string{"Start", "RunningStable"}

	SetState("RunningStable", all)

	assert.Equal(t, 0.0, testutil.ToFloat64(DispatcherState.WithLabelValues("Start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DispatcherState.WithLabelValues("RunningStable")))
}
