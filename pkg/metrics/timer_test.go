package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first, "duration keeps growing after later reads")
}

func TestTimerObserve(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "timer_observe_seconds",
	})
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "timer_observe_vec_seconds",
	}, []string{"op"})

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)

	timer.ObserveDuration(h)
	timer.ObserveDurationVec(hv, "apply_event")

	assert.Greater(t, timer.Duration(), time.Duration(0))
}

func TestTimersAreIndependent(t *testing.T) {
	older := NewTimer()
	time.Sleep(20 * time.Millisecond)
	newer := NewTimer()
	time.Sleep(5 * time.Millisecond)

	assert.Greater(t, older.Duration(), newer.Duration())
}
