package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	// The timer keeps running between reads
	assert.GreaterOrEqual(t, timer.Duration(), first)
}

func TestTimerObserveDuration(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_gate_seconds",
		Help:    "test",
		Buckets: []float64{0.01, 1},
	})

	timer := NewTimer()
	timer.ObserveDuration(hist)
	timer.ObserveDuration(hist)

	var m dto.Metric
	require.NoError(t, hist.Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.Positive(t, m.GetHistogram().GetSampleSum())
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_invocation_seconds",
		Help: "test",
	}, []string{"target"})

	NewTimer().ObserveDurationVec(vec, "UpdateNodeStatus")
	NewTimer().ObserveDurationVec(vec, "UpdateNodeStatus")
	NewTimer().ObserveDurationVec(vec, "GetConfiguration")

	assert.Equal(t, 2, testutil.CollectAndCount(vec))
}
