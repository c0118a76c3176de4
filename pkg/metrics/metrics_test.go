package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPromCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm("test", reg)

	p.IncGrantsIssued("image", "remote")
	p.IncGrantsIssued("image", "remote")
	p.IncDetectionAttempts("video", "error")
	p.ObserveDetection("video", 2*time.Second)
	p.IncTasksCompleted("video", "failed")
	p.IncFallbackIngests("audio")
	p.IncNotifications("dispatched")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.grants.WithLabelValues("image", "remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.attempts.WithLabelValues("video", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.tasks.WithLabelValues("video", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.fallback.WithLabelValues("audio")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.latency))
}

func TestNoopSatisfiesInterface(t *testing.T) {
	var m Metrics = Noop{}
	m.IncGrantsIssued("image", "fallback")
	m.ObserveDetection("image", time.Millisecond)
}
