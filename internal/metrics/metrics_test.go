package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	snap Snapshot
}

func (f fakeStats) Snapshot() Snapshot {
	return f.snap
}

func collectDesc(t *testing.T, c *Collector) []*prometheus.Desc {
	t.Helper()
	ch := make(chan *prometheus.Desc, 32)
	c.Describe(ch)
	close(ch)
	var descs []*prometheus.Desc
	for d := range ch {
		descs = append(descs, d)
	}
	return descs
}

func TestDescribeEmitsEveryMetric(t *testing.T) {
	c := NewCollector("node-1", fakeStats{})
	descs := collectDesc(t, c)
	require.GreaterOrEqual(t, len(descs), 6)
}

func TestCollectReflectsSnapshot(t *testing.T) {
	c := NewCollector("node-1", fakeStats{snap: Snapshot{PoolSize: 4, ReplayLogSize: 1200, PendingChunks: 2}})

	ch := make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)

	var found int
	for m := range ch {
		var d dto.Metric
		require.NoError(t, m.Write(&d))
		if d.Gauge != nil {
			found++
		}
	}
	require.Equal(t, 3, found)
}

func TestCountersAccumulate(t *testing.T) {
	c := NewCollector("node-1", fakeStats{})
	c.PacketsForwarded.WithLabelValues("intermediate").Inc()
	c.PacketsForwarded.WithLabelValues("intermediate").Inc()
	c.DummiesInjected.Inc()

	var d dto.Metric
	require.NoError(t, c.PacketsForwarded.WithLabelValues("intermediate").Write(&d))
	require.Equal(t, float64(2), d.Counter.GetValue())
}
