// Package metrics exposes the node's live state and cumulative event
// counters to Prometheus. The exporter/collector split and the
// Describe/Collect custom-collector pattern are grounded directly on the
// gateway's own prometheus.go, with the SMPP/MM4 client-count metrics
// replaced by this node's pool/replay/chunk state and the hardcoded
// placeholder counters replaced by real CounterVecs that the rest of the
// node increments as events happen.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is a point-in-time read of live node state, independent of any
// one component's internal representation.
type Snapshot struct {
	PoolSize      int
	ReplayLogSize int
	PendingChunks int
}

// StatsProvider is satisfied by the node's top-level wiring, which knows
// how to ask the pool, replay log, and chunk store for their current size.
type StatsProvider interface {
	Snapshot() Snapshot
}

// Exporter serves the registered collectors over HTTP. Grounded on
// PrometheusExporter.
type Exporter struct {
	Path   string
	Listen string
}

// Start runs the metrics HTTP server until ctx is canceled.
func (e *Exporter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(e.Path, promhttp.Handler())
	srv := &http.Server{Addr: e.Listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Collector implements prometheus.Collector over live node state plus a set
// of cumulative counters the rest of the node increments as events occur.
// Grounded on MetricExporter.
type Collector struct {
	stats StatsProvider

	poolSize      *prometheus.Desc
	replayLogSize *prometheus.Desc
	pendingChunks *prometheus.Desc

	PacketsForwarded  *prometheus.CounterVec
	PacketsDropped    *prometheus.CounterVec
	SMTPFailures      *prometheus.CounterVec
	DummiesInjected   prometheus.Counter
	ChunksReassembled prometheus.Counter
	ChunksTimedOut    prometheus.Counter
}

// NewCollector builds a Collector reading live state from stats, with id
// distinguishing multiple node instances scraped by the same Prometheus.
func NewCollector(id string, stats StatsProvider) *Collector {
	constLabels := prometheus.Labels{"node_id": id}
	return &Collector{
		stats: stats,

		poolSize:      prometheus.NewDesc("mixremailer_pool_size", "Number of messages currently staged in the outbound pool", nil, constLabels),
		replayLogSize: prometheus.NewDesc("mixremailer_replay_log_size", "Number of packet-ids currently tracked for replay detection", nil, constLabels),
		pendingChunks: prometheus.NewDesc("mixremailer_pending_chunks", "Number of chunked messages awaiting reassembly", nil, constLabels),

		PacketsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mixremailer_packets_forwarded_total",
			Help:        "Packets successfully decoded and staged for the next hop",
			ConstLabels: constLabels,
		}, []string{"type"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mixremailer_packets_dropped_total",
			Help:        "Packets dropped during decode, labeled by drop reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		SMTPFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mixremailer_smtp_failures_total",
			Help:        "SMTP send failures during pool drain, labeled by failure kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		DummiesInjected: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mixremailer_dummies_injected_total",
			Help:        "Dummy messages injected into the outbound pool",
			ConstLabels: constLabels,
		}),
		ChunksReassembled: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mixremailer_chunks_reassembled_total",
			Help:        "Multi-part messages successfully reassembled",
			ConstLabels: constLabels,
		}),
		ChunksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mixremailer_chunks_timed_out_total",
			Help:        "Multi-part messages that timed out before all chunks arrived",
			ConstLabels: constLabels,
		}),
	}
}

// Describe sends all metric descriptions to the registration channel.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolSize
	ch <- c.replayLogSize
	ch <- c.pendingChunks
	c.PacketsForwarded.Describe(ch)
	c.PacketsDropped.Describe(ch)
	c.SMTPFailures.Describe(ch)
	ch <- c.DummiesInjected.Desc()
	ch <- c.ChunksReassembled.Desc()
	ch <- c.ChunksTimedOut.Desc()
}

// Collect gathers the live gauges from StatsProvider and emits the
// cumulative counters alongside them.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(snap.PoolSize))
	ch <- prometheus.MustNewConstMetric(c.replayLogSize, prometheus.GaugeValue, float64(snap.ReplayLogSize))
	ch <- prometheus.MustNewConstMetric(c.pendingChunks, prometheus.GaugeValue, float64(snap.PendingChunks))

	c.PacketsForwarded.Collect(ch)
	c.PacketsDropped.Collect(ch)
	c.SMTPFailures.Collect(ch)
	ch <- c.DummiesInjected
	ch <- c.ChunksReassembled
	ch <- c.ChunksTimedOut
}

// Register wires the Collector into the default Prometheus registry.
func Register(c *Collector) error {
	return prometheus.Register(c)
}
