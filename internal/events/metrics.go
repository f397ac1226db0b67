package events

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds a private prometheus.Registry and the counters/histograms
// the chain engine exercises directly. There is no bundled HTTP exporter —
// Gather exposes the pull-model snapshot and callers wire it to whatever
// transport they like (the core engine itself has no RPC surface).
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec

	blocksApplied  prometheus.Counter
	blocksRejected *prometheus.CounterVec
	reorgsTotal    prometheus.Counter
	reorgDepth     prometheus.Histogram

	mempoolEvicted *prometheus.CounterVec
	mempoolSize    prometheus.Gauge

	nonceReplayTotal      prometheus.Counter
	rateLimitedTotal      prometheus.Counter
	invalidSignatureTotal prometheus.Counter
	peerMisbehaviorTotal  *prometheus.CounterVec

	blockApplyDuration prometheus.Histogram
}

// NewMetrics constructs and registers every counter/histogram against a
// fresh, private prometheus.Registry (never the global DefaultRegisterer,
// so multiple Core instances in the same process, as in tests, never
// collide on metric names).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klingnet_events_published_total",
			Help: "Total events published by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klingnet_events_dropped_total",
			Help: "Events dropped because a subscriber's buffer was full, by kind.",
		}, []string{"kind"}),
		blocksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klingnet_blocks_applied_total",
			Help: "Total blocks accepted onto the active chain.",
		}),
		blocksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klingnet_blocks_rejected_total",
			Help: "Total blocks rejected, by reason.",
		}, []string{"reason"}),
		reorgsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klingnet_reorgs_total",
			Help: "Total completed chain reorganizations.",
		}),
		reorgDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klingnet_reorg_depth_blocks",
			Help:    "Depth (in blocks) of completed reorganizations.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),
		mempoolEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klingnet_mempool_evicted_total",
			Help: "Total mempool transactions evicted, by reason.",
		}, []string{"reason"}),
		mempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klingnet_mempool_size",
			Help: "Current mempool transaction count.",
		}),
		nonceReplayTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klingnet_p2p_nonce_replay_total",
			Help: "Total messages rejected as replayed envelope nonces.",
		}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klingnet_p2p_rate_limited_total",
			Help: "Total messages rejected by a peer's rate/bandwidth token bucket.",
		}),
		invalidSignatureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klingnet_p2p_invalid_signature_total",
			Help: "Total messages rejected for a bad envelope signature.",
		}),
		peerMisbehaviorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klingnet_peer_misbehavior_total",
			Help: "Total detected peer misbehavior events, by kind.",
		}, []string{"kind"}),
		blockApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klingnet_block_apply_duration_seconds",
			Help:    "Wall-clock time to validate and apply a single block.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.eventsPublished, m.eventsDropped,
		m.blocksApplied, m.blocksRejected,
		m.reorgsTotal, m.reorgDepth,
		m.mempoolEvicted, m.mempoolSize,
		m.nonceReplayTotal, m.rateLimitedTotal, m.invalidSignatureTotal,
		m.peerMisbehaviorTotal, m.blockApplyDuration,
	)
	return m
}

// Gather returns the current snapshot of every registered metric family.
// There is no bundled HTTP exporter; embedders wire this to their own
// transport.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}

// IncBlockApplied records a block accepted onto the active chain.
func (m *Metrics) IncBlockApplied() { m.blocksApplied.Inc() }

// IncBlockRejected records a rejected block, tagged by RejectReason.
func (m *Metrics) IncBlockRejected(reason string) {
	m.blocksRejected.WithLabelValues(reason).Inc()
}

// ObserveReorg records a completed reorganization of the given depth.
func (m *Metrics) ObserveReorg(depth uint64) {
	m.reorgsTotal.Inc()
	m.reorgDepth.Observe(float64(depth))
}

// IncMempoolEvicted records transactions leaving the mempool for a reason
// other than confirmation.
func (m *Metrics) IncMempoolEvicted(reason string, count int) {
	m.mempoolEvicted.WithLabelValues(reason).Add(float64(count))
}

// SetMempoolSize reports the current mempool occupancy.
func (m *Metrics) SetMempoolSize(n int) { m.mempoolSize.Set(float64(n)) }

// IncNonceReplay records a rejected envelope carrying a replayed nonce.
func (m *Metrics) IncNonceReplay() { m.nonceReplayTotal.Inc() }

// IncRateLimited records a message rejected by a peer's token bucket.
func (m *Metrics) IncRateLimited() { m.rateLimitedTotal.Inc() }

// IncInvalidSignature records a message rejected for a bad envelope signature.
func (m *Metrics) IncInvalidSignature() { m.invalidSignatureTotal.Inc() }

// IncPeerMisbehavior records detected peer misbehavior, tagged by kind.
func (m *Metrics) IncPeerMisbehavior(kind string) {
	m.peerMisbehaviorTotal.WithLabelValues(kind).Inc()
}

// ObserveBlockApplyDuration records the wall-clock cost of validating and
// applying one block.
func (m *Metrics) ObserveBlockApplyDuration(seconds float64) {
	m.blockApplyDuration.Observe(seconds)
}
