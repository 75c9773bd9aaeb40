package lbsync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "radio"

// Metrics contains metrics exposed by the engine.
type Metrics struct {
	// Frames decoded from the channel.
	FramesReceived metrics.Counter
	// Frames this node transmitted.
	FramesSent metrics.Counter
	// Frames heard but not usable, labelled by reason.
	FramesDropped metrics.Counter
	// Current inter-transmission interval in seconds.
	TxInterval metrics.Gauge
	// Channel utilisation ratio of the last epoch.
	CongestionRatio metrics.Gauge
	// Peers heard within the keepalive window.
	ActivePeers metrics.Gauge
	// Bundles being reassembled across all peers.
	PartialsInFlight metrics.Gauge
	// Bundles held locally and eligible for announcement.
	BundlesHeld metrics.Gauge
	// Bundles received over the air and inserted into the store.
	BundlesReceived metrics.Counter
	// Store insertions that failed, labelled by reason.
	InsertFailures metrics.Counter
	// Announcements dropped from full per-peer queues.
	QueueOverflow metrics.Gauge
	// Transport resets, labelled by reason.
	TransportResets metrics.Counter
	// Size of transmitted frames in bytes.
	FrameSizeBytes metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		FramesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "frames_received",
			Help:      "Number of frames decoded from the channel.",
		}, []string{}),
		FramesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "frames_sent",
			Help:      "Number of frames transmitted.",
		}, []string{}),
		FramesDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "frames_dropped",
			Help:      "Number of frames heard but discarded.",
		}, []string{"reason"}),
		TxInterval: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tx_interval_seconds",
			Help:      "Current interval between transmissions.",
		}, []string{}),
		CongestionRatio: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "congestion_ratio",
			Help:      "Observed over target transmissions in the last epoch.",
		}, []string{}),
		ActivePeers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "active_peers",
			Help:      "Peers heard within the keepalive window.",
		}, []string{}),
		PartialsInFlight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "partials_in_flight",
			Help:      "Bundles being reassembled.",
		}, []string{}),
		BundlesHeld: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bundles_held",
			Help:      "Bundles held locally.",
		}, []string{}),
		BundlesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bundles_received",
			Help:      "Bundles received over the air and stored.",
		}, []string{}),
		InsertFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "insert_failures",
			Help:      "Store insertions that failed.",
		}, []string{"reason"}),
		QueueOverflow: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queue_overflow",
			Help:      "Announcements dropped from full per-peer queues.",
		}, []string{}),
		TransportResets: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "transport_resets",
			Help:      "Number of transport resets.",
		}, []string{"reason"}),
		FrameSizeBytes: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "frame_size_bytes",
			Help:      "Transmitted frame sizes in bytes.",
			Buckets:   stdprometheus.LinearBuckets(16, 16, 16),
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		FramesReceived:   discard.NewCounter(),
		FramesSent:       discard.NewCounter(),
		FramesDropped:    discard.NewCounter(),
		TxInterval:       discard.NewGauge(),
		CongestionRatio:  discard.NewGauge(),
		ActivePeers:      discard.NewGauge(),
		PartialsInFlight: discard.NewGauge(),
		BundlesHeld:      discard.NewGauge(),
		BundlesReceived:  discard.NewCounter(),
		InsertFailures:   discard.NewCounter(),
		QueueOverflow:    discard.NewGauge(),
		TransportResets:  discard.NewCounter(),
		FrameSizeBytes:   discard.NewHistogram(),
	}
}
