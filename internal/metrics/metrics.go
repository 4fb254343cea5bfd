package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"feedsync/internal/model"
)

// Metrics holds all Prometheus metrics for the feed process.
type Metrics struct {
	// Receive path, labelled by segment
	PacketsTotal        *prometheus.CounterVec
	RecordsDecodedTotal *prometheus.CounterVec
	RecordsDroppedTotal *prometheus.CounterVec
	UnknownTokensTotal  *prometheus.CounterVec
	ReceiveErrorsTotal  *prometheus.CounterVec
	ReceiverRestarts    *prometheus.CounterVec
	MergeDur            prometheus.Histogram

	// Subscription hub
	CallbackFaultsTotal *prometheus.CounterVec
	Subscriptions       prometheus.Gauge

	// Sinks: labels sink=redis|kafka|gateway
	SinkDropsTotal  *prometheus.CounterVec
	SinkWritesTotal *prometheus.CounterVec
	RedisWriteDur   prometheus.Histogram
	KafkaBatchDur   prometheus.Histogram
	CheckpointDur   prometheus.Histogram
	CheckpointSlots prometheus.Gauge
	GatewayClients  prometheus.Gauge
	SessionResets   prometheus.Counter
	ContractReloads *prometheus.CounterVec

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

var fastBuckets = []float64{0.0000005, 0.000001, 0.000002, 0.000005, 0.00001, 0.00005, 0.0001, 0.001}

// New creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the binary and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	seg := []string{"segment"}
	m := &Metrics{
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_packets_total",
			Help: "Datagrams received per segment",
		}, seg),
		RecordsDecodedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_records_decoded_total",
			Help: "Records decoded into ticks per segment",
		}, seg),
		RecordsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_records_dropped_total",
			Help: "Malformed or undecodable records per segment",
		}, seg),
		UnknownTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_unknown_tokens_total",
			Help: "Decoded ticks whose token is not in the contract master",
		}, seg),
		ReceiveErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_receive_errors_total",
			Help: "Whole-packet faults and socket read errors per segment",
		}, seg),
		ReceiverRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_receiver_restarts_total",
			Help: "Multicast receiver re-opens after a socket failure",
		}, seg),
		MergeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feed_merge_duration_seconds",
			Help:    "Decode-merge-publish latency per datagram",
			Buckets: fastBuckets,
		}),

		CallbackFaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_callback_faults_total",
			Help: "Subscriber callbacks that panicked, by segment",
		}, seg),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_subscriptions",
			Help: "Live subscriptions in the hub",
		}),

		SinkDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_drops_total",
			Help: "Ticks dropped by a sink because its queue was full",
		}, []string{"sink"}),
		SinkWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_writes_total",
			Help: "Ticks written downstream by a sink",
		}, []string{"sink"}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sink_redis_write_duration_seconds",
			Help:    "Redis pipeline flush latency",
			Buckets: prometheus.DefBuckets,
		}),
		KafkaBatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sink_kafka_batch_duration_seconds",
			Help:    "Kafka batch write latency",
			Buckets: prometheus.DefBuckets,
		}),
		CheckpointDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkpoint_duration_seconds",
			Help:    "Time to write one cache checkpoint",
			Buckets: prometheus.DefBuckets,
		}),
		CheckpointSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "checkpoint_slots",
			Help: "Instrument states in the last checkpoint",
		}),
		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_clients",
			Help: "Connected WebSocket clients",
		}),
		SessionResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_session_resets_total",
			Help: "Cache resets performed at session pre-open",
		}),
		ContractReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_contract_reloads_total",
			Help: "Segment reinitializations from the contract master",
		}, seg),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sink_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sink_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sink_redis_buffered_writes_total",
			Help: "Writes buffered locally while the Redis circuit breaker is open",
		}),
	}

	reg.MustRegister(
		m.PacketsTotal,
		m.RecordsDecodedTotal,
		m.RecordsDroppedTotal,
		m.UnknownTokensTotal,
		m.ReceiveErrorsTotal,
		m.ReceiverRestarts,
		m.MergeDur,
		m.CallbackFaultsTotal,
		m.Subscriptions,
		m.SinkDropsTotal,
		m.SinkWritesTotal,
		m.RedisWriteDur,
		m.KafkaBatchDur,
		m.CheckpointDur,
		m.CheckpointSlots,
		m.GatewayClients,
		m.SessionResets,
		m.ContractReloads,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// SegmentCounters are the receive-path counters of one segment, resolved once
// so the hot path never does a label lookup.
type SegmentCounters struct {
	Packets        prometheus.Counter
	RecordsDecoded prometheus.Counter
	RecordsDropped prometheus.Counter
	UnknownTokens  prometheus.Counter
	ReceiveErrors  prometheus.Counter
	Restarts       prometheus.Counter
	CallbackFaults prometheus.Counter
}

// ForSegment resolves the per-segment children.
func (m *Metrics) ForSegment(seg model.Segment) SegmentCounters {
	l := seg.String()
	return SegmentCounters{
		Packets:        m.PacketsTotal.WithLabelValues(l),
		RecordsDecoded: m.RecordsDecodedTotal.WithLabelValues(l),
		RecordsDropped: m.RecordsDroppedTotal.WithLabelValues(l),
		UnknownTokens:  m.UnknownTokensTotal.WithLabelValues(l),
		ReceiveErrors:  m.ReceiveErrorsTotal.WithLabelValues(l),
		Restarts:       m.ReceiverRestarts.WithLabelValues(l),
		CallbackFaults: m.CallbackFaultsTotal.WithLabelValues(l),
	}
}
