// Package metrics provides Prometheus collectors for the echo loops.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "udpecho"

// Metrics holds the collectors shared by all loops of a server.
// Every method is safe for concurrent use.
type Metrics struct {
	DatagramsReceived prometheus.Counter
	DatagramsEchoed   prometheus.Counter
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	PartialSends      prometheus.Counter
	WouldBlockCalls   *prometheus.CounterVec
	Truncations       prometheus.Counter
	SpuriousWakeups   prometheus.Counter
	WorkersRunning    prometheus.Gauge
}

// NewMetrics creates metrics registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams accepted for echoing",
		}),
		DatagramsEchoed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_echoed_total",
			Help:      "Replies fully sent back to their senders",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Payload bytes held for echoing",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Payload bytes accepted by the kernel for sending",
		}),
		PartialSends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_sends_total",
			Help:      "Sends that left part of a reply pending",
		}),
		WouldBlockCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "would_block_total",
			Help:      "Socket calls that returned without doing work, by operation",
		}, []string{"op"}),
		Truncations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncated_datagrams_total",
			Help:      "Datagrams larger than the echo buffer",
		}),
		SpuriousWakeups: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spurious_wakeups_total",
			Help:      "Readiness notifications without the armed readiness",
		}),
		WorkersRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Echo loops currently serving",
		}),
	}
}

func (m *Metrics) Received(bytes int) {
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

func (m *Metrics) Sent(bytes int) {
	m.BytesSent.Add(float64(bytes))
}

func (m *Metrics) Echoed() {
	m.DatagramsEchoed.Inc()
}

func (m *Metrics) PartialSend() {
	m.PartialSends.Inc()
}

func (m *Metrics) WouldBlock(op string) {
	m.WouldBlockCalls.WithLabelValues(op).Inc()
}

func (m *Metrics) Truncated() {
	m.Truncations.Inc()
}

func (m *Metrics) Spurious() {
	m.SpuriousWakeups.Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
