// Package metrics provides Prometheus and no-op implementations of
// network.Metrics, plus the HTTP server that exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xxtea01/cb-mpc-net/api/network"
)

const (
	namespaceMPCNet  = "mpcnet"
	subsystemNetwork = "network"

	LabelOp = "op"
)

// NetworkCollector records round and traffic metrics of a network.Network.
type NetworkCollector struct {
	rounds        *prometheus.CounterVec
	roundFailures *prometheus.CounterVec
	roundDuration *prometheus.HistogramVec
	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter
	messagesSent  prometheus.Counter
	messagesRecv  prometheus.Counter
	width         prometheus.Gauge
}

var _ network.Metrics = (*NetworkCollector)(nil)

// NewNetworkCollector registers the network metrics with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewNetworkCollector(reg prometheus.Registerer) *NetworkCollector {
	factory := promauto.With(reg)
	return &NetworkCollector{
		rounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceMPCNet,
			Subsystem: subsystemNetwork,
			Name:      "rounds_total",
			Help:      "number of completed rounds by operation",
		}, []string{LabelOp}),
		roundFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceMPCNet,
			Subsystem: subsystemNetwork,
			Name:      "round_failures_total",
			Help:      "number of failed or aborted rounds by operation",
		}, []string{LabelOp}),
		roundDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceMPCNet,
			Subsystem: subsystemNetwork,
			Name:      "round_duration_seconds",
			Help:      "time the executor spent on the physical calls of a round",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{LabelOp}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMPCNet,
			Subsystem: subsystemNetwork,
			Name:      "sent_bytes_total",
			Help:      "payload bytes handed to the transport",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMPCNet,
			Subsystem: subsystemNetwork,
			Name:      "received_bytes_total",
			Help:      "payload bytes returned by the transport",
		}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMPCNet,
			Subsystem: subsystemNetwork,
			Name:      "sent_messages_total",
			Help:      "messages handed to the transport",
		}),
		messagesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceMPCNet,
			Subsystem: subsystemNetwork,
			Name:      "received_messages_total",
			Help:      "messages returned by the transport",
		}),
		width: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceMPCNet,
			Subsystem: subsystemNetwork,
			Name:      "parallel_width",
			Help:      "number of job sessions a round waits for",
		}),
	}
}

func (c *NetworkCollector) RoundCompleted(op string, _ int, duration time.Duration) {
	c.rounds.WithLabelValues(op).Inc()
	c.roundDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (c *NetworkCollector) RoundFailed(op string) {
	c.roundFailures.WithLabelValues(op).Inc()
}

func (c *NetworkCollector) MessageSent(sizeBytes int) {
	c.messagesSent.Inc()
	c.bytesSent.Add(float64(sizeBytes))
}

func (c *NetworkCollector) MessageReceived(sizeBytes int) {
	c.messagesRecv.Inc()
	c.bytesReceived.Add(float64(sizeBytes))
}

func (c *NetworkCollector) ParallelWidth(width int) {
	c.width.Set(float64(width))
}
