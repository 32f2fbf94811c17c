package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coap"

// Metrics are the counters of one endpoint.
type Metrics struct {
	ReceivedMessages  *prometheus.CounterVec
	SentMessages      *prometheus.CounterVec
	SentMessageErrors prometheus.Counter
	Retransmissions   prometheus.Counter
	ExpiredMessages   prometheus.Counter
	DuplicateMessages prometheus.Counter
	DroppedMessages   *prometheus.CounterVec
	Observers         prometheus.Gauge
}

// NewMetrics registers the endpoint metrics in reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReceivedMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "received_messages_total",
				Help:      "Messages received, by type",
			},
			[]string{"type"},
		),
		SentMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sent_messages_total",
				Help:      "Messages sent, by type",
			},
			[]string{"type"},
		),
		SentMessageErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_message_errors_total",
			Help:      "Messages that could not be written to the socket",
		}),
		Retransmissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Confirmable messages sent again after a timeout",
		}),
		ExpiredMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_messages_total",
			Help:      "Confirmable messages given up after the last retransmission",
		}),
		DuplicateMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Requests received again within the exchange lifetime",
		}),
		DroppedMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_messages_total",
				Help:      "Received messages that were not processed, by reason",
			},
			[]string{"reason"},
		),
		Observers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Registered observers",
		}),
	}
}
