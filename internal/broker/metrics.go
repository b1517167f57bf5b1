package broker

import "github.com/prometheus/client_golang/prometheus"

var (
	// publishTotal counts publish attempts by result ("ok" or a Reason).
	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "Total number of publish attempts by result.",
		},
		[]string{"result"},
	)

	publishLat = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_publish_duration_seconds",
			Help:    "Duration of publish attempts in seconds, acknowledgement included.",
			Buckets: prometheus.DefBuckets,
		},
	)

	topicCreates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_topic_create_total",
			Help: "Number of create-topic requests issued.",
		},
	)

	// stateGauge mirrors Publisher.State as its numeric value.
	stateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_state",
			Help: "Publisher state: 0 uninitialized, 1 topic pending, 2 ready, 3 closed.",
		},
	)
)

func init() {
	prometheus.MustRegister(publishTotal, publishLat, topicCreates, stateGauge)
}
