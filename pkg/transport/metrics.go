package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "monitor",
		Subsystem: "can",
		Name:      "tx_queue_depth",
		Help:      "Current depth of the CAN transport's TX queue.",
	}, []string{"bus"})

	busLoadGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "monitor",
		Subsystem: "can",
		Name:      "bus_load_percent",
		Help:      "Percentage of wall time the bus spent carrying traffic originated from this node.",
	}, []string{"bus"})

	retransmissionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "can",
		Name:      "retransmissions_total",
		Help:      "Total retransmitted CAN frames.",
	}, []string{"bus"})

	collisionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "can",
		Name:      "collisions_total",
		Help:      "Total collision-proxy events on the CAN TX path.",
	}, []string{"bus"})

	transmissionAttemptsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "can",
		Name:      "transmission_attempts_total",
		Help:      "Total CAN frame transmission attempts, including retries.",
	}, []string{"bus"})
)

func init() {
	prometheus.MustRegister(
		queueDepthGauge,
		busLoadGauge,
		retransmissionsCounter,
		collisionsCounter,
		transmissionAttemptsCounter,
	)
}
