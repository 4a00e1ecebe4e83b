package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_commands_total",
			Help: "Chat commands handled, by command",
		},
		[]string{"command"},
	)

	// mode: live, fallback, sample
	EventFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_event_fetch_total",
			Help: "Event fetches by outcome",
		},
		[]string{"mode"},
	)

	BroadcastRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_broadcast_runs_total",
			Help: "Broadcast runs by trigger and final status",
		},
		[]string{"trigger", "status"},
	)

	// result: delivered, failed
	BroadcastDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_broadcast_deliveries_total",
			Help: "Per-subscriber broadcast deliveries by result",
		},
		[]string{"result"},
	)

	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bot_broadcast_duration_seconds",
			Help:    "Wall time of a broadcast run",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
	)
)

func IncCommand(command string) {
	CommandsTotal.WithLabelValues(command).Inc()
}

func IncEventFetch(mode string) {
	EventFetchTotal.WithLabelValues(mode).Inc()
}

func IncDelivery(result string) {
	BroadcastDeliveriesTotal.WithLabelValues(result).Inc()
}

func RecordBroadcast(trigger, status string, duration time.Duration) {
	BroadcastRunsTotal.WithLabelValues(trigger, status).Inc()
	BroadcastDuration.Observe(duration.Seconds())
}
